package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"budgetbook/internal/cli"
	"budgetbook/internal/config"
	"budgetbook/internal/core"
	"budgetbook/internal/log"
	"budgetbook/internal/rates"
	"budgetbook/internal/storage"
)

const commandTimeout = 10 * time.Minute

type command struct {
	name  string
	usage string
	run   func(a *app, args []string) error
}

var commands = []command{
	{"migrate", "Apply database migrations and print the schema version", runMigrate},
	{"currency", "Register a currency", runCurrency},
	{"budget", "Create a budget", runBudget},
	{"account", "Create an account in a budget", runAccount},
	{"category", "Create a category in a budget", runCategory},
	{"project", "Create a project in a budget", runProject},
	{"object", "Create a budget object in a budget", runObject},
	{"op", "Record an income or expense", runOperation},
	{"recalc", "Recalculate balances, turnovers and exchange differences", runRecalc},
	{"report", "Print or publish the annual budget report", runReport},
	{"plan", "Set a planned value in the budget register", runPlan},
	{"import", "Import operations from a CSV file", runImport},
	{"export", "Export operations to a CSV file", runExport},
	{"link", "Pair a transfer with its counterpart", runLink},
	{"rates", "Load exchange rates from a spreadsheet or workbook", runRates},
}

// app holds what every command needs once the environment is loaded.
type app struct {
	ctx      context.Context
	cfg      *config.Config
	settings core.Settings
	logger   *log.Logger
	repo     *storage.SQLiteRepository
	rates    *rates.Service
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage()
		return
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
		printUsage()
		os.Exit(1)
	}

	cli.LoadEnvFile()
	cfg := config.Load()
	logger := cli.SetupLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	flushTelemetry := cli.InitTelemetry(context.Background(), logger, cfg, "budget")
	defer flushTelemetry()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	a := &app{ctx: ctx, cfg: cfg, settings: cfg.Settings(), logger: logger}
	if cmd.name != "migrate" {
		a.repo = cli.InitSQLite(logger, cfg.SQLiteDBPath)
		defer a.repo.Close()
		a.rates = cli.InitRates(logger, a.repo)
	}

	if err := cmd.run(a, os.Args[2:]); err != nil {
		logger.Error("Command failed", "command", cmd.name, log.FieldError, err)
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd.name, err)
		cancel()
		flushTelemetry()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Budget Engine CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  budget <command> [options]")
	fmt.Println("\nCommands:")
	for _, c := range commands {
		fmt.Printf("  %-9s %s\n", c.name, c.usage)
	}
	fmt.Println("  help      Show this help message")
	fmt.Println("\nRun 'budget <command> -h' for more information on a command.")
}
