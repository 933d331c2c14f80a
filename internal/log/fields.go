package log

import "time"

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldRunID       = "run_id"
	FieldBudgetID    = "budget_id"
	FieldAccountID   = "account_id"
	FieldOperationID = "operation_id"
	FieldKind        = "kind"
	FieldPeriod      = "period"
	FieldCurrency    = "currency"
	FieldDuration    = "duration_ms"
	FieldCount       = "count"
	FieldSuccess     = "success"
	FieldError       = "error"
	FieldOperation   = "operation"
	FieldPhase       = "phase"
	FieldYear        = "year"
)

// Components defines standard component names
const (
	ComponentApp        = "app"
	ComponentStorage    = "storage"
	ComponentRates      = "rates"
	ComponentOperations = "operations"
	ComponentTransfers  = "transfers"
	ComponentRecalc     = "recalc"
	ComponentReport     = "report"
	ComponentCSV        = "csv"
	ComponentAMQP       = "amqp"
	ComponentWorker     = "worker"
	ComponentSheets     = "sheets"
	ComponentCache      = "cache"
)

// Operations defines standard operation names
const (
	OpCreate   = "create"
	OpRead     = "read"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpList     = "list"
	OpImport   = "import"
	OpExport   = "export"
	OpRecalc   = "recalc"
	OpPlan     = "plan"
	OpLink     = "link"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

func (f LogFields) WithBudget(budgetID int64) LogFields {
	f[FieldBudgetID] = budgetID
	return f
}

func (f LogFields) WithRun(runID string) LogFields {
	f[FieldRunID] = runID
	return f
}

// WithOperationRef adds the fields identifying a single ledger operation.
func (f LogFields) WithOperationRef(opID, accountID int64, kind string) LogFields {
	f[FieldOperationID] = opID
	f[FieldAccountID] = accountID
	f[FieldKind] = kind
	return f
}

func (f LogFields) WithDuration(d time.Duration) LogFields {
	f[FieldDuration] = d.Milliseconds()
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
