package backend

import (
	"context"
	"path/filepath"
	"testing"

	"budgetbook/internal/config"
	"budgetbook/internal/log"
	"budgetbook/internal/sheets/memory"
	"budgetbook/internal/sheets/xlsx"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"memory", Config{Type: MemoryBackend}, false},
		{"xlsx with path", Config{Type: XLSXBackend, WorkbookPath: "b.xlsx"}, false},
		{"xlsx without path", Config{Type: XLSXBackend}, true},
		{"sheets with id", Config{Type: SheetsBackend, GoogleSpreadsheetID: "abc"}, false},
		{"sheets without id", Config{Type: SheetsBackend}, true},
		{"unknown", Config{Type: "csv"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFromAppConfig(t *testing.T) {
	if _, err := FromAppConfig(nil, MemoryBackend, ""); err == nil {
		t.Error("expected error for nil config")
	}

	app := &config.Config{GoogleSpreadsheetID: "abc", GoogleRatesSheetName: "FX"}
	cfg, err := FromAppConfig(app, XLSXBackend, "rates.xlsx")
	if err != nil {
		t.Fatalf("FromAppConfig() error = %v", err)
	}
	if cfg.WorkbookPath != "rates.xlsx" || cfg.WorkbookRates != "FX" || cfg.GoogleSpreadsheetID != "abc" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestFactoryCreate(t *testing.T) {
	f := NewFactory(log.Discard())
	ctx := context.Background()

	b, err := f.Create(ctx, Config{Type: MemoryBackend})
	if err != nil {
		t.Fatalf("Create(memory) error = %v", err)
	}
	if _, ok := b.(*memory.Store); !ok {
		t.Errorf("Create(memory) = %T", b)
	}

	b, err = f.Create(ctx, Config{Type: XLSXBackend, WorkbookPath: filepath.Join(t.TempDir(), "b.xlsx")})
	if err != nil {
		t.Fatalf("Create(xlsx) error = %v", err)
	}
	if _, ok := b.(*xlsx.Workbook); !ok {
		t.Errorf("Create(xlsx) = %T", b)
	}

	if _, err := f.Create(ctx, Config{Type: SheetsBackend}); err == nil {
		t.Error("expected error for sheets backend without spreadsheet id")
	}
}

func TestFactoryCreateSheetsWithoutCredentials(t *testing.T) {
	t.Setenv("GOOGLE_SERVICE_ACCOUNT_JSON", "")
	t.Setenv("GOOGLE_SERVICE_ACCOUNT_FILE", "")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")

	_, err := NewFactory(log.Discard()).Create(context.Background(), Config{Type: SheetsBackend, GoogleSpreadsheetID: "abc"})
	if err == nil {
		t.Fatal("expected credentials error")
	}
}
