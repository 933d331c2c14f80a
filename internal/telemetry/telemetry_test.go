package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitNone(t *testing.T) {
	for _, exporter := range []string{"", "none", "NONE"} {
		shutdown, err := Init(context.Background(), Config{ServiceName: "test", Exporter: exporter})
		if err != nil {
			t.Fatalf("Init(%q) error = %v", exporter, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown() error = %v", err)
		}
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Exporter: "zipkin"}); err == nil {
		t.Fatal("Init() error = nil, want unknown exporter")
	}
	if ValidExporter("zipkin") {
		t.Error("ValidExporter(zipkin) = true")
	}
}

func TestInitStdoutRecords(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	shutdown, err := Init(ctx, Config{ServiceName: "budget-test", Environment: "test", Exporter: ExporterStdout, Output: &buf})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	_, span := otel.Tracer("budgetbook/test").Start(ctx, "recalc.replay")
	span.End()
	counter, err := otel.Meter("budgetbook/test").Int64Counter("recalc.operations.replayed")
	if err != nil {
		t.Fatalf("Int64Counter() error = %v", err)
	}
	counter.Add(ctx, 3)

	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"recalc.replay", "recalc.operations.replayed", "budget-test"} {
		if !strings.Contains(out, want) {
			t.Errorf("exported output lacks %q", want)
		}
	}
}
