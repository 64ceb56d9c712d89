package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
		verbosity  int
	}{
		{name: "JSON output mode", jsonOutput: true, verbosity: 1},
		{name: "Console output mode", jsonOutput: false, verbosity: 0},
		{name: "Console debug", jsonOutput: false, verbosity: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			JSONOutput = false

			if err := Initialize(tt.jsonOutput, tt.verbosity); err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}
			if Logger == nil {
				t.Fatal("Initialize() did not set global Logger")
			}
			if JSONOutput != tt.jsonOutput {
				t.Errorf("JSONOutput = %v, want %v", JSONOutput, tt.jsonOutput)
			}
			if !Logger.Desugar().Core().Enabled(VerbosityToLevel(tt.verbosity)) {
				t.Errorf("logger not enabled at %v", VerbosityToLevel(tt.verbosity))
			}

			Logger = zap.NewNop().Sugar()
		})
	}
}

func TestVerbosityToLevel(t *testing.T) {
	cases := map[int]zapcore.Level{
		-1: zapcore.WarnLevel,
		0:  zapcore.WarnLevel,
		1:  zapcore.InfoLevel,
		2:  zapcore.DebugLevel,
		5:  zapcore.DebugLevel,
	}
	for v, want := range cases {
		if got := VerbosityToLevel(v); got != want {
			t.Errorf("VerbosityToLevel(%d) = %v, want %v", v, got, want)
		}
	}
	if LevelName(1) != "Info (-v)" {
		t.Errorf("LevelName(1) = %q", LevelName(1))
	}
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithJobID(context.Background(), "job_1")
	ctx = WithDeliveryID(ctx, "dlv_1")

	fields := FieldsFromContext(ctx)
	if len(fields) != 4 {
		t.Fatalf("expected 4 entries, got %d: %v", len(fields), fields)
	}
	if fields[0] != FieldJobID || fields[1] != "job_1" {
		t.Errorf("unexpected job field: %v", fields[:2])
	}
	if fields[2] != FieldDeliveryID || fields[3] != "dlv_1" {
		t.Errorf("unexpected delivery field: %v", fields[2:])
	}

	if len(FieldsFromContext(context.Background())) != 0 {
		t.Error("empty context should produce no fields")
	}
}

func TestSymbolHelpersAttachField(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	AddPulseSymbol(base).Infow("job started", FieldJobID, "job_1")
	AddDeliverySymbol(base).Infow("platform dispatched")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if got := entries[0].ContextMap()[FieldSymbol]; got != "꩜" {
		t.Errorf("pulse symbol = %v", got)
	}
	if got := entries[1].ContextMap()[FieldSymbol]; got != "⟶" {
		t.Errorf("delivery symbol = %v", got)
	}
}

func TestSetVerbosityAdjustsLevelInPlace(t *testing.T) {
	if err := Initialize(false, 0); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer func() { Logger = zap.NewNop().Sugar() }()

	core := Logger.Desugar().Core()
	if core.Enabled(zapcore.InfoLevel) {
		t.Fatal("info should be disabled without -v")
	}
	SetVerbosity(2)
	if !core.Enabled(zapcore.DebugLevel) {
		t.Error("existing logger did not pick up the new level")
	}
	SetVerbosity(0)
}

func TestDBInfowTagsSymbol(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Logger = zap.New(core).Sugar()
	defer func() { Logger = zap.NewNop().Sugar() }()

	DBInfow("Cleanup complete", "jobs", 3)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()[FieldSymbol]; got != "⊔" {
		t.Errorf("db symbol = %v", got)
	}
}

func TestFromContextAttachesIDs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).Sugar()

	FromContext(WithJobID(context.Background(), "job_7"), base).Infow("running")
	FromContext(context.Background(), base).Infow("bare")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if got := entries[0].ContextMap()[FieldJobID]; got != "job_7" {
		t.Errorf("job id field = %v", got)
	}
	if _, ok := entries[1].ContextMap()[FieldJobID]; ok {
		t.Error("bare context should not carry a job id")
	}
}
