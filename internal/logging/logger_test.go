package logging

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info must be disabled at warn level")
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestWithOperationAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	WithOperation(zap.New(core), "usecase.verify", "req-1").Info("done")

	entry := logs.All()[0]
	fields := entry.ContextMap()
	if fields["operation"] != "usecase.verify" || fields["request_id"] != "req-1" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestOperationErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := NewOperationError("repository.save_record", "req-1", base)
	if !errors.Is(err, base) {
		t.Fatal("expected wrapped error")
	}
	if err.Error() != "repository.save_record (request_id=req-1): boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if op, ok := OperationOf(fmt.Errorf("outer: %w", err)); !ok || op != "repository.save_record" {
		t.Fatalf("unexpected operation %q", op)
	}
	if NewOperationError("op", "", nil) != nil {
		t.Fatal("nil error must stay nil")
	}
}
