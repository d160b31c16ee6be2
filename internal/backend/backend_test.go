package backend

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mizuki-ota/conductor/internal/model"
)

func TestClassification(t *testing.T) {
	base := errors.New("boom")

	if !IsTransient(Transient(base)) {
		t.Error("Transient(err) not detected as transient")
	}
	if !IsFatal(Fatal(base)) {
		t.Error("Fatal(err) not detected as fatal")
	}
	if IsFatal(Transient(base)) {
		t.Error("transient error reported fatal")
	}
	// Unclassified errors default to transient
	if !IsTransient(base) {
		t.Error("bare error should default to transient")
	}
	if IsTransient(nil) || IsFatal(nil) {
		t.Error("nil error must not classify")
	}
	if !errors.Is(Transient(base), base) {
		t.Error("Transient must unwrap to the cause")
	}
}

func TestExecBackendSuccess(t *testing.T) {
	b, err := NewExecBackend(model.BackendConfig{Command: []string{"cat"}})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	out, err := b.Complete(context.Background(), `{"op":"echo"}`)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"op":"echo"}` {
		t.Errorf("output = %q", out)
	}
}

func TestExecBackendTransientExitCode(t *testing.T) {
	b, err := NewExecBackend(model.BackendConfig{
		Command:            []string{"sh", "-c", "echo oops >&2; exit 75"},
		TransientExitCodes: []int{75},
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	_, err = b.Complete(context.Background(), "")
	if !IsTransient(err) {
		t.Fatalf("exit 75 should be transient, got %v", err)
	}
	if !strings.Contains(err.Error(), "oops") {
		t.Errorf("stderr not captured in error: %v", err)
	}
}

func TestExecBackendFatalExitCode(t *testing.T) {
	b, err := NewExecBackend(model.BackendConfig{
		Command:            []string{"sh", "-c", "exit 3"},
		TransientExitCodes: []int{75},
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	_, err = b.Complete(context.Background(), "")
	if !IsFatal(err) {
		t.Fatalf("exit 3 should be fatal, got %v", err)
	}
}

func TestExecBackendDeadlineIsTransient(t *testing.T) {
	b, err := NewExecBackend(model.BackendConfig{Command: []string{"sleep", "5"}})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = b.Complete(ctx, "")
	if !IsTransient(err) {
		t.Fatalf("deadline exceeded should be transient, got %v", err)
	}
}

func TestExecBackendMissingCommand(t *testing.T) {
	if _, err := NewExecBackend(model.BackendConfig{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}
