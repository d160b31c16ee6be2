package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mizuki-ota/conductor/internal/model"
)

// ExecBackend runs a configured command per task: the payload is written
// to the command's stdin, stdout becomes the task output. The exit code
// decides the failure class: codes listed in transient_exit_codes (plus
// a context deadline) are transient, everything else is fatal.
type ExecBackend struct {
	argv      []string
	transient map[int]bool
}

func NewExecBackend(cfg model.BackendConfig) (*ExecBackend, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("backend command not configured")
	}
	transient := make(map[int]bool, len(cfg.TransientExitCodes))
	for _, code := range cfg.TransientExitCodes {
		transient[code] = true
	}
	return &ExecBackend{argv: cfg.Command, transient: transient}, nil
}

func (b *ExecBackend) Complete(ctx context.Context, payload string) (string, error) {
	cmd := exec.CommandContext(ctx, b.argv[0], b.argv[1:]...)
	cmd.Stdin = strings.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	// A cancelled or timed-out execution is always transient: the task
	// may well succeed on a less loaded worker.
	if ctx.Err() != nil {
		return "", Transient(fmt.Errorf("execution deadline: %w", ctx.Err()))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		detail := fmt.Errorf("exit code %d: %s", code, firstLine(stderr.String()))
		if b.transient[code] {
			return "", Transient(detail)
		}
		return "", Fatal(detail)
	}

	// The command could not be started at all (missing binary,
	// permissions). Retrying on another worker may still work.
	return "", Transient(fmt.Errorf("start backend: %w", err))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
