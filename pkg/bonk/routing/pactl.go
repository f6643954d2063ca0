package routing

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const defaultCommandTimeout = 5 * time.Second

// Runner executes one audio server command and returns its textual output
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// PactlRunner runs pactl as a subprocess. The exit code is ignored;
// stderr is merged into the captured output
type PactlRunner struct {
	Binary  string
	Timeout time.Duration
}

func NewPactlRunner(binary string) *PactlRunner {
	if binary == "" {
		binary = "pactl"
	}

	return &PactlRunner{Binary: binary, Timeout: defaultCommandTimeout}
}

func (r *PactlRunner) Run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Binary, args...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		// non-zero exit still carries the server's answer, e.g. "Failure: No such entity"
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), nil
		}

		return "", fmt.Errorf("run %s %v: %w", r.Binary, args, err)
	}

	return string(out), nil
}
