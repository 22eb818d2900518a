// Package executor runs the real compiler and replays cached results. In
// both directions the caller-visible outcome is identical: the same bytes
// on the output streams, the same exit code, the same files in the out
// directory.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Result is the observable outcome of a compiler run, real or replayed.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Executor spawns subprocesses and restores artifacts. Stdout/Stderr are
// where the orchestrator's streams go; tests point them at buffers.
type Executor struct {
	Stdout io.Writer
	Stderr io.Writer

	// execCommand is injected for testing
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func New() *Executor {
	return &Executor{
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		execCommand: exec.CommandContext,
	}
}

// Run invokes the real compiler with the untouched argument vector,
// teeing its streams through to the caller while capturing them. A done
// context kills the subprocess; a killed run returns ctx's error so the
// caller knows not to publish anything.
func (e *Executor) Run(ctx context.Context, compilerPath string, args []string) (*Result, error) {
	var outBuf, errBuf bytes.Buffer

	cmd := e.execCommand(ctx, compilerPath, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = io.MultiWriter(e.Stdout, &outBuf)
	cmd.Stderr = io.MultiWriter(e.Stderr, &errBuf)
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run compiler %s: %w", compilerPath, err)
		}

		code := exitErr.ExitCode()
		if code < 0 {
			// Terminated by a signal without our context being done.
			return nil, fmt.Errorf("compiler %s terminated by signal: %w", compilerPath, err)
		}

		return &Result{ExitCode: code, Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes()}, nil
	}

	return &Result{ExitCode: 0, Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes()}, nil
}
