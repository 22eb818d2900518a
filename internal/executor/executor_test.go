package executor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript drops an executable shell script into dir and returns its path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))

	return path
}

func newTestExecutor() (*Executor, *bytes.Buffer, *bytes.Buffer) {
	e := New()

	var stdout, stderr bytes.Buffer
	e.Stdout = &stdout
	e.Stderr = &stderr

	return e, &stdout, &stderr
}

func TestRun_CapturesAndTees(t *testing.T) {
	dir := t.TempDir()
	compiler := writeScript(t, dir, "cc", `echo "compiling $1"
echo "warning: w" >&2
exit 0
`)

	e, stdout, stderr := newTestExecutor()

	res, err := e.Run(context.Background(), compiler, []string{"lib.rs"})
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "compiling lib.rs\n", string(res.Stdout))
	assert.Equal(t, "warning: w\n", string(res.Stderr))

	// The caller saw the same bytes live.
	assert.Equal(t, res.Stdout, stdout.Bytes())
	assert.Equal(t, res.Stderr, stderr.Bytes())
}

func TestRun_NonZeroExitIsAResultNotAnError(t *testing.T) {
	dir := t.TempDir()
	compiler := writeScript(t, dir, "cc", `echo "error: bad input" >&2
exit 101
`)

	e, _, _ := newTestExecutor()

	res, err := e.Run(context.Background(), compiler, nil)
	require.NoError(t, err)

	assert.Equal(t, 101, res.ExitCode)
	assert.Contains(t, string(res.Stderr), "error: bad input")
}

func TestRun_MissingCompiler(t *testing.T) {
	e, _, _ := newTestExecutor()

	_, err := e.Run(context.Background(), "/no/such/compiler", nil)
	assert.Error(t, err)
}

func TestRun_CanceledContextKillsChild(t *testing.T) {
	dir := t.TempDir()
	compiler := writeScript(t, dir, "cc", "sleep 30\n")

	e, _, _ := newTestExecutor()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx, compiler, nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("child was not killed on cancellation")
	}
}
