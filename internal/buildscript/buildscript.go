// Package buildscript caches build-script executions. A build script is a
// second, distinct cacheable computation: its own fingerprint is the script
// binary's content plus the environment it runs under, and its cached
// result is the out directory it populated (as a compressed archive) plus
// the stdout the orchestrator parses for directives.
//
// The wrapper gets control of script execution the same way it gets control
// of compilations: after a build-script binary is compiled (or replayed),
// Install moves the real binary aside and puts a copy of the wrapper in its
// place, with a fixed-name symlink pointing at the real one. When the
// orchestrator later runs "the script", it actually runs us.
package buildscript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/cashew-build/cashew/internal/cachelog"
	"github.com/cashew-build/cashew/internal/config"
	"github.com/cashew-build/cashew/internal/fingerprint"
	"github.com/cashew-build/cashew/internal/lockd"
	"github.com/cashew-build/cashew/internal/metadata"
	"github.com/cashew-build/cashew/internal/store"
)

const (
	// RealScriptName is the symlink, next to the installed shim, that
	// points at the moved-aside real build script.
	RealScriptName = "real-build-script"

	// movedSuffix is appended to the real script binary when the shim
	// replaces it.
	movedSuffix = "-real"

	// OutputDigestName is written into the script's out dir so the
	// downstream unit compile can fold the script result into its own
	// fingerprint.
	OutputDigestName = ".script-output.fp"

	// outArchiveName is the single artifact file of a build-script entry.
	outArchiveName = "out.tar.zst"

	// rerunPrefix marks orchestrator directives that would dirty the
	// script on every build if replayed; they are filtered out.
	rerunPrefix = "cargo:rerun-if-"
)

// IsScriptInvocation reports whether this process was started as an
// installed build-script shim: no wrapper arguments, and the real-script
// symlink sits next to the executable we were invoked as.
func IsScriptInvocation(calledAs string, args []string) bool {
	if len(args) != 0 {
		return false
	}

	dir := filepath.Dir(calledAs)
	if _, err := os.Lstat(filepath.Join(dir, RealScriptName)); err != nil {
		return false
	}

	return true
}

// Install replaces a freshly built (or replayed) build-script binary with
// the wrapper itself. selfPath is the wrapper executable; scriptPath is the
// script binary the orchestrator will execute.
func Install(selfPath, scriptPath string) error {
	moved := scriptPath + movedSuffix

	if err := os.Rename(scriptPath, moved); err != nil {
		return fmt.Errorf("failed to move build script aside: %w", err)
	}

	symlink := filepath.Join(filepath.Dir(scriptPath), RealScriptName)
	if err := os.Remove(symlink); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale script symlink: %w", err)
	}

	if err := os.Symlink(moved, symlink); err != nil {
		return fmt.Errorf("failed to link real build script: %w", err)
	}

	// A copy, not a symlink: the orchestrator copies the script binary to
	// its run location, and copying through a symlink would carry the
	// target's old mtime and trigger spurious rebuilds.
	if err := copyExecutable(selfPath, scriptPath); err != nil {
		return fmt.Errorf("failed to install build script shim: %w", err)
	}

	return nil
}

// Runner executes or replays build scripts.
type Runner struct {
	cfg    *config.Config
	store  *store.Store
	coord  *lockd.Coordinator
	engine *fingerprint.Engine
	log    *cachelog.Logger

	Stdout io.Writer
	Stderr io.Writer
}

func NewRunner(cfg *config.Config, st *store.Store, coord *lockd.Coordinator, log *cachelog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		store:  st,
		coord:  coord,
		engine: fingerprint.New(),
		log:    log,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Run handles one shim invocation and returns the exit code the
// orchestrator should see. calledAs is the path we were executed as.
func (r *Runner) Run(ctx context.Context, calledAs string, environ []string) int {
	env := metadata.ParseEnviron(environ)

	code, err := r.run(ctx, calledAs, env)
	if err == nil {
		return code
	}

	// Any caching-layer failure degrades to running the real script.
	r.log.Warn("build script cache failed, running real script",
		"error", err.Error())

	return r.runReal(ctx, filepath.Join(filepath.Dir(calledAs), RealScriptName), io.Discard)
}

func (r *Runner) run(ctx context.Context, calledAs string, env map[string]string) (int, error) {
	outDir := env["OUT_DIR"]
	if outDir == "" {
		return 0, errors.New("missing OUT_DIR for build script run")
	}

	realScript := filepath.Join(filepath.Dir(calledAs), RealScriptName)

	scriptID, err := hashScript(realScript)
	if err != nil {
		return 0, err
	}

	fp := r.engine.ScriptRun(scriptID, env)
	unitName := filepath.Base(filepath.Dir(outDir))

	if entry, err := r.store.Get(fp); err == nil {
		return r.replay(entry, fp, outDir, unitName)
	} else if errors.Is(err, store.ErrCorrupt) {
		r.log.CorruptEntry(fp, err)
	}

	lock, err := r.coord.Acquire(ctx, fp, unitName, func() bool {
		_, err := r.store.Get(fp)
		return err == nil
	})
	if errors.Is(err, lockd.ErrAlreadyBuilt) {
		entry, getErr := r.store.Get(fp)
		if getErr != nil {
			return 0, getErr
		}

		return r.replay(entry, fp, outDir, unitName)
	}
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			r.log.Warn("failed to release build lock", "error", err.Error())
		}
	}()

	// Someone else may have published while we raced for the lock.
	if entry, err := r.store.Get(fp); err == nil {
		return r.replay(entry, fp, outDir, unitName)
	}

	started := time.Now()

	var stdout bytes.Buffer
	code := r.runReal(ctx, realScript, &stdout)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if code != 0 {
		// Failures are never cached.
		return code, nil
	}

	if err := writeOutputDigest(outDir, fp); err != nil {
		return 0, err
	}

	if err := r.push(ctx, fp, unitName, outDir, stdout.Bytes()); err != nil {
		// Best-effort: the script already ran successfully.
		r.log.Warn("failed to push build script outputs", "error", err.Error())
	} else {
		r.log.RanBuildScript(unitName, fp, time.Since(started))
	}

	return 0, nil
}

// replay restores the out dir and re-emits the captured stdout minus
// rerun-if directives, which would make the orchestrator consider the
// script perpetually dirty.
func (r *Runner) replay(entry *store.Entry, fp digest.Digest, outDir, unitName string) (int, error) {
	started := time.Now()

	archive, err := os.Open(entry.FilePath(outArchiveName))
	if err != nil {
		return 0, fmt.Errorf("failed to open out-dir archive: %w", err)
	}
	defer archive.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, err
	}

	if err := Unpack(archive, outDir); err != nil {
		return 0, err
	}

	if err := writeOutputDigest(outDir, fp); err != nil {
		return 0, err
	}

	stdout, err := entry.Stdout()
	if err != nil {
		return 0, err
	}

	for line := range strings.Lines(string(stdout)) {
		if strings.HasPrefix(strings.TrimSpace(line), rerunPrefix) {
			continue
		}

		if _, err := io.WriteString(r.Stdout, line); err != nil {
			return 0, err
		}
	}

	r.log.PulledBuildScript(unitName, fp, time.Since(started))

	return 0, nil
}

func (r *Runner) push(ctx context.Context, fp digest.Digest, unitName, outDir string, stdout []byte) error {
	staging, err := os.CreateTemp("", "script-out-*.tar.zst")
	if err != nil {
		return err
	}
	defer os.Remove(staging.Name())

	if err := Pack(outDir, staging); err != nil {
		staging.Close()
		return err
	}

	if err := staging.Close(); err != nil {
		return err
	}

	return r.store.Put(ctx, fp, &store.PutRequest{
		Kind:     store.KindBuildScript,
		UnitName: unitName,
		Stdout:   stdout,
		Files:    []store.PutFile{{Name: outArchiveName, SrcPath: staging.Name()}},
	})
}

// runReal executes the real build script with the inherited environment,
// teeing stdout to the caller (the orchestrator parses it) and into capture.
func (r *Runner) runReal(ctx context.Context, realScript string, capture io.Writer) int {
	cmd := exec.CommandContext(ctx, realScript)
	cmd.Stdout = io.MultiWriter(r.Stdout, capture)
	cmd.Stderr = r.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			return exitErr.ExitCode()
		}

		fmt.Fprintf(r.Stderr, "cashew: failed to run build script: %v\n", err)

		return 1
	}

	return 0
}

// ReadOutputDigest returns the script-result digest recorded in a unit's
// OUT_DIR, if the unit has a build script that ran under the shim.
func ReadOutputDigest(outDir string) (digest.Digest, bool) {
	data, err := os.ReadFile(filepath.Join(outDir, OutputDigestName))
	if err != nil {
		return "", false
	}

	fp, err := digest.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return "", false
	}

	return fp, true
}

func writeOutputDigest(outDir string, fp digest.Digest) error {
	path := filepath.Join(outDir, OutputDigestName)

	if err := os.WriteFile(path, []byte(fp.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to record script output digest: %w", err)
	}

	return nil
}

func hashScript(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open real build script: %w", err)
	}
	defer f.Close()

	id, err := digest.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to hash build script: %w", err)
	}

	return id, nil
}

func copyExecutable(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)

	return err
}
