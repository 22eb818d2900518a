// Package intercept implements the wrapper's main path: classify an
// intercepted compiler invocation, then hit, build or pass through.
//
// The guiding invariant is that every caching-layer failure degrades to
// "behave as if this were the real compiler". The only errors that can fail
// the build are the real compiler's own.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/cashew-build/cashew/internal/buildscript"
	"github.com/cashew-build/cashew/internal/cachelog"
	"github.com/cashew-build/cashew/internal/config"
	"github.com/cashew-build/cashew/internal/executor"
	"github.com/cashew-build/cashew/internal/fingerprint"
	"github.com/cashew-build/cashew/internal/lockd"
	"github.com/cashew-build/cashew/internal/metadata"
	"github.com/cashew-build/cashew/internal/store"
)

// Interceptor orchestrates one invocation. All shared state lives in the
// cache directory the Config points at; nothing is process-global.
type Interceptor struct {
	cfg    *config.Config
	store  *store.Store
	coord  *lockd.Coordinator
	exec   *executor.Executor
	engine *fingerprint.Engine
	log    *cachelog.Logger
}

func New(cfg *config.Config, log *cachelog.Logger) (*Interceptor, error) {
	st, err := store.New(cfg.CacheDir, log.Logger)
	if err != nil {
		return nil, err
	}

	coord, err := lockd.New(filepath.Join(cfg.CacheDir, "locks"), cfg.LockRetry, log.Logger)
	if err != nil {
		return nil, err
	}

	return &Interceptor{
		cfg:    cfg,
		store:  st,
		coord:  coord,
		exec:   executor.New(),
		engine: fingerprint.New(),
		log:    log,
	}, nil
}

// Store exposes the underlying store for administrative commands.
func (i *Interceptor) Store() *store.Store {
	return i.store
}

// Run handles one intercepted invocation and returns the exit code the
// orchestrator should observe.
func (i *Interceptor) Run(ctx context.Context, compilerPath string, args, environ []string) int {
	if i.cfg.Disabled {
		return i.passthrough(ctx, compilerPath, args, "caching disabled")
	}

	inv := &metadata.Invocation{
		CompilerPath: compilerPath,
		Args:         args,
		Env:          metadata.ParseEnviron(environ),
	}

	unit, err := metadata.Extract(inv, i.cfg.RegistryPrefixes)
	if err != nil {
		// Fail open: unrecognized or non-cacheable means the real compiler
		// runs with zero caching overhead.
		return i.passthrough(ctx, compilerPath, args, err.Error())
	}

	outputs, err := unit.OutputFiles()
	if err != nil {
		return i.passthrough(ctx, compilerPath, args, err.Error())
	}

	fp, err := i.fingerprintUnit(unit, inv, compilerPath)
	if err != nil {
		return i.passthrough(ctx, compilerPath, args, err.Error())
	}

	if code, ok := i.tryReplay(ctx, unit, fp); ok {
		return code
	}

	return i.build(ctx, unit, inv, fp, outputs)
}

func (i *Interceptor) fingerprintUnit(unit *metadata.Unit, inv *metadata.Invocation, compilerPath string) (digest.Digest, error) {
	compilerID, err := fingerprint.CompilerID(filepath.Join(i.cfg.CacheDir, "compilers"), compilerPath)
	if err != nil {
		return "", err
	}

	in := &fingerprint.Inputs{
		Unit:       unit,
		CompilerID: compilerID,
		Env:        inv.Env,
		Deps:       fingerprint.ResolveDeps(unit.Externs),
	}

	if outDir := inv.Env["OUT_DIR"]; outDir != "" {
		if scriptOut, ok := buildscript.ReadOutputDigest(outDir); ok {
			in.ScriptOutput = scriptOut
		}
	}

	return i.engine.Compute(in), nil
}

// tryReplay serves a cache hit. Returns ok=false on miss or when the hit
// could not be served, in which case the caller compiles for real.
func (i *Interceptor) tryReplay(ctx context.Context, unit *metadata.Unit, fp digest.Digest) (int, bool) {
	entry, err := i.store.Get(fp)
	if err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			i.log.CorruptEntry(fp, err)
		}

		return 0, false
	}

	started := time.Now()

	res, err := i.exec.Replay(ctx, entry, unit.OutDir, fp)
	if err != nil {
		// A half-restored out dir is fine: the real compiler overwrites it.
		i.log.Warn("replay failed, rebuilding", "error", err.Error())

		return 0, false
	}

	i.log.PulledUnit(unit.UnitName(), fp, time.Since(started))

	i.installScriptShim(unit)

	return res.ExitCode, true
}

func (i *Interceptor) build(ctx context.Context, unit *metadata.Unit, inv *metadata.Invocation, fp digest.Digest, outputs []string) int {
	lock, err := i.coord.Acquire(ctx, fp, unit.UnitName(), func() bool {
		_, err := i.store.Get(fp)
		return err == nil
	})
	if errors.Is(err, lockd.ErrAlreadyBuilt) {
		if code, ok := i.tryReplay(ctx, unit, fp); ok {
			return code
		}

		return i.passthrough(ctx, inv.CompilerPath, inv.Args, "entry vanished after lock wait")
	}
	if err != nil {
		if ctx.Err() != nil {
			return interruptedExit
		}

		// Coordination trouble must not fail the build.
		return i.passthrough(ctx, inv.CompilerPath, inv.Args, fmt.Sprintf("lock acquisition failed: %v", err))
	}
	defer func() {
		if err := lock.Release(); err != nil {
			i.log.Warn("failed to release build lock", "error", err.Error())
		}
	}()

	// The previous holder may have published between our miss and the
	// lock grant.
	if code, ok := i.tryReplay(ctx, unit, fp); ok {
		return code
	}

	started := time.Now()

	res, err := i.exec.Run(ctx, inv.CompilerPath, inv.Args)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted: the child is dead and nothing gets published.
			return interruptedExit
		}

		fmt.Fprintf(os.Stderr, "cashew: %v\n", err)

		return 1
	}

	if res.ExitCode != 0 {
		// Failures are never cached: a transient failure must not poison
		// the fingerprint.
		return res.ExitCode
	}

	i.publish(ctx, unit, fp, outputs, res, started)

	i.installScriptShim(unit)

	return 0
}

// publish persists a successful result. Strictly best-effort: by this
// point the caller already has a correct compilation, so every error here
// is logged and swallowed.
func (i *Interceptor) publish(ctx context.Context, unit *metadata.Unit, fp digest.Digest, outputs []string, res *executor.Result, started time.Time) {
	files := make([]store.PutFile, 0, len(outputs))

	for _, name := range outputs {
		src := filepath.Join(unit.OutDir, name)
		if _, err := os.Stat(src); err != nil {
			// The compiler produced less than the flag set promised; a
			// partial entry would poison later hits, so skip caching.
			i.log.Warn("expected output missing, not caching",
				"unit", unit.UnitName(), "file", name)

			return
		}

		files = append(files, store.PutFile{Name: name, SrcPath: src})
	}

	err := i.store.Put(ctx, fp, &store.PutRequest{
		Kind:     store.KindUnit,
		UnitName: unit.UnitName(),
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Files:    files,
	})
	if err != nil {
		i.log.Warn("failed to publish cache entry",
			"unit", unit.UnitName(), "error", err.Error())

		return
	}

	for _, f := range files {
		if err := fingerprint.WriteSidecar(f.SrcPath, fp); err != nil {
			i.log.Warn("failed to write fingerprint sidecar", "error", err.Error())
		}
	}

	i.log.PushedUnit(unit.UnitName(), fp, time.Since(started))
}

// installScriptShim swaps a freshly produced build-script binary for the
// wrapper so the script's eventual execution is cacheable too. Best-effort:
// without the shim the script simply runs uncached.
func (i *Interceptor) installScriptShim(unit *metadata.Unit) {
	if !unit.IsBuildScript() {
		return
	}

	scriptPath := filepath.Join(unit.OutDir, unit.UnitName())
	if _, err := os.Stat(scriptPath); err != nil {
		return
	}

	self, err := os.Executable()
	if err != nil {
		i.log.Warn("failed to locate wrapper executable", "error", err.Error())
		return
	}

	if err := buildscript.Install(self, scriptPath); err != nil {
		i.log.Warn("failed to install build script shim", "error", err.Error())
	}
}

func (i *Interceptor) passthrough(ctx context.Context, compilerPath string, args []string, reason string) int {
	i.log.Passthrough(reason)

	res, err := i.exec.Run(ctx, compilerPath, args)
	if err != nil {
		if ctx.Err() != nil {
			return interruptedExit
		}

		fmt.Fprintf(os.Stderr, "cashew: %v\n", err)

		return 1
	}

	return res.ExitCode
}

// interruptedExit mirrors the shell convention for SIGINT termination.
const interruptedExit = 130
