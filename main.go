// cashew is a drop-in compiler wrapper that caches compilations of
// immutable registry packages. The build orchestrator is pointed at this
// binary instead of the compiler; the first argument is the real compiler's
// path and the rest is the original argument vector.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cashew-build/cashew/cmd"
	"github.com/cashew-build/cashew/internal/buildscript"
	"github.com/cashew-build/cashew/internal/cachelog"
	"github.com/cashew-build/cashew/internal/config"
	"github.com/cashew-build/cashew/internal/executor"
	"github.com/cashew-build/cashew/internal/intercept"
	"github.com/cashew-build/cashew/internal/lockd"
	"github.com/cashew-build/cashew/internal/store"
)

func main() {
	args := os.Args

	// Three faces of the same binary: an installed build-script shim, the
	// compiler wrapper, or the administrative CLI.
	switch {
	case buildscript.IsScriptInvocation(args[0], args[1:]):
		os.Exit(runBuildScript(args[0]))

	case len(args) >= 2 && looksLikeCompiler(args[1]):
		os.Exit(runWrapper(args[1], args[2:]))

	default:
		cmd.Execute()
	}
}

// looksLikeCompiler distinguishes "cashew /path/to/rustc ..." from
// "cashew stats": the real compiler is an existing executable file.
func looksLikeCompiler(arg string) bool {
	info, err := os.Stat(arg)
	if err != nil || info.IsDir() {
		return false
	}

	return info.Mode()&0o111 != 0
}

func runWrapper(compilerPath string, compilerArgs []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader().LoadFromEnv()
	if err != nil {
		// No usable configuration still must not fail the build.
		return failOpen(ctx, compilerPath, compilerArgs)
	}

	log, err := cachelog.Open(cfg.CacheDir, cfg.LogLevel)
	if err != nil {
		log = cachelog.Discard()
	}
	defer log.Close()

	interceptor, err := intercept.New(cfg, log)
	if err != nil {
		log.Warn("failed to initialize cache, passing through", "error", err.Error())
		return failOpen(ctx, compilerPath, compilerArgs)
	}

	return interceptor.Run(ctx, compilerPath, compilerArgs, os.Environ())
}

func runBuildScript(calledAs string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Any init failure degrades to executing the real script directly;
	// the shim must never break a build the real script would complete.
	realScript := filepath.Join(filepath.Dir(calledAs), buildscript.RealScriptName)

	cfg, err := config.NewLoader().LoadFromEnv()
	if err != nil {
		return failOpen(ctx, realScript, nil)
	}

	log, err := cachelog.Open(cfg.CacheDir, cfg.LogLevel)
	if err != nil {
		log = cachelog.Discard()
	}
	defer log.Close()

	st, err := store.New(cfg.CacheDir, log.Logger)
	if err != nil {
		return failOpen(ctx, realScript, nil)
	}

	coord, err := lockd.New(filepath.Join(cfg.CacheDir, "locks"), cfg.LockRetry, log.Logger)
	if err != nil {
		return failOpen(ctx, realScript, nil)
	}

	return buildscript.NewRunner(cfg, st, coord, log).Run(ctx, calledAs, os.Environ())
}

func failOpen(ctx context.Context, compilerPath string, args []string) int {
	res, err := executor.New().Run(ctx, compilerPath, args)
	if err != nil {
		return 1
	}

	return res.ExitCode
}
