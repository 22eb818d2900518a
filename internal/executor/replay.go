package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/cashew-build/cashew/internal/fingerprint"
	"github.com/cashew-build/cashew/internal/metadata"
	"github.com/cashew-build/cashew/internal/store"
)

// Replay places a cached entry's artifacts into outDir and re-emits the
// captured streams and exit code. Artifact bytes are hard-linked where the
// filesystem allows and copied otherwise, never regenerated, because
// downstream consumers may hash them.
func (e *Executor) Replay(ctx context.Context, entry *store.Entry, outDir string, fp digest.Digest) (*Result, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, f := range entry.Manifest.Files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			src := entry.FilePath(f.Name)
			dst := filepath.Join(outDir, f.Name)

			if strings.HasSuffix(f.Name, metadata.DepInfoSuffix) {
				// Dep-info needs rewriting for this machine, so it is the
				// one artifact that must be materialized, not linked.
				if err := restoreDepInfo(src, dst); err != nil {
					return fmt.Errorf("failed to restore %s: %w", f.Name, err)
				}
			} else if err := restoreFile(src, dst); err != nil {
				return fmt.Errorf("failed to restore %s: %w", f.Name, err)
			}

			// Fresh mtime keeps the orchestrator's change detection from
			// seeing the artifact as older than its inputs.
			now := time.Now()
			if err := os.Chtimes(dst, now, now); err != nil {
				return fmt.Errorf("failed to update mtime for %s: %w", f.Name, err)
			}

			return fingerprint.WriteSidecar(dst, fp)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	stdout, err := entry.Stdout()
	if err != nil {
		return nil, fmt.Errorf("failed to read captured stdout: %w", err)
	}

	stderr, err := entry.Stderr()
	if err != nil {
		return nil, fmt.Errorf("failed to read captured stderr: %w", err)
	}

	if _, err := e.Stdout.Write(stdout); err != nil {
		return nil, fmt.Errorf("failed to replay stdout: %w", err)
	}

	if _, err := e.Stderr.Write(stderr); err != nil {
		return nil, fmt.Errorf("failed to replay stderr: %w", err)
	}

	return &Result{ExitCode: entry.Manifest.ExitCode, Stdout: stdout, Stderr: stderr}, nil
}

// restoreFile hard-links src to dst, falling back to a byte copy when
// linking fails (different filesystem, or dst already exists).
func restoreFile(src, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := os.Link(src, dst); err == nil {
		return nil
	}

	return copyFile(src, dst)
}

func restoreDepInfo(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	return os.WriteFile(dst, RewriteDepInfo(data), 0o644)
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}

	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}

	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	return dstFile.Chmod(srcInfo.Mode().Perm())
}
