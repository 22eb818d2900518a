package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// PutFile names one artifact to capture into an entry.
type PutFile struct {
	// Name the artifact will have inside the entry (and back in an out dir
	// on replay).
	Name string

	// SrcPath is where the freshly compiled file currently lives.
	SrcPath string
}

// PutRequest is everything needed to publish one successful result.
type PutRequest struct {
	Kind     string
	UnitName string
	Stdout   []byte
	Stderr   []byte
	Files    []PutFile
}

// Put captures the request into a staged directory and publishes it with a
// single rename. If an entry for fp already exists (a concurrent writer won
// the race) the staged copy is discarded and Put reports success: the
// existing entry is equally valid by construction.
func (s *Store) Put(ctx context.Context, fp digest.Digest, req *PutRequest) error {
	staging, err := os.MkdirTemp(filepath.Join(s.root, "tmp"), "put-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := os.MkdirAll(filepath.Join(staging, "files"), 0o755); err != nil {
		return fmt.Errorf("failed to create staging files directory: %w", err)
	}

	infos := make([]FileInfo, len(req.Files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range req.Files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			info, err := captureFile(f.SrcPath, filepath.Join(staging, "files", f.Name))
			if err != nil {
				return fmt.Errorf("failed to capture %s: %w", f.Name, err)
			}

			info.Name = f.Name
			infos[i] = info

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for name, data := range map[string][]byte{"stdout": req.Stdout, "stderr": req.Stderr} {
		if err := os.WriteFile(filepath.Join(staging, name), data, 0o644); err != nil {
			return fmt.Errorf("failed to write captured %s: %w", name, err)
		}
	}

	manifest := Manifest{
		Fingerprint: fp.String(),
		Kind:        req.Kind,
		UnitName:    req.UnitName,
		ExitCode:    0,
		CreatedAt:   time.Now().UTC(),
		Files:       infos,
	}

	data, err := json.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	// Manifest goes in last within the staged dir; the rename below is
	// what makes the whole entry visible atomically.
	if err := os.WriteFile(filepath.Join(staging, "manifest.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	dest := s.entryDir(fp)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	if err := os.Rename(staging, dest); err != nil {
		if _, statErr := os.Stat(filepath.Join(dest, "manifest.json")); statErr == nil {
			// Lost the publish race; the winner's entry stands.
			return nil
		}

		return fmt.Errorf("failed to publish cache entry: %w", err)
	}

	s.recordIndexed(fp, &manifest)

	s.logger.Debug("published cache entry",
		slog.String("fingerprint", fp.String()),
		slog.String("unit", req.UnitName),
		slog.Int("files", len(infos)))

	return nil
}

// captureFile copies src into the staging area, hashing as it copies, and
// preserves the source's permission bits (binaries must stay executable).
func captureFile(src, dst string) (FileInfo, error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return FileInfo{}, err
	}

	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return FileInfo{}, err
	}

	defer dstFile.Close()

	digester := digest.Canonical.Digester()

	n, err := io.Copy(io.MultiWriter(dstFile, digester.Hash()), srcFile)
	if err != nil {
		return FileInfo{}, err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return FileInfo{}, err
	}

	if err := dstFile.Chmod(srcInfo.Mode().Perm()); err != nil {
		return FileInfo{}, err
	}

	return FileInfo{Size: n, Digest: digester.Digest().String()}, nil
}
