// Package store is the content-addressed cache of compilation results.
//
// Layout under the store root:
//
//	entries/<shard>/<encoded-digest>/manifest.json
//	entries/<shard>/<encoded-digest>/stdout
//	entries/<shard>/<encoded-digest>/stderr
//	entries/<shard>/<encoded-digest>/files/<artifact>
//	tmp/        staging area, same filesystem as entries/
//	index.db    best-effort BoltDB index for administrative queries
//
// Entries become visible through a single atomic rename of the staged
// directory into its addressed location; a reader can never observe a
// partially written entry. The store enforces no cross-process exclusivity
// beyond that: serializing writers per fingerprint is the coordinator's
// job, and even without it the worst case is a harmless lost rename race.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrNotFound means no entry exists for the fingerprint.
	ErrNotFound = errors.New("cache entry not found")

	// ErrCorrupt means an entry existed but failed validation and has been
	// purged. Callers treat it exactly like a miss.
	ErrCorrupt = errors.New("cache entry corrupt")
)

const shardPrefixLen = 2

// staleStagingAge is how old a staging directory must be before it is
// considered left behind by a dead writer rather than in active use.
const staleStagingAge = 24 * time.Hour

// Store is a local persisted fingerprint→entry store.
type Store struct {
	root   string
	logger *slog.Logger
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store root is empty")
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	for _, sub := range []string{"entries", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	s := &Store{root: dir, logger: logger}
	s.sweepStaging()

	return s, nil
}

// sweepStaging removes staging directories whose writer died before the
// deferred cleanup ran. Staged data is invisible to readers, so the only
// cost of a leak is disk space; the age cutoff keeps live writers safe.
func (s *Store) sweepStaging() {
	tmpDir := filepath.Join(s.root, "tmp")

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return
	}

	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}

		if time.Since(info.ModTime()) < staleStagingAge {
			continue
		}

		if err := os.RemoveAll(filepath.Join(tmpDir, e.Name())); err != nil {
			s.logger.Debug("failed to sweep stale staging directory",
				slog.String("name", e.Name()), slog.String("error", err.Error()))
		}
	}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Get returns the entry for fp. Any number of concurrent Gets are safe; no
// locking is taken. A structurally invalid entry is purged and reported as
// ErrCorrupt so the caller can rebuild.
func (s *Store) Get(fp digest.Digest) (*Entry, error) {
	dir := s.entryDir(fp)

	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, s.purgeCorrupt(fp, fmt.Errorf("unreadable manifest: %w", err))
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, s.purgeCorrupt(fp, fmt.Errorf("malformed manifest: %w", err))
	}

	if m.Fingerprint != fp.String() {
		return nil, s.purgeCorrupt(fp, fmt.Errorf("manifest fingerprint mismatch: %s", m.Fingerprint))
	}

	// Structural check only on the hot path: every listed file must exist
	// with its recorded size. Full digest verification is `verify`'s job.
	for _, f := range m.Files {
		info, err := os.Stat(filepath.Join(dir, "files", f.Name))
		if err != nil {
			return nil, s.purgeCorrupt(fp, fmt.Errorf("missing artifact %s: %w", f.Name, err))
		}

		if info.Size() != f.Size {
			return nil, s.purgeCorrupt(fp, fmt.Errorf("artifact %s size %d, manifest says %d", f.Name, info.Size(), f.Size))
		}
	}

	return &Entry{Manifest: m, dir: dir}, nil
}

// Remove deletes the entry for fp, if present.
func (s *Store) Remove(fp digest.Digest) error {
	if err := os.RemoveAll(s.entryDir(fp)); err != nil {
		return fmt.Errorf("failed to remove cache entry: %w", err)
	}

	s.dropIndexed(fp)

	return nil
}

// Clear removes every entry and the index.
func (s *Store) Clear() error {
	if err := os.RemoveAll(filepath.Join(s.root, "entries")); err != nil {
		return fmt.Errorf("failed to remove entries: %w", err)
	}

	if err := os.RemoveAll(s.indexPath()); err != nil {
		return fmt.Errorf("failed to remove index: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(s.root, "entries"), 0o755); err != nil {
		return fmt.Errorf("failed to recreate entries directory: %w", err)
	}

	return nil
}

func (s *Store) purgeCorrupt(fp digest.Digest, cause error) error {
	s.logger.Warn("purging corrupt cache entry",
		slog.String("fingerprint", fp.String()),
		slog.String("cause", cause.Error()))

	if err := os.RemoveAll(s.entryDir(fp)); err != nil {
		s.logger.Warn("failed to purge corrupt entry", slog.String("error", err.Error()))
	}

	s.dropIndexed(fp)

	return fmt.Errorf("%w: %v", ErrCorrupt, cause)
}

func (s *Store) entryDir(fp digest.Digest) string {
	enc := fp.Encoded()

	return filepath.Join(s.root, "entries", enc[:shardPrefixLen], enc)
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, "index.db")
}
