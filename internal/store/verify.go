package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// Stats walks the entries tree and returns the entry count and total
// artifact size in bytes.
func (s *Store) Stats() (int, int64, error) {
	var count int
	var totalSize int64

	entriesDir := filepath.Join(s.root, "entries")

	err := filepath.WalkDir(entriesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // entry vanished mid-walk; skip
		}

		if d.IsDir() {
			return nil
		}

		if d.Name() == "manifest.json" {
			count++
		}

		info, err := d.Info()
		if err == nil {
			totalSize += info.Size()
		}

		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to walk entries: %w", err)
	}

	return count, totalSize, nil
}

// Verify re-hashes every artifact of every entry against its manifest and
// removes entries that no longer match. Returns the fingerprints removed.
func (s *Store) Verify() ([]digest.Digest, error) {
	fps, err := s.walkFingerprints()
	if err != nil {
		return nil, err
	}

	var removed []digest.Digest

	for _, fp := range fps {
		entry, err := s.Get(fp)
		if err != nil {
			// Get already purged it.
			removed = append(removed, fp)
			continue
		}

		if !s.entryIntact(entry) {
			if err := s.Remove(fp); err != nil {
				return removed, err
			}

			removed = append(removed, fp)
		}
	}

	return removed, nil
}

func (s *Store) entryIntact(entry *Entry) bool {
	for _, f := range entry.Manifest.Files {
		want, err := digest.Parse(f.Digest)
		if err != nil {
			return false
		}

		file, err := os.Open(entry.FilePath(f.Name))
		if err != nil {
			return false
		}

		got, err := digest.FromReader(file)
		file.Close()

		if err != nil || got != want {
			return false
		}
	}

	return true
}

func (s *Store) walkFingerprints() ([]digest.Digest, error) {
	var fps []digest.Digest

	entriesDir := filepath.Join(s.root, "entries")

	shards, err := os.ReadDir(entriesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read entries directory: %w", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(entriesDir, shard.Name()))
		if err != nil {
			continue
		}

		for _, e := range entries {
			// Directory names are the encoded form of canonical digests.
			fp := digest.NewDigestFromEncoded(digest.Canonical, e.Name())
			if err := fp.Validate(); err != nil {
				// Stray directory; not addressable, ignore.
				continue
			}

			fps = append(fps, fp)
		}
	}

	return fps, nil
}
