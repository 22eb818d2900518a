package store

import (
	"os"
	"path/filepath"
	"time"
)

// Entry kinds. Build-script executions are cached through the same store
// as compilations; only the payload differs.
const (
	KindUnit        = "unit"
	KindBuildScript = "build-script"
)

// Manifest describes one published cache entry. It is written last during
// publish, so its presence implies the files beside it are complete.
type Manifest struct {
	// Fingerprint is the entry's address, repeated here so a manifest can
	// be validated against the directory it lives in.
	Fingerprint string `json:"fingerprint"`

	Kind     string `json:"kind"`
	UnitName string `json:"unit_name"`

	// ExitCode is recorded for replay. Only zero ever reaches the store;
	// failures are never cached.
	ExitCode int `json:"exit_code"`

	CreatedAt time.Time `json:"created_at"`

	// Files lists the artifact payload, relative to the entry's files/
	// directory, with sizes and content digests for verification.
	Files []FileInfo `json:"files"`
}

// FileInfo records one artifact file in an entry.
type FileInfo struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// Entry is a published, validated cache entry.
type Entry struct {
	Manifest Manifest

	dir string
}

// Dir returns the entry's directory in the store.
func (e *Entry) Dir() string {
	return e.dir
}

// FilePath returns the on-disk location of a named artifact file.
func (e *Entry) FilePath(name string) string {
	return filepath.Join(e.dir, "files", name)
}

// Stdout returns the captured standard output of the original compilation.
func (e *Entry) Stdout() ([]byte, error) {
	return readStream(filepath.Join(e.dir, "stdout"))
}

// Stderr returns the captured standard error of the original compilation.
func (e *Entry) Stderr() ([]byte, error) {
	return readStream(filepath.Join(e.dir, "stderr"))
}

func readStream(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}

	return data, err
}
