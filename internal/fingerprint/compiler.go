package fingerprint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// CompilerID returns the content digest of the compiler binary. The digest
// itself is path-independent; the local path/size/mtime triple only keys a
// memo file under memoDir so the (large) binary is hashed once per upgrade
// rather than once per invocation.
func CompilerID(memoDir, compilerPath string) (digest.Digest, error) {
	abs, err := filepath.Abs(compilerPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve compiler path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to stat compiler: %w", err)
	}

	memoKey := digest.FromString(fmt.Sprintf("%s|%d|%d", abs, info.Size(), info.ModTime().UnixNano()))
	memoPath := filepath.Join(memoDir, memoKey.Encoded())

	if data, err := os.ReadFile(memoPath); err == nil {
		if id, err := digest.Parse(strings.TrimSpace(string(data))); err == nil {
			return id, nil
		}
		// Unparseable memo: fall through and rewrite it.
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("failed to open compiler binary: %w", err)
	}
	defer f.Close()

	id, err := digest.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to hash compiler binary: %w", err)
	}

	// Memo write is best-effort; a failure just costs the next invocation
	// another hash pass.
	if err := os.MkdirAll(memoDir, 0o755); err == nil {
		tmp := memoPath + ".tmp"
		if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o644); err == nil {
			_ = os.Rename(tmp, memoPath)
		}
	}

	return id, nil
}
