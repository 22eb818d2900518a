package fingerprint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/cashew-build/cashew/internal/metadata"
)

// WriteSidecar records an artifact's fingerprint next to the artifact
// itself, so later units that depend on it can resolve the path to an
// identity. Written on both publish and replay.
func WriteSidecar(artifactPath string, fp digest.Digest) error {
	tmp := artifactPath + SidecarSuffix + ".tmp"

	if err := os.WriteFile(tmp, []byte(fp.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write fingerprint sidecar: %w", err)
	}

	if err := os.Rename(tmp, artifactPath+SidecarSuffix); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish fingerprint sidecar: %w", err)
	}

	return nil
}

// ReadSidecar loads the recorded fingerprint for an artifact, if any.
func ReadSidecar(artifactPath string) (digest.Digest, bool) {
	data, err := os.ReadFile(artifactPath + SidecarSuffix)
	if err != nil {
		return "", false
	}

	fp, err := digest.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return "", false
	}

	return fp, true
}

// ResolveDeps maps every dependency reference to a path-independent
// fingerprint. Preference order: the sidecar written when the dependency
// was itself produced, then the artifact base name (which embeds the
// orchestrator's own metadata hash and is identical across checkouts).
// Sysroot crates referenced by bare name resolve to that name; they are
// pinned by the compiler identity already in the fingerprint.
func ResolveDeps(externs []metadata.Extern) []digest.Digest {
	deps := make([]digest.Digest, 0, len(externs))

	for _, ext := range externs {
		if ext.Path == "" {
			deps = append(deps, digest.FromString("sysroot:"+ext.Name))
			continue
		}

		if fp, ok := ReadSidecar(ext.Path); ok {
			deps = append(deps, fp)
			continue
		}

		deps = append(deps, digest.FromString("unit:"+filepath.Base(ext.Path)))
	}

	return deps
}
