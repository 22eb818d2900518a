package executor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cashew-build/cashew/internal/fingerprint"
	"github.com/cashew-build/cashew/internal/store"
)

func publishEntry(t *testing.T, artifacts map[string][]byte, stdout, stderr []byte) (*store.Store, *store.Entry, digest.Digest) {
	t.Helper()

	s, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)

	srcDir := t.TempDir()

	var files []store.PutFile
	for name, content := range artifacts {
		src := filepath.Join(srcDir, name)
		require.NoError(t, os.WriteFile(src, content, 0o644))
		files = append(files, store.PutFile{Name: name, SrcPath: src})
	}

	fp := digest.FromString("replayed unit")
	err = s.Put(context.Background(), fp, &store.PutRequest{
		Kind:     store.KindUnit,
		UnitName: "foo-abc123",
		Stdout:   stdout,
		Stderr:   stderr,
		Files:    files,
	})
	require.NoError(t, err)

	entry, err := s.Get(fp)
	require.NoError(t, err)

	return s, entry, fp
}

func TestReplay_ByteIdenticalArtifactsAndStreams(t *testing.T) {
	rlib := []byte("exact rlib bytes, possibly hashed downstream")
	_, entry, fp := publishEntry(t,
		map[string][]byte{"libfoo-abc123.rlib": rlib},
		[]byte("warning: replayed\n"),
		[]byte("note: replayed\n"))

	e, stdout, stderr := newTestExecutor()
	outDir := t.TempDir()

	res, err := e.Replay(context.Background(), entry, outDir, fp)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "warning: replayed\n", stdout.String())
	assert.Equal(t, "note: replayed\n", stderr.String())

	restored, err := os.ReadFile(filepath.Join(outDir, "libfoo-abc123.rlib"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(rlib, restored), "artifact bytes must be unchanged")

	// Replay records the fingerprint beside the artifact so dependents can
	// resolve the path to an identity.
	got, ok := fingerprint.ReadSidecar(filepath.Join(outDir, "libfoo-abc123.rlib"))
	require.True(t, ok)
	assert.Equal(t, fp, got)
}

func TestReplay_OverwritesStaleOutput(t *testing.T) {
	_, entry, fp := publishEntry(t, map[string][]byte{"libfoo-abc123.rlib": []byte("fresh")}, nil, nil)

	e, _, _ := newTestExecutor()
	outDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "libfoo-abc123.rlib"), []byte("stale leftovers"), 0o644))

	_, err := e.Replay(context.Background(), entry, outDir, fp)
	require.NoError(t, err)

	restored, err := os.ReadFile(filepath.Join(outDir, "libfoo-abc123.rlib"))
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), restored)
}

func TestReplay_RewritesDepInfo(t *testing.T) {
	depInfo := []byte(`/work/target/debug/deps/libfoo-abc123.rlib: /reg/src/lib.rs /work/target/debug/build/foo-aa/out/gen.rs

/reg/src/lib.rs:
/work/target/debug/build/foo-aa/out/gen.rs: /reg/build.rs
`)

	_, entry, fp := publishEntry(t, map[string][]byte{"foo-abc123.d": depInfo}, nil, nil)

	e, _, _ := newTestExecutor()
	outDir := t.TempDir()

	_, err := e.Replay(context.Background(), entry, outDir, fp)
	require.NoError(t, err)

	rewritten, err := os.ReadFile(filepath.Join(outDir, "foo-abc123.d"))
	require.NoError(t, err)

	content := string(rewritten)
	assert.NotContains(t, content, "/work/target/debug/build/")
	assert.Contains(t, content, "/reg/src/lib.rs:")
}

func TestRewriteDepInfo(t *testing.T) {
	in := []byte(`# comment line
out.rlib: a.rs /t/build/x/out/g.rs b.rs
/t/build/x/out/g.rs: build.rs

a.rs:
`)

	out := string(RewriteDepInfo(in))

	assert.Contains(t, out, "# comment line\n")
	assert.Contains(t, out, "out.rlib: a.rs b.rs\n")
	assert.NotContains(t, out, "g.rs:")
	assert.Contains(t, out, "a.rs:\n")
}
