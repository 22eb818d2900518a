package buildscript

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	src := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested", "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "generated.rs"), []byte("pub const X: u32 = 1;\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "deep", "data.bin"), []byte{0, 1, 2, 3}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "helper.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Symlink("generated.rs", filepath.Join(src, "alias.rs")))

	var buf bytes.Buffer
	require.NoError(t, Pack(src, &buf))

	dst := t.TempDir()
	require.NoError(t, Unpack(&buf, dst))

	data, err := os.ReadFile(filepath.Join(dst, "generated.rs"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pub const X: u32 = 1;\n"), data)

	data, err = os.ReadFile(filepath.Join(dst, "nested", "deep", "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3}, data)

	info, err := os.Stat(filepath.Join(dst, "helper.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111)

	link, err := os.Readlink(filepath.Join(dst, "alias.rs"))
	require.NoError(t, err)
	assert.Equal(t, "generated.rs", link)
}

func TestPackEmptyDir(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Pack(t.TempDir(), &buf))

	dst := t.TempDir()
	require.NoError(t, Unpack(&buf, dst))

	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnpackRejectsEscapingEntry(t *testing.T) {
	var buf bytes.Buffer

	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)

	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../escape",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     1,
	}))
	_, err = tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	dst := t.TempDir()
	err = Unpack(&buf, dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes extraction dir")

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dst), "escape"))
	assert.True(t, os.IsNotExist(statErr))
}
