package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cashew-build/cashew/internal/metadata"
)

func testUnit() *metadata.Unit {
	return &metadata.Unit{
		Source: metadata.SourceIdentity{
			Registry: "index.crates.io-6f17d22bba15001f",
			Name:     "foo",
			Version:  "1.2.3",
			Checksum: "abc123",
		},
		CrateName:      "foo",
		ExtraFilename:  "-abc123",
		InputPath:      "/home/alice/.cargo/registry/src/index.crates.io-6f17d22bba15001f/foo-1.2.3/src/lib.rs",
		OutDir:         "/home/alice/work/target/debug/deps",
		Target:         "x86_64-unknown-linux-gnu",
		Edition:        "2021",
		CrateTypes:     []string{"lib"},
		Emits:          []string{"link", "dep-info"},
		Cfgs:           []string{`feature="std"`, `feature="alloc"`},
		CodegenOptions: []string{"opt-level=2", "extra-filename=-abc123", "metadata=abc123"},
	}
}

func testInputs(unit *metadata.Unit) *Inputs {
	return &Inputs{
		Unit:       unit,
		CompilerID: digest.FromString("rustc 1.80.0"),
		Env: map[string]string{
			"CARGO_PKG_NAME":    "foo",
			"CARGO_PKG_VERSION": "1.2.3",
		},
		Deps: []digest.Digest{digest.FromString("unit:libbar-0011.rlib")},
	}
}

func TestCompute_Deterministic(t *testing.T) {
	engine := New()

	fp1 := engine.Compute(testInputs(testUnit()))
	fp2 := engine.Compute(testInputs(testUnit()))

	assert.Equal(t, fp1, fp2, "identical inputs must fingerprint identically")
	require.NoError(t, fp1.Validate())
}

func TestCompute_OrderIndependence(t *testing.T) {
	engine := New()

	base := engine.Compute(testInputs(testUnit()))

	// Reordering order-independent sets must not change the fingerprint.
	reordered := testUnit()
	reordered.Cfgs = []string{`feature="alloc"`, `feature="std"`}
	reordered.CodegenOptions = []string{"metadata=abc123", "opt-level=2", "extra-filename=-abc123"}

	assert.Equal(t, base, engine.Compute(testInputs(reordered)))
}

func TestCompute_PathIndependence(t *testing.T) {
	// Two machines with different checkouts and users: only paths differ,
	// dependency identity is expressed as digests, not paths.
	engine := New()

	alice := testUnit()

	bob := testUnit()
	bob.InputPath = "/Users/bob/.cargo/registry/src/index.crates.io-6f17d22bba15001f/foo-1.2.3/src/lib.rs"
	bob.OutDir = "/Users/bob/other/target/debug/deps"

	assert.Equal(t, engine.Compute(testInputs(alice)), engine.Compute(testInputs(bob)))
}

func TestCompute_PathIndependenceThroughExtraction(t *testing.T) {
	// Full argument vectors as the orchestrator issues them, including the
	// per-checkout search path and path remapping every real invocation
	// carries. Only the checkout location differs between the two.
	invocation := func(root string) *metadata.Invocation {
		return &metadata.Invocation{
			CompilerPath: "/usr/bin/rustc",
			Args: []string{
				"--crate-name", "foo",
				"--edition", "2021",
				"--crate-type", "lib",
				"--emit", "dep-info,link",
				"-C", "opt-level=2",
				"-C", "extra-filename=-abc123",
				"-C", "metadata=abc123",
				"--out-dir", root + "/target/debug/deps",
				"-L", "dependency=" + root + "/target/debug/deps",
				"--remap-path-prefix", root + "=/remapped",
				root + "/.cargo/registry/src/index.crates.io-6f17d22bba15001f/foo-1.2.3/src/lib.rs",
			},
			Env: map[string]string{
				"CARGO_PKG_NAME":    "foo",
				"CARGO_PKG_VERSION": "1.2.3",
			},
		}
	}

	engine := New()
	prefixes := []string{"index.crates.io-"}
	compiler := digest.FromString("rustc 1.80.0")

	compute := func(inv *metadata.Invocation) digest.Digest {
		unit, err := metadata.Extract(inv, prefixes)
		require.NoError(t, err)

		return engine.Compute(&Inputs{Unit: unit, CompilerID: compiler, Env: inv.Env})
	}

	alice := compute(invocation("/home/alice/work"))
	bob := compute(invocation("/Users/bob/other"))

	assert.Equal(t, alice, bob, "fingerprint must not depend on the checkout location")
}

func TestCompute_SensitiveInputs(t *testing.T) {
	engine := New()
	base := engine.Compute(testInputs(testUnit()))

	cases := map[string]func(*Inputs){
		"compiler changes": func(in *Inputs) {
			in.CompilerID = digest.FromString("rustc 1.81.0")
		},
		"version changes": func(in *Inputs) {
			in.Unit.Source.Version = "1.2.4"
		},
		"checksum changes": func(in *Inputs) {
			in.Unit.Source.Checksum = "def456"
		},
		"target changes": func(in *Inputs) {
			in.Unit.Target = "aarch64-apple-darwin"
		},
		"codegen changes": func(in *Inputs) {
			in.Unit.CodegenOptions = append(in.Unit.CodegenOptions, "lto=fat")
		},
		"dep changes": func(in *Inputs) {
			in.Deps = []digest.Digest{digest.FromString("unit:libbar-9999.rlib")}
		},
		"feature env changes": func(in *Inputs) {
			in.Env["CARGO_FEATURE_EXTRA"] = "1"
		},
		"script output appears": func(in *Inputs) {
			in.ScriptOutput = digest.FromString("script-run")
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := testInputs(testUnit())
			mutate(in)

			assert.NotEqual(t, base, engine.Compute(in))
		})
	}
}

func TestCompute_IgnoresNoiseEnv(t *testing.T) {
	engine := New()
	base := engine.Compute(testInputs(testUnit()))

	in := testInputs(testUnit())
	in.Env["PATH"] = "/somewhere/else"
	in.Env["PWD"] = "/tmp/x"
	in.Env["CARGO_TARGET_DIR"] = "/scratch"

	assert.Equal(t, base, engine.Compute(in))
}

func TestCompute_IgnoresIncrementalOption(t *testing.T) {
	engine := New()
	base := engine.Compute(testInputs(testUnit()))

	in := testInputs(testUnit())
	in.Unit.CodegenOptions = append(in.Unit.CodegenOptions, "incremental=/work/target/debug/incremental")

	assert.Equal(t, base, engine.Compute(in))
}

func TestSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "libfoo-abc123.rlib")
	require.NoError(t, os.WriteFile(artifact, []byte("bytes"), 0o644))

	fp := digest.FromString("some fingerprint")
	require.NoError(t, WriteSidecar(artifact, fp))

	got, ok := ReadSidecar(artifact)
	require.True(t, ok)
	assert.Equal(t, fp, got)
}

func TestResolveDeps(t *testing.T) {
	dir := t.TempDir()

	withSidecar := filepath.Join(dir, "libbar-0011.rlib")
	require.NoError(t, os.WriteFile(withSidecar, []byte("x"), 0o644))
	recorded := digest.FromString("bar fingerprint")
	require.NoError(t, WriteSidecar(withSidecar, recorded))

	deps := ResolveDeps([]metadata.Extern{
		{Name: "bar", Path: withSidecar},
		{Name: "baz", Path: "/elsewhere/deps/libbaz-2233.rlib"},
		{Name: "proc_macro"},
	})

	require.Len(t, deps, 3)
	assert.Equal(t, recorded, deps[0])
	assert.Equal(t, digest.FromString("unit:libbaz-2233.rlib"), deps[1])
	assert.Equal(t, digest.FromString("sysroot:proc_macro"), deps[2])
}

func TestResolveDeps_PathIndependentFallback(t *testing.T) {
	a := ResolveDeps([]metadata.Extern{{Name: "baz", Path: "/home/alice/t/deps/libbaz-2233.rlib"}})
	b := ResolveDeps([]metadata.Extern{{Name: "baz", Path: "/Users/bob/x/deps/libbaz-2233.rlib"}})

	assert.Equal(t, a, b)
}

func TestCompilerID_MemoizedAndContentAddressed(t *testing.T) {
	dir := t.TempDir()
	memoDir := filepath.Join(dir, "memo")

	compiler := filepath.Join(dir, "cc-one")
	require.NoError(t, os.WriteFile(compiler, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	id1, err := CompilerID(memoDir, compiler)
	require.NoError(t, err)

	id2, err := CompilerID(memoDir, compiler)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// Same bytes at a different path yield the same identity.
	other := filepath.Join(dir, "cc-two")
	require.NoError(t, os.WriteFile(other, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	id3, err := CompilerID(memoDir, other)
	require.NoError(t, err)
	assert.Equal(t, id1, id3)

	// Different bytes yield a different identity.
	require.NoError(t, os.WriteFile(other, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	id4, err := CompilerID(memoDir, other)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id4)
}
