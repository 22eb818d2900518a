// Package metadata extracts compilation-unit identity from the argument
// vector and environment the build orchestrator hands to the wrapped
// compiler.
//
// The shapes parsed here (codegen options, crate types, the registry
// checkout layout, CARGO_* variables) are internal details of the
// orchestrator and change between its versions. Every function in this
// package therefore fails soft: a caller that receives ErrUnrecognized is
// expected to skip caching and run the real compiler untouched.
package metadata

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel classification errors. Both mean "do not cache"; ErrNotCompile
// additionally means the invocation produces no build artifacts at all.
var (
	ErrUnrecognized = errors.New("unrecognized invocation metadata")
	ErrNotCompile   = errors.New("invocation is not a compilation")
	ErrNotRegistry  = errors.New("source is not from an immutable registry")
)

// Invocation is one intercepted compiler call: the real compiler to forward
// to, the untouched argument vector, and the environment it arrived with.
type Invocation struct {
	CompilerPath string
	Args         []string
	Env          map[string]string
	WorkDir      string
}

// SourceIdentity names an immutable registry package. Registry is the
// checkout directory component (e.g. "index.crates.io-6f17d22bba15001f"),
// which pins the registry instance; Checksum is the orchestrator's unit
// metadata hash, which pins the resolved source content and feature set.
type SourceIdentity struct {
	Registry string `json:"registry"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
}

// Extern is a dependency reference from the argument vector: a name and the
// path of that dependency's already-built artifact.
type Extern struct {
	Name string
	Path string
}

// Unit is a fully classified, cacheable compilation unit.
type Unit struct {
	Source SourceIdentity

	CrateName     string
	ExtraFilename string
	InputPath     string
	OutDir        string

	Target     string
	Edition    string
	CrateTypes []string
	Emits      []string

	// Order-independent inputs, canonicalized by the fingerprint engine.
	Cfgs           []string
	CodegenOptions []string
	LintFlags      []string
	Unstable       []string

	Externs []Extern

	// Flags that survived parsing but are not otherwise classified. They
	// still enter the fingerprint so unknown-but-present options can never
	// cause a false hit.
	OtherFlags []string
}

// UnitName returns the orchestrator's unique name for this unit's outputs,
// e.g. "serde-8737b8984a3b4b29".
func (u *Unit) UnitName() string {
	return u.CrateName + u.ExtraFilename
}

// IsBuildScript reports whether this unit compiles a package's build script
// rather than the package itself.
func (u *Unit) IsBuildScript() bool {
	return strings.HasPrefix(u.CrateName, "build_script_")
}

// ParseEnviron converts an os.Environ-style slice into a map. Later
// duplicates win, matching process semantics.
func ParseEnviron(environ []string) map[string]string {
	env := make(map[string]string, len(environ))

	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	return env
}

// Extract classifies an invocation. It returns a Unit only for compilations
// of registry-sourced packages; every other case returns one of the
// sentinel errors above, possibly wrapped with detail.
func Extract(inv *Invocation, registryPrefixes []string) (*Unit, error) {
	args, err := scanArgs(inv.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}

	if args.input == "" {
		// --version, --print, --explain and friends: nothing is built.
		return nil, ErrNotCompile
	}

	registry, ok := registryComponent(args.input, registryPrefixes)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistry, args.input)
	}

	crateName := args.crateName
	if crateName == "" {
		return nil, fmt.Errorf("%w: missing --crate-name", ErrUnrecognized)
	}

	if args.outDir == "" {
		return nil, fmt.Errorf("%w: missing --out-dir", ErrUnrecognized)
	}

	extraFilename := codegenValue(args.codegen, "extra-filename")
	if extraFilename == "" {
		return nil, fmt.Errorf("%w: missing extra-filename codegen option", ErrUnrecognized)
	}

	checksum := codegenValue(args.codegen, "metadata")
	if checksum == "" {
		return nil, fmt.Errorf("%w: missing metadata codegen option", ErrUnrecognized)
	}

	pkgName := inv.Env["CARGO_PKG_NAME"]
	pkgVersion := inv.Env["CARGO_PKG_VERSION"]
	if pkgName == "" || pkgVersion == "" {
		return nil, fmt.Errorf("%w: missing package identity environment", ErrUnrecognized)
	}

	externs, err := parseExterns(args.externs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}

	return &Unit{
		Source: SourceIdentity{
			Registry: registry,
			Name:     pkgName,
			Version:  pkgVersion,
			Checksum: checksum,
		},
		CrateName:      crateName,
		ExtraFilename:  extraFilename,
		InputPath:      args.input,
		OutDir:         args.outDir,
		Target:         args.target,
		Edition:        args.edition,
		CrateTypes:     args.crateTypes,
		Emits:          args.emits,
		Cfgs:           args.cfgs,
		CodegenOptions: args.codegen,
		LintFlags:      args.lints,
		Unstable:       args.unstable,
		Externs:        externs,
		OtherFlags:     args.other,
	}, nil
}

// registryComponent finds the path component marking an immutable registry
// checkout and returns it.
func registryComponent(path string, prefixes []string) (string, bool) {
	for _, part := range strings.Split(path, "/") {
		for _, prefix := range prefixes {
			if strings.HasPrefix(part, prefix) {
				return part, true
			}
		}
	}

	return "", false
}

func codegenValue(codegen []string, key string) string {
	for _, opt := range codegen {
		if k, v, ok := strings.Cut(opt, "="); ok && k == key {
			return v
		}
	}

	return ""
}

func parseExterns(raw []string) ([]Extern, error) {
	externs := make([]Extern, 0, len(raw))

	for _, e := range raw {
		name, path, ok := strings.Cut(e, "=")
		if !ok {
			// `--extern name` without a path is legal for sysroot crates;
			// there is no artifact to track.
			externs = append(externs, Extern{Name: e})
			continue
		}

		if name == "" || path == "" {
			return nil, fmt.Errorf("malformed extern %q", e)
		}

		externs = append(externs, Extern{Name: name, Path: path})
	}

	return externs, nil
}
