// Package fingerprint computes the content-derived identifier that keys the
// cache. Two invocations that fingerprint equal must, assuming the compiler
// itself is deterministic, produce interchangeable outputs.
//
// Everything position- or machine-specific is normalized away before
// hashing: order-independent flag sets are sorted, dependency artifact
// paths are replaced by the dependency's own fingerprint, and only an
// explicit allow-list of environment variables participates.
package fingerprint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/cashew-build/cashew/internal/metadata"
)

// SidecarSuffix is appended to an artifact path to name the file holding
// that artifact's fingerprint. Sidecars are how dependency paths in the
// argument vector resolve to path-independent identities.
const SidecarSuffix = ".fp"

// Engine computes fingerprints. The zero value is not usable; construct
// with New.
type Engine struct {
	envAllow    []string
	envPrefixes []string
}

func New() *Engine {
	return &Engine{
		envAllow:    allowedEnvVars,
		envPrefixes: allowedEnvPrefixes,
	}
}

// Inputs is the complete, already-normalized input set for one unit.
type Inputs struct {
	Unit       *metadata.Unit
	CompilerID digest.Digest
	Env        map[string]string

	// Fingerprints of every dependency artifact referenced by the unit,
	// in place of their literal paths.
	Deps []digest.Digest

	// Digest of the unit's build-script output, when one affects it.
	ScriptOutput digest.Digest
}

// Compute derives the unit fingerprint. It is a pure function of its
// arguments; the same Inputs always yield the same digest regardless of
// working directory, username or environment ordering.
func (e *Engine) Compute(in *Inputs) digest.Digest {
	d := digest.Canonical.Digester()
	w := d.Hash()

	field := func(label, value string) {
		// Length-prefixed records keep adjacent fields from gluing
		// together into ambiguous byte strings.
		fmt.Fprintf(w, "%s:%d:%s\n", label, len(value), value)
	}
	set := func(label string, values []string) {
		sorted := append([]string(nil), values...)
		sort.Strings(sorted)
		field(label, strings.Join(sorted, "\x00"))
	}

	u := in.Unit

	field("registry", u.Source.Registry)
	field("package", u.Source.Name)
	field("version", u.Source.Version)
	field("checksum", u.Source.Checksum)

	field("crate", u.CrateName)
	field("compiler", in.CompilerID.String())
	field("target", u.Target)
	field("edition", u.Edition)

	set("crate-types", u.CrateTypes)
	set("emits", u.Emits)
	set("cfgs", u.Cfgs)
	set("codegen", normalizeCodegen(u.CodegenOptions))
	set("lints", u.LintFlags)
	set("unstable", u.Unstable)
	set("flags", u.OtherFlags)

	field("env", e.canonicalEnv(in.Env))

	deps := make([]string, len(in.Deps))
	for i, dep := range in.Deps {
		deps[i] = dep.String()
	}
	set("deps", deps)

	if in.ScriptOutput != "" {
		field("script-output", in.ScriptOutput.String())
	}

	return d.Digest()
}

// normalizeCodegen strips codegen options that cannot affect the produced
// bytes. Everything unknown is kept: over-inclusion costs a miss,
// under-inclusion serves a wrong artifact.
func normalizeCodegen(opts []string) []string {
	out := make([]string, 0, len(opts))

	for _, opt := range opts {
		key, _, _ := strings.Cut(opt, "=")
		switch key {
		case "incremental":
			// Points into the orchestrator's scratch space; the path varies
			// per checkout and the feature is disabled for registry units.
			continue
		}

		out = append(out, opt)
	}

	return out
}

func (e *Engine) canonicalEnv(env map[string]string) string {
	var kept []string

	for k, v := range env {
		if e.envMatters(k) {
			kept = append(kept, k+"="+v)
		}
	}

	sort.Strings(kept)

	return strings.Join(kept, "\x00")
}

func (e *Engine) envMatters(key string) bool {
	for _, k := range e.envAllow {
		if key == k {
			return true
		}
	}

	for _, p := range e.envPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}

	return false
}
