package metadata

import (
	"fmt"
	"strings"
)

// scannedArgs is the raw result of one pass over the argument vector,
// before any classification decisions are made.
type scannedArgs struct {
	input      string
	crateName  string
	outDir     string
	out        string
	target     string
	edition    string
	crateTypes []string
	emits      []string
	cfgs       []string
	codegen    []string
	lints      []string
	unstable   []string
	externs    []string
	libSearch  []string
	remaps     []string
	other      []string
}

// Long options that consume a value, whether given as "--opt value" or
// "--opt=value". Anything not listed here is treated as a bare flag, which
// is safe: a mis-scanned vector surfaces as a missing required field and
// the invocation falls back to passthrough.
var longValueOpts = map[string]bool{
	"cfg": true, "crate-type": true, "crate-name": true, "edition": true,
	"emit": true, "print": true, "out-dir": true, "extern": true,
	"sysroot": true, "error-format": true, "color": true, "json": true,
	"cap-lints": true, "diagnostic-width": true, "remap-path-prefix": true,
	"target": true, "codegen": true, "warn": true, "allow": true,
	"deny": true, "forbid": true, "force-warn": true, "check-cfg": true,
}

// Short options that consume a value, attached or separate.
var shortValueOpts = map[byte]bool{
	'C': true, 'L': true, 'l': true, 'o': true, 'W': true, 'A': true,
	'D': true, 'F': true, 'Z': true,
}

func scanArgs(args []string) (*scannedArgs, error) {
	s := &scannedArgs{}

	i := 0
	next := func(opt string) (string, error) {
		i++
		if i >= len(args) {
			return "", fmt.Errorf("option %q is missing its value", opt)
		}
		return args[i], nil
	}

	for ; i < len(args); i++ {
		arg := args[i]

		switch {
		case arg == "-" || !strings.HasPrefix(arg, "-"):
			// Positional argument: the input source file. The real compiler
			// accepts exactly one; seeing two means we misread the vector.
			if s.input != "" {
				return nil, fmt.Errorf("multiple input files: %q and %q", s.input, arg)
			}
			s.input = arg

		case strings.HasPrefix(arg, "--"):
			name := strings.TrimPrefix(arg, "--")
			name, attached, hasAttached := strings.Cut(name, "=")

			value := attached
			if longValueOpts[name] && !hasAttached {
				v, err := next(arg)
				if err != nil {
					return nil, err
				}
				value = v
			}

			if err := s.record(name, value, longValueOpts[name] || hasAttached); err != nil {
				return nil, err
			}

		default:
			// Short option, possibly with an attached value ("-Copt=val").
			c := arg[1]
			value := arg[2:]
			if shortValueOpts[c] && value == "" {
				v, err := next(arg)
				if err != nil {
					return nil, err
				}
				value = v
			}

			s.recordShort(c, value, arg)
		}
	}

	return s, nil
}

func (s *scannedArgs) record(name, value string, hasValue bool) error {
	switch name {
	case "crate-name":
		s.crateName = value
	case "out-dir":
		s.outDir = value
	case "edition":
		s.edition = value
	case "target":
		s.target = value
	case "crate-type":
		s.crateTypes = append(s.crateTypes, splitList(value)...)
	case "emit":
		s.emits = append(s.emits, splitList(value)...)
	case "cfg", "check-cfg":
		s.cfgs = append(s.cfgs, value)
	case "codegen":
		s.codegen = append(s.codegen, value)
	case "extern":
		s.externs = append(s.externs, value)
	case "warn", "allow", "deny", "forbid", "force-warn", "cap-lints":
		s.lints = append(s.lints, name+"="+value)
	case "remap-path-prefix":
		// Per-checkout path rewriting; carries no content identity.
		s.remaps = append(s.remaps, value)
	default:
		if hasValue {
			s.other = append(s.other, "--"+name+"="+value)
		} else {
			s.other = append(s.other, "--"+name)
		}
	}

	return nil
}

func (s *scannedArgs) recordShort(c byte, value, raw string) {
	switch c {
	case 'C':
		s.codegen = append(s.codegen, value)
	case 'Z':
		s.unstable = append(s.unstable, value)
	case 'W', 'A', 'D', 'F':
		s.lints = append(s.lints, string(c)+"="+value)
	case 'L':
		// Search paths point into the local target dir; dependency
		// identity travels through the extern fingerprints instead.
		s.libSearch = append(s.libSearch, value)
	case 'o':
		s.out = value
	default:
		if value != "" {
			s.other = append(s.other, "-"+string(c)+value)
		} else {
			s.other = append(s.other, raw)
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]

	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}

	return out
}
