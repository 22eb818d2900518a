package metadata

import (
	"fmt"
	"runtime"
)

// DepInfoSuffix is the extension of dependency-info files, which need path
// rewriting when replayed on a machine or directory layout different from
// the one that compiled them.
const DepInfoSuffix = ".d"

// OutputFiles returns the file names, relative to the unit's out dir, that
// the compiler will produce for this unit's emit and crate-type sets.
//
// An emit or crate type we cannot name is an error: without the complete
// output list the cache could publish a partial entry, so the caller must
// fall back to passthrough.
func (u *Unit) OutputFiles() ([]string, error) {
	emits := u.Emits
	if len(emits) == 0 {
		emits = []string{"link", "dep-info"}
	}

	var files []string

	for _, emit := range emits {
		switch emit {
		case "asm":
			files = append(files, u.UnitName()+".s")
		case "llvm-bc":
			files = append(files, u.UnitName()+".bc")
		case "llvm-ir":
			files = append(files, u.UnitName()+".ll")
		case "obj":
			files = append(files, u.UnitName()+".o")
		case "metadata":
			files = append(files, "lib"+u.UnitName()+".rmeta")
		case "dep-info":
			files = append(files, u.UnitName()+DepInfoSuffix)
		case "mir":
			files = append(files, u.UnitName()+".mir")
		case "link":
			linked, err := u.linkFiles()
			if err != nil {
				return nil, err
			}
			files = append(files, linked...)
		default:
			return nil, fmt.Errorf("%w: unknown emit kind %q", ErrUnrecognized, emit)
		}
	}

	return files, nil
}

func (u *Unit) linkFiles() ([]string, error) {
	crateTypes := u.CrateTypes
	if len(crateTypes) == 0 {
		// No --crate-type means a binary target.
		crateTypes = []string{"bin"}
	}

	var files []string

	for _, ct := range crateTypes {
		switch ct {
		case "lib", "rlib":
			files = append(files, "lib"+u.UnitName()+".rlib")
		case "staticlib":
			files = append(files, "lib"+u.UnitName()+".a")
		case "bin":
			files = append(files, u.UnitName())
		case "dylib", "cdylib", "proc-macro":
			files = append(files, "lib"+u.UnitName()+dynamicLibSuffix())
		default:
			return nil, fmt.Errorf("%w: unknown crate type %q", ErrUnrecognized, ct)
		}
	}

	return files, nil
}

func dynamicLibSuffix() string {
	if runtime.GOOS == "darwin" {
		return ".dylib"
	}

	return ".so"
}
