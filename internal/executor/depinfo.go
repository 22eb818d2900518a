package executor

import (
	"strings"
)

// buildDirMarker identifies paths inside the orchestrator's ephemeral
// build-script scratch area. Those paths existed only on the machine that
// compiled the entry, so dep-info referencing them must not survive replay
// or the orchestrator will rebuild forever chasing files that are gone.
const buildDirMarker = "/build/"

// RewriteDepInfo filters a Makefile-style dependency-info file for replay:
// rules whose target lives in the build scratch area are dropped entirely,
// and scratch-area prerequisites are removed from surviving rules.
// Comments, blank lines and everything else pass through unchanged.
func RewriteDepInfo(data []byte) []byte {
	var out strings.Builder

	for line := range strings.Lines(string(data)) {
		trimmed := strings.TrimRight(line, "\n")

		stripped := strings.TrimSpace(trimmed)
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			out.WriteString(trimmed)
			out.WriteByte('\n')
			continue
		}

		target, rest, ok := strings.Cut(trimmed, ":")
		if !ok {
			out.WriteString(trimmed)
			out.WriteByte('\n')
			continue
		}

		if strings.Contains(target, buildDirMarker) {
			continue
		}

		out.WriteString(target)
		out.WriteByte(':')

		for _, dep := range strings.Fields(rest) {
			if strings.Contains(dep, buildDirMarker) {
				continue
			}

			out.WriteByte(' ')
			out.WriteString(dep)
		}

		out.WriteByte('\n')
	}

	return []byte(out.String())
}
