package fingerprint

import (
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ScriptRun fingerprints one build-script execution: the script binary's
// content digest plus the allow-listed environment it runs under. A script
// run is a second, distinct cacheable computation; its resulting output
// digest is folded into the fingerprint of the unit it affects.
func (e *Engine) ScriptRun(script digest.Digest, env map[string]string) digest.Digest {
	d := digest.Canonical.Digester()
	w := d.Hash()

	fmt.Fprintf(w, "script:%s\n", script.String())
	fmt.Fprintf(w, "env:%s\n", e.canonicalEnv(env))

	return d.Digest()
}
