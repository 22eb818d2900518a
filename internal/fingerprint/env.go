package fingerprint

// The environment allow-list is a living list, not a closed enumeration:
// the set of variables the toolchain folds into generated code shifts
// between versions. When in doubt a variable goes IN: an avoidable miss is
// cheap, a false hit serves wrong bytes.
//
// Deliberately excluded: PATH, PWD, HOME, TERM, and the orchestrator's
// scratch-location variables (CARGO_TARGET_DIR, OUT_DIR); they vary per
// machine or per checkout without changing generated code. OUT_DIR content
// enters the fingerprint separately via the build-script output digest.
var allowedEnvVars = []string{
	"CARGO_PKG_NAME",
	"CARGO_PKG_VERSION",
	"CARGO_PKG_VERSION_MAJOR",
	"CARGO_PKG_VERSION_MINOR",
	"CARGO_PKG_VERSION_PATCH",
	"CARGO_PKG_VERSION_PRE",
	"CARGO_PKG_AUTHORS",
	"CARGO_PKG_DESCRIPTION",
	"CARGO_PKG_HOMEPAGE",
	"CARGO_PKG_LICENSE",
	"CARGO_PKG_REPOSITORY",
	"CARGO_PKG_RUST_VERSION",
	"CARGO_CRATE_NAME",
	"CARGO_MANIFEST_LINKS",
	"RUSTC_BOOTSTRAP",
}

var allowedEnvPrefixes = []string{
	// Feature selection and target cfg both change what gets compiled.
	"CARGO_FEATURE_",
	"CARGO_CFG_",
}
