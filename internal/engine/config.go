package engine

import "github.com/xyproto/env/v2"

// Config holds the environment-derived tunables of spec.md §6: one
// numeric minimum function size, read from a different variable
// depending on whether the caller is patching or unpatching. Uses
// github.com/xyproto/env/v2, present in the teacher's go.mod but never
// actually imported by any surviving teacher file — this is its first
// real callsite (see SPEC_FULL.md §10).
type Config struct {
	MinPatchSize   int
	MinUnpatchSize int
}

// LoadConfig reads UFTRACE_PATCH_SIZE and UFTRACE_UNPATCH_SIZE from the
// environment, defaulting both to 0 (no minimum) when unset or invalid.
func LoadConfig() Config {
	return Config{
		MinPatchSize:   env.Int("UFTRACE_PATCH_SIZE", 0),
		MinUnpatchSize: env.Int("UFTRACE_UNPATCH_SIZE", 0),
	}
}
