package testutil

// FixedNameGenerator generates the same execution-name suffix every time.
//
// This enables deterministic test execution and golden snapshot comparison.
// The same scenario with the same FixedNameGenerator produces byte-identical
// execution names and reports.
//
// Thread-safety: FixedNameGenerator is stateless and safe for concurrent use.
type FixedNameGenerator struct {
	suffix string
}

// NewFixedNameGenerator creates a new fixed name generator.
//
// If suffix is empty, Generate() returns "00000000-0000-7000-8000-000000000000".
func NewFixedNameGenerator(suffix string) *FixedNameGenerator {
	if suffix == "" {
		suffix = "00000000-0000-7000-8000-000000000000"
	}
	return &FixedNameGenerator{suffix: suffix}
}

// Generate returns the fixed suffix.
//
// Implements visitation.NameGenerator interface.
func (g *FixedNameGenerator) Generate() string {
	return g.suffix
}
