package domain

import dErrors "keel/pkg/domain-errors"

// Pack is a domain value that partitions signals and policies into
// independently governed areas (e.g. "trading", "treasury").
//
// The set of valid packs is a deployment decision, so validation happens
// against a registry rather than a compile-time allowlist. Construct via
// ParsePack at trust boundaries; direct casting bypasses validation.
type Pack string

// PackRegistry is the closed set of pack identifiers a deployment accepts.
type PackRegistry map[Pack]bool

// NewPackRegistry builds a registry from identifier strings, skipping blanks.
func NewPackRegistry(packs ...string) PackRegistry {
	reg := make(PackRegistry, len(packs))
	for _, p := range packs {
		if p != "" {
			reg[Pack(p)] = true
		}
	}
	return reg
}

// ParsePack constructs a Pack from external input.
//
// Errors: returns CodeValidation when the value is empty or not in the
// registry; no other errors are expected.
func ParsePack(s string, registry PackRegistry) (Pack, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "pack cannot be empty")
	}
	p := Pack(s)
	if !registry[p] {
		return "", dErrors.New(dErrors.CodeValidation, "unknown pack: "+s)
	}
	return p, nil
}

func (p Pack) String() string { return string(p) }
