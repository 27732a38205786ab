package domain

import dErrors "keel/pkg/domain-errors"

// Namespace isolates evaluation state. Production is the single live
// namespace; every replay run gets its own, and nothing written under a
// replay namespace is visible to production reads.
type Namespace string

const NamespaceProduction Namespace = "production"

// ParseNamespace validates an externally supplied namespace identifier.
func ParseNamespace(s string) (Namespace, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "namespace cannot be empty")
	}
	return Namespace(s), nil
}

func (n Namespace) IsProduction() bool { return n == NamespaceProduction }

func (n Namespace) String() string { return string(n) }
