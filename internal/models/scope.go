package models

import (
	"fmt"
	"strings"
)

const ontologyScopePrefix = "ontology:"

// Scope is the portion of the graph a backup, restore or checkpoint covers.
// The zero value is the full graph.
type Scope struct {
	Ontology string
}

// FullScope covers the entire graph.
func FullScope() Scope { return Scope{} }

// OntologyScope covers a single named ontology.
func OntologyScope(name string) Scope { return Scope{Ontology: name} }

// IsFull reports whether the scope covers the entire graph.
func (s Scope) IsFull() bool { return s.Ontology == "" }

// Contains reports whether an entity tagged with ontology falls in the scope.
func (s Scope) Contains(ontology string) bool {
	return s.IsFull() || s.Ontology == ontology
}

// Overlaps reports whether two scopes touch the same data. The full graph
// overlaps everything.
func (s Scope) Overlaps(other Scope) bool {
	return s.IsFull() || other.IsFull() || s.Ontology == other.Ontology
}

func (s Scope) String() string {
	if s.IsFull() {
		return "full"
	}
	return ontologyScopePrefix + s.Ontology
}

// ParseScope parses the String form of a scope.
func ParseScope(s string) (Scope, error) {
	switch {
	case s == "" || s == "full":
		return FullScope(), nil
	case strings.HasPrefix(s, ontologyScopePrefix) && len(s) > len(ontologyScopePrefix):
		return OntologyScope(strings.TrimPrefix(s, ontologyScopePrefix)), nil
	default:
		return Scope{}, fmt.Errorf("invalid scope %q", s)
	}
}

func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Scope) UnmarshalText(b []byte) error {
	parsed, err := ParseScope(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
