package models

import (
	"slices"
	"strings"
)

// Concept is a node of the concept graph. EquivalenceKey is a normalized
// label used to match the same concept across ontologies.
type Concept struct {
	ID             string `json:"id"`
	Ontology       string `json:"ontology"`
	Label          string `json:"label"`
	EquivalenceKey string `json:"equivalence_key,omitempty"`
	Description    string `json:"description,omitempty"`
}

// Source is an ingested document. Content holds the extracted text and is
// only carried by archive backups.
type Source struct {
	ID       string `json:"id"`
	Ontology string `json:"ontology"`
	Title    string `json:"title"`
	Document string `json:"document,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Instance is evidence that a concept occurs in a source.
type Instance struct {
	ID        string `json:"id"`
	Ontology  string `json:"ontology"`
	ConceptID string `json:"concept_id"`
	SourceID  string `json:"source_id"`
	Quote     string `json:"quote,omitempty"`
}

// Relationship is a directed edge between two concepts. Unresolved edges
// point at a concept that did not exist when they were restored and are
// skipped by traversal until ResolveDeferred links them.
type Relationship struct {
	ID         string `json:"id"`
	Ontology   string `json:"ontology"`
	FromID     string `json:"from_id"`
	ToID       string `json:"to_id"`
	Type       string `json:"type"`
	Unresolved bool   `json:"unresolved,omitempty"`
}

// ConceptRef describes a concept outside an exported scope that an
// exported relationship points at.
type ConceptRef struct {
	ID             string `json:"id"`
	Ontology       string `json:"ontology,omitempty"`
	Label          string `json:"label,omitempty"`
	EquivalenceKey string `json:"equivalence_key,omitempty"`
}

// GraphStats counts entities per kind.
type GraphStats struct {
	Concepts      int `json:"concepts"`
	Sources       int `json:"sources"`
	Instances     int `json:"instances"`
	Relationships int `json:"relationships"`
}

// Total returns the number of entities across all kinds.
func (s GraphStats) Total() int {
	return s.Concepts + s.Sources + s.Instances + s.Relationships
}

// Snapshot is a point-in-time copy of (part of) the graph.
type Snapshot struct {
	Concepts      []Concept      `json:"concepts"`
	Sources       []Source       `json:"sources"`
	Instances     []Instance     `json:"instances"`
	Relationships []Relationship `json:"relationships"`
	External      []ConceptRef   `json:"external,omitempty"`
}

// Stats counts the snapshot contents.
func (s *Snapshot) Stats() GraphStats {
	return GraphStats{
		Concepts:      len(s.Concepts),
		Sources:       len(s.Sources),
		Instances:     len(s.Instances),
		Relationships: len(s.Relationships),
	}
}

// Sort orders every slice by ID so snapshots compare deterministically.
func (s *Snapshot) Sort() {
	slices.SortFunc(s.Concepts, func(a, b Concept) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(s.Sources, func(a, b Source) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(s.Instances, func(a, b Instance) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(s.Relationships, func(a, b Relationship) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(s.External, func(a, b ConceptRef) int { return strings.Compare(a.ID, b.ID) })
}

// ConceptIDs returns the set of concept IDs contained in the snapshot.
func (s *Snapshot) ConceptIDs() map[string]bool {
	ids := make(map[string]bool, len(s.Concepts))
	for _, c := range s.Concepts {
		ids[c.ID] = true
	}
	return ids
}

// ExternalRef looks up the descriptor of an out-of-scope concept.
func (s *Snapshot) ExternalRef(id string) (ConceptRef, bool) {
	for _, ref := range s.External {
		if ref.ID == id {
			return ref, true
		}
	}
	return ConceptRef{}, false
}

// IsEmpty reports whether the snapshot holds no entities.
func (s *Snapshot) IsEmpty() bool {
	return s.Stats().Total() == 0
}

// EntityRef names a stored entity by kind ("concept", "source", "instance"
// or "relationship"), ID and owning ontology.
type EntityRef struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	Ontology string `json:"ontology"`
}

func (r EntityRef) String() string {
	return r.Kind + " " + r.ID + " (" + r.Ontology + ")"
}
