package graph

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/raphaelgruber/graphkeeper/internal/models"
)

// MemoryStore is a Store held entirely in process memory.
type MemoryStore struct {
	mu            sync.RWMutex
	concepts      map[string]models.Concept
	sources       map[string]models.Source
	instances     map[string]models.Instance
	relationships map[string]models.Relationship
}

// NewMemoryStore creates an empty graph.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		concepts:      make(map[string]models.Concept),
		sources:       make(map[string]models.Source),
		instances:     make(map[string]models.Instance),
		relationships: make(map[string]models.Relationship),
	}
}

func (s *MemoryStore) Export(_ context.Context, scope models.Scope) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exportLocked(scope), nil
}

func (s *MemoryStore) exportLocked(scope models.Scope) *models.Snapshot {
	snap := &models.Snapshot{
		Concepts:      []models.Concept{},
		Sources:       []models.Source{},
		Instances:     []models.Instance{},
		Relationships: []models.Relationship{},
	}
	for _, c := range s.concepts {
		if scope.Contains(c.Ontology) {
			snap.Concepts = append(snap.Concepts, c)
		}
	}
	for _, src := range s.sources {
		if scope.Contains(src.Ontology) {
			snap.Sources = append(snap.Sources, src)
		}
	}
	for _, inst := range s.instances {
		if scope.Contains(inst.Ontology) {
			snap.Instances = append(snap.Instances, inst)
		}
	}

	local := snap.ConceptIDs()
	external := make(map[string]models.ConceptRef)
	for _, rel := range s.relationships {
		if !s.relInScopeLocked(scope, rel) {
			continue
		}
		snap.Relationships = append(snap.Relationships, rel)
		for _, id := range []string{rel.FromID, rel.ToID} {
			if local[id] {
				continue
			}
			ref := models.ConceptRef{ID: id}
			if c, ok := s.concepts[id]; ok {
				ref = models.ConceptRef{ID: c.ID, Ontology: c.Ontology, Label: c.Label, EquivalenceKey: c.EquivalenceKey}
			}
			external[id] = ref
		}
	}
	snap.External = slices.Collect(maps.Values(external))
	snap.Sort()
	return snap
}

func (s *MemoryStore) relInScopeLocked(scope models.Scope, rel models.Relationship) bool {
	if scope.Contains(rel.Ontology) {
		return true
	}
	for _, id := range []string{rel.FromID, rel.ToID} {
		if c, ok := s.concepts[id]; ok && scope.Contains(c.Ontology) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) Stats(_ context.Context, scope models.Scope) (models.GraphStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st models.GraphStats
	for _, c := range s.concepts {
		if scope.Contains(c.Ontology) {
			st.Concepts++
		}
	}
	for _, src := range s.sources {
		if scope.Contains(src.Ontology) {
			st.Sources++
		}
	}
	for _, inst := range s.instances {
		if scope.Contains(inst.Ontology) {
			st.Instances++
		}
	}
	for _, rel := range s.relationships {
		if scope.Contains(rel.Ontology) {
			st.Relationships++
		}
	}
	return st, nil
}

func (s *MemoryStore) OntologyExists(ctx context.Context, name string) (bool, error) {
	st, err := s.Stats(ctx, models.OntologyScope(name))
	if err != nil {
		return false, err
	}
	return st.Total() > 0, nil
}

func (s *MemoryStore) ListOntologies(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, c := range s.concepts {
		seen[c.Ontology] = true
	}
	for _, src := range s.sources {
		seen[src.Ontology] = true
	}
	for _, inst := range s.instances {
		seen[inst.Ontology] = true
	}
	delete(seen, "")
	return slices.Sorted(maps.Keys(seen)), nil
}

func (s *MemoryStore) UpsertConcepts(_ context.Context, concepts []models.Concept) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range concepts {
		s.concepts[c.ID] = c
	}
	return nil
}

func (s *MemoryStore) UpsertSources(_ context.Context, sources []models.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range sources {
		s.sources[src.ID] = src
	}
	return nil
}

func (s *MemoryStore) UpsertInstances(_ context.Context, instances []models.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range instances {
		s.instances[inst.ID] = inst
	}
	return nil
}

func (s *MemoryStore) UpsertRelationships(_ context.Context, rels []models.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rel := range rels {
		s.relationships[rel.ID] = rel
	}
	return nil
}

func (s *MemoryStore) FindConcept(_ context.Context, id, equivalenceKey string) (*models.Concept, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.concepts[id]; ok {
		return &c, nil
	}
	if equivalenceKey == "" {
		return nil, nil
	}
	var match *models.Concept
	for _, c := range s.concepts {
		if c.EquivalenceKey != equivalenceKey {
			continue
		}
		if match == nil || c.ID < match.ID {
			match = &c
		}
	}
	return match, nil
}

func (s *MemoryStore) ForeignEntities(_ context.Context, scope models.Scope, snap *models.Snapshot) ([]models.EntityRef, error) {
	if scope.IsFull() {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.EntityRef
	foreign := func(kind, id, ontology string, ok bool) {
		if ok && !scope.Contains(ontology) {
			out = append(out, models.EntityRef{Kind: kind, ID: id, Ontology: ontology})
		}
	}
	for _, c := range snap.Concepts {
		got, ok := s.concepts[c.ID]
		foreign("concept", c.ID, got.Ontology, ok)
	}
	for _, src := range snap.Sources {
		got, ok := s.sources[src.ID]
		foreign("source", src.ID, got.Ontology, ok)
	}
	for _, inst := range snap.Instances {
		got, ok := s.instances[inst.ID]
		foreign("instance", inst.ID, got.Ontology, ok)
	}
	for _, rel := range snap.Relationships {
		got, ok := s.relationships[rel.ID]
		foreign("relationship", rel.ID, got.Ontology, ok)
	}
	slices.SortFunc(out, compareRefs)
	return out, nil
}

func compareRefs(a, b models.EntityRef) int {
	return cmp.Or(cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.ID, b.ID))
}

func (s *MemoryStore) ReplaceScope(_ context.Context, scope models.Scope, snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Relationship membership depends on concept ontologies, so decide it
	// before any concept is removed.
	for id, rel := range s.relationships {
		if s.relInScopeLocked(scope, rel) {
			delete(s.relationships, id)
		}
	}
	for id, c := range s.concepts {
		if scope.Contains(c.Ontology) {
			delete(s.concepts, id)
		}
	}
	for id, src := range s.sources {
		if scope.Contains(src.Ontology) {
			delete(s.sources, id)
		}
	}
	for id, inst := range s.instances {
		if scope.Contains(inst.Ontology) {
			delete(s.instances, id)
		}
	}

	for _, c := range snap.Concepts {
		s.concepts[c.ID] = c
	}
	for _, src := range snap.Sources {
		s.sources[src.ID] = src
	}
	for _, inst := range snap.Instances {
		s.instances[inst.ID] = inst
	}
	for _, rel := range snap.Relationships {
		s.relationships[rel.ID] = rel
	}
	return nil
}

func (s *MemoryStore) ResolveDeferred(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved := 0
	for id, rel := range s.relationships {
		if !rel.Unresolved {
			continue
		}
		_, fromOK := s.concepts[rel.FromID]
		_, toOK := s.concepts[rel.ToID]
		if fromOK && toOK {
			rel.Unresolved = false
			s.relationships[id] = rel
			resolved++
		}
	}
	return resolved, nil
}

func (s *MemoryStore) Neighbors(_ context.Context, id string) ([]models.Concept, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []models.Concept
	for _, rel := range s.relationships {
		if rel.Unresolved {
			continue
		}
		var other string
		switch id {
		case rel.FromID:
			other = rel.ToID
		case rel.ToID:
			other = rel.FromID
		default:
			continue
		}
		if c, ok := s.concepts[other]; ok && !seen[other] {
			seen[other] = true
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b models.Concept) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}
