// Package graphtest builds concept graph fixtures for tests.
package graphtest

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/graphkeeper/internal/graph"
	"github.com/raphaelgruber/graphkeeper/internal/models"
)

// Ontology builds a chain-shaped ontology: concepts c0..cN-1 linked in
// order, sources with content, and one instance per source pointing at
// the first concept. IDs are prefixed with the ontology name.
func Ontology(name string, concepts, sources int) *models.Snapshot {
	snap := &models.Snapshot{
		Concepts:      []models.Concept{},
		Sources:       []models.Source{},
		Instances:     []models.Instance{},
		Relationships: []models.Relationship{},
	}
	for i := range concepts {
		snap.Concepts = append(snap.Concepts, models.Concept{
			ID:             fmt.Sprintf("%s-c%d", name, i),
			Ontology:       name,
			Label:          fmt.Sprintf("Concept %d", i),
			EquivalenceKey: fmt.Sprintf("concept-%d", i),
		})
		if i > 0 {
			snap.Relationships = append(snap.Relationships, models.Relationship{
				ID:       fmt.Sprintf("%s-r%d", name, i),
				Ontology: name,
				FromID:   fmt.Sprintf("%s-c%d", name, i-1),
				ToID:     fmt.Sprintf("%s-c%d", name, i),
				Type:     "related_to",
			})
		}
	}
	for i := range sources {
		src := models.Source{
			ID:       fmt.Sprintf("%s-s%d", name, i),
			Ontology: name,
			Title:    fmt.Sprintf("Document %d", i),
			Document: fmt.Sprintf("doc-%d.md", i),
			Content:  fmt.Sprintf("# Document %d\n\nText about %s.", i, name),
		}
		snap.Sources = append(snap.Sources, src)
		if concepts > 0 {
			snap.Instances = append(snap.Instances, models.Instance{
				ID:        fmt.Sprintf("%s-i%d", name, i),
				Ontology:  name,
				ConceptID: fmt.Sprintf("%s-c0", name),
				SourceID:  src.ID,
				Quote:     "Text about",
			})
		}
	}
	snap.Sort()
	return snap
}

// Nodes builds an ontology without relationships or instances.
func Nodes(name string, concepts, sources int) *models.Snapshot {
	snap := Ontology(name, concepts, sources)
	snap.Relationships = []models.Relationship{}
	snap.Instances = []models.Instance{}
	return snap
}

// Load writes every entity of snap into store.
func Load(ctx context.Context, store graph.Store, snap *models.Snapshot) error {
	if err := store.UpsertConcepts(ctx, snap.Concepts); err != nil {
		return err
	}
	if err := store.UpsertSources(ctx, snap.Sources); err != nil {
		return err
	}
	if err := store.UpsertInstances(ctx, snap.Instances); err != nil {
		return err
	}
	return store.UpsertRelationships(ctx, snap.Relationships)
}

// Link returns a relationship between two concepts owned by ontology.
func Link(id, ontology, from, to string) models.Relationship {
	return models.Relationship{ID: id, Ontology: ontology, FromID: from, ToID: to, Type: "related_to"}
}
