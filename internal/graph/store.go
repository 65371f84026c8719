// Package graph defines the concept graph storage contract used by backup,
// restore and checkpointing, with an in-memory implementation.
package graph

import (
	"context"

	"github.com/raphaelgruber/graphkeeper/internal/models"
)

// Store reads and writes the concept graph. Implementations must make
// ReplaceScope atomic: after it returns the scope holds exactly the
// snapshot contents, and on error the scope is unchanged.
type Store interface {
	// Export returns every entity in scope. Relationships are included
	// when their own ontology is in scope or either endpoint is; endpoints
	// outside the scope are described in Snapshot.External.
	Export(ctx context.Context, scope models.Scope) (*models.Snapshot, error)
	// Stats counts nodes in scope and relationships tagged with an
	// ontology in scope.
	Stats(ctx context.Context, scope models.Scope) (models.GraphStats, error)
	OntologyExists(ctx context.Context, name string) (bool, error)
	ListOntologies(ctx context.Context) ([]string, error)

	UpsertConcepts(ctx context.Context, concepts []models.Concept) error
	UpsertSources(ctx context.Context, sources []models.Source) error
	UpsertInstances(ctx context.Context, instances []models.Instance) error
	UpsertRelationships(ctx context.Context, rels []models.Relationship) error

	// FindConcept matches by ID first, then by equivalence key. Returns
	// nil when nothing matches.
	FindConcept(ctx context.Context, id, equivalenceKey string) (*models.Concept, error)
	// ForeignEntities returns the stored entities outside scope that share
	// an ID with an entity of snap, sorted by kind and ID. Writing snap
	// would move them into the scope. Always empty for the full scope.
	ForeignEntities(ctx context.Context, scope models.Scope, snap *models.Snapshot) ([]models.EntityRef, error)
	// ReplaceScope swaps the scope's contents for snap.
	ReplaceScope(ctx context.Context, scope models.Scope, snap *models.Snapshot) error
	// ResolveDeferred clears the unresolved marker of edges whose
	// endpoints now both exist and returns how many were linked.
	ResolveDeferred(ctx context.Context) (int, error)
	// Neighbors returns concepts connected to id through resolved edges.
	Neighbors(ctx context.Context, id string) ([]models.Concept, error)
}
