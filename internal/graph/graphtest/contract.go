package graphtest

import (
	"context"
	"testing"

	"github.com/raphaelgruber/graphkeeper/internal/graph"
	"github.com/raphaelgruber/graphkeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreTests exercises the behavior every graph.Store must share.
// newStore must return an empty store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) graph.Store) {
	seeded := func(t *testing.T) graph.Store {
		t.Helper()
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, Load(ctx, s, Ontology("bio", 3, 2)))
		require.NoError(t, Load(ctx, s, Ontology("chem", 2, 1)))
		// Cross-ontology edge owned by bio.
		require.NoError(t, s.UpsertRelationships(ctx, []models.Relationship{
			Link("x1", "bio", "bio-c2", "chem-c0"),
		}))
		return s
	}

	t.Run("ExportScope", func(t *testing.T) {
		s := seeded(t)
		ctx := context.Background()

		bio, err := s.Export(ctx, models.OntologyScope("bio"))
		require.NoError(t, err)
		assert.Equal(t, models.GraphStats{Concepts: 3, Sources: 2, Instances: 2, Relationships: 3}, bio.Stats())
		require.Len(t, bio.External, 1)
		assert.Equal(t, models.ConceptRef{ID: "chem-c0", Ontology: "chem", Label: "Concept 0", EquivalenceKey: "concept-0"}, bio.External[0])
		assert.Equal(t, "# Document 0\n\nText about bio.", bio.Sources[0].Content)

		chem, err := s.Export(ctx, models.OntologyScope("chem"))
		require.NoError(t, err)
		assert.Len(t, chem.Relationships, 2, "edges touching the scope are included")

		full, err := s.Export(ctx, models.FullScope())
		require.NoError(t, err)
		assert.Equal(t, models.GraphStats{Concepts: 5, Sources: 3, Instances: 3, Relationships: 4}, full.Stats())
		assert.Empty(t, full.External)
	})

	t.Run("ReplaceScopeIsExact", func(t *testing.T) {
		s := seeded(t)
		ctx := context.Background()

		before, err := s.Export(ctx, models.FullScope())
		require.NoError(t, err)
		bio, err := s.Export(ctx, models.OntologyScope("bio"))
		require.NoError(t, err)

		// Mutate bio, including an edge into chem, then put the snapshot back.
		require.NoError(t, s.UpsertConcepts(ctx, []models.Concept{{ID: "bio-new", Ontology: "bio", Label: "New"}}))
		require.NoError(t, s.UpsertRelationships(ctx, []models.Relationship{Link("x2", "bio", "bio-new", "chem-c1")}))
		require.NoError(t, s.ReplaceScope(ctx, models.OntologyScope("bio"), &models.Snapshot{}))

		emptied, err := s.Export(ctx, models.OntologyScope("bio"))
		require.NoError(t, err)
		assert.True(t, emptied.IsEmpty())

		require.NoError(t, s.ReplaceScope(ctx, models.OntologyScope("bio"), bio))
		after, err := s.Export(ctx, models.FullScope())
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("ReplaceFullScope", func(t *testing.T) {
		s := seeded(t)
		ctx := context.Background()

		require.NoError(t, s.ReplaceScope(ctx, models.FullScope(), Ontology("physics", 2, 0)))
		names, err := s.ListOntologies(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"physics"}, names)
	})

	t.Run("StatsAndOntologies", func(t *testing.T) {
		s := seeded(t)
		ctx := context.Background()

		st, err := s.Stats(ctx, models.OntologyScope("bio"))
		require.NoError(t, err)
		assert.Equal(t, models.GraphStats{Concepts: 3, Sources: 2, Instances: 2, Relationships: 3}, st)

		ok, err := s.OntologyExists(ctx, "chem")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.OntologyExists(ctx, "physics")
		require.NoError(t, err)
		assert.False(t, ok)

		names, err := s.ListOntologies(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"bio", "chem"}, names)
	})

	t.Run("FindConcept", func(t *testing.T) {
		s := seeded(t)
		ctx := context.Background()

		c, err := s.FindConcept(ctx, "chem-c1", "")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "chem-c1", c.ID)

		c, err = s.FindConcept(ctx, "gone", "concept-1")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "bio-c1", c.ID, "lowest ID wins among equivalent concepts")

		c, err = s.FindConcept(ctx, "gone", "no-such-key")
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("ForeignEntities", func(t *testing.T) {
		s := seeded(t)
		ctx := context.Background()

		incoming := Ontology("bio", 2, 0)
		incoming.Concepts = append(incoming.Concepts, models.Concept{ID: "chem-c1", Ontology: "bio"})
		incoming.Relationships = append(incoming.Relationships, Link("chem-r1", "bio", "bio-c0", "chem-c1"))

		refs, err := s.ForeignEntities(ctx, models.OntologyScope("bio"), incoming)
		require.NoError(t, err)
		assert.Equal(t, []models.EntityRef{
			{Kind: "concept", ID: "chem-c1", Ontology: "chem"},
			{Kind: "relationship", ID: "chem-r1", Ontology: "chem"},
		}, refs)

		refs, err = s.ForeignEntities(ctx, models.FullScope(), incoming)
		require.NoError(t, err)
		assert.Empty(t, refs)

		refs, err = s.ForeignEntities(ctx, models.OntologyScope("bio"), Ontology("bio", 3, 2))
		require.NoError(t, err)
		assert.Empty(t, refs, "IDs already in scope are not foreign")
	})

	t.Run("DeferredEdgesAndNeighbors", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, Load(ctx, s, Nodes("bio", 2, 0)))
		require.NoError(t, s.UpsertRelationships(ctx, []models.Relationship{
			Link("r1", "bio", "bio-c0", "bio-c1"),
			{ID: "r2", Ontology: "bio", FromID: "bio-c0", ToID: "chem-c0", Type: "related_to", Unresolved: true},
		}))

		n, err := s.Neighbors(ctx, "bio-c0")
		require.NoError(t, err)
		require.Len(t, n, 1)
		assert.Equal(t, "bio-c1", n[0].ID)

		resolved, err := s.ResolveDeferred(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, resolved, "target still missing")

		require.NoError(t, s.UpsertConcepts(ctx, []models.Concept{{ID: "chem-c0", Ontology: "chem"}}))
		resolved, err = s.ResolveDeferred(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, resolved)

		n, err = s.Neighbors(ctx, "bio-c0")
		require.NoError(t, err)
		assert.Len(t, n, 2)
	})
}
