package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/raphaelgruber/graphkeeper/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// GraphStore is the SurrealDB implementation of graph.Store.
type GraphStore struct {
	client *Client
}

// NewGraphStore creates a graph store on an open client.
func NewGraphStore(c *Client) *GraphStore {
	return &GraphStore{client: c}
}

type conceptRow struct {
	ID             surrealmodels.RecordID `json:"id"`
	Ontology       string                 `json:"ontology"`
	Label          string                 `json:"label"`
	EquivalenceKey string                 `json:"equivalence_key"`
	Description    string                 `json:"description"`
}

type sourceRow struct {
	ID       surrealmodels.RecordID `json:"id"`
	Ontology string                 `json:"ontology"`
	Title    string                 `json:"title"`
	Document string                 `json:"document"`
	Content  string                 `json:"content"`
}

type instanceRow struct {
	ID        surrealmodels.RecordID `json:"id"`
	Ontology  string                 `json:"ontology"`
	ConceptID string                 `json:"concept_id"`
	SourceID  string                 `json:"source_id"`
	Quote     string                 `json:"quote"`
}

type relationshipRow struct {
	ID         surrealmodels.RecordID `json:"id"`
	Ontology   string                 `json:"ontology"`
	FromID     string                 `json:"from_id"`
	ToID       string                 `json:"to_id"`
	Type       string                 `json:"type"`
	Unresolved bool                   `json:"unresolved"`
}

func (r conceptRow) model() (models.Concept, error) {
	id, err := models.RecordIDString(r.ID)
	return models.Concept{ID: id, Ontology: r.Ontology, Label: r.Label, EquivalenceKey: r.EquivalenceKey, Description: r.Description}, err
}

func (r sourceRow) model() (models.Source, error) {
	id, err := models.RecordIDString(r.ID)
	return models.Source{ID: id, Ontology: r.Ontology, Title: r.Title, Document: r.Document, Content: r.Content}, err
}

func (r instanceRow) model() (models.Instance, error) {
	id, err := models.RecordIDString(r.ID)
	return models.Instance{ID: id, Ontology: r.Ontology, ConceptID: r.ConceptID, SourceID: r.SourceID, Quote: r.Quote}, err
}

func (r relationshipRow) model() (models.Relationship, error) {
	id, err := models.RecordIDString(r.ID)
	return models.Relationship{ID: id, Ontology: r.Ontology, FromID: r.FromID, ToID: r.ToID, Type: r.Type, Unresolved: r.Unresolved}, err
}

// tableWrite describes how one entity kind is upserted.
type tableWrite struct {
	table  string
	fields []string
}

var (
	conceptWrite      = tableWrite{"concept", []string{"ontology", "label", "equivalence_key", "description"}}
	sourceWrite       = tableWrite{"source", []string{"ontology", "title", "document", "content"}}
	instanceWrite     = tableWrite{"instance", []string{"ontology", "concept_id", "source_id", "quote"}}
	relationshipWrite = tableWrite{"relationship", []string{"ontology", "from_id", "to_id", "type", "unresolved"}}
)

// statement returns a FOR loop upserting every element of $<param>.
func (w tableWrite) statement(param string) string {
	sets := make([]string, len(w.fields))
	for i, f := range w.fields {
		sets[i] = fmt.Sprintf("%s: $item.%s", f, f)
	}
	return fmt.Sprintf(`FOR $item IN $%s { UPSERT type::record("%s", $item.id) CONTENT { %s }; };`,
		param, w.table, strings.Join(sets, ", "))
}

func conceptItems(cs []models.Concept) []map[string]any {
	out := make([]map[string]any, len(cs))
	for i, c := range cs {
		out[i] = map[string]any{"id": c.ID, "ontology": c.Ontology, "label": c.Label, "equivalence_key": c.EquivalenceKey, "description": c.Description}
	}
	return out
}

func sourceItems(ss []models.Source) []map[string]any {
	out := make([]map[string]any, len(ss))
	for i, s := range ss {
		out[i] = map[string]any{"id": s.ID, "ontology": s.Ontology, "title": s.Title, "document": s.Document, "content": s.Content}
	}
	return out
}

func instanceItems(is []models.Instance) []map[string]any {
	out := make([]map[string]any, len(is))
	for i, inst := range is {
		out[i] = map[string]any{"id": inst.ID, "ontology": inst.Ontology, "concept_id": inst.ConceptID, "source_id": inst.SourceID, "quote": inst.Quote}
	}
	return out
}

func relationshipItems(rs []models.Relationship) []map[string]any {
	out := make([]map[string]any, len(rs))
	for i, r := range rs {
		out[i] = map[string]any{"id": r.ID, "ontology": r.Ontology, "from_id": r.FromID, "to_id": r.ToID, "type": r.Type, "unresolved": r.Unresolved}
	}
	return out
}

// queryRows runs sql and returns the rows of its last statement.
func queryRows[T any](ctx context.Context, c *Client, sql string, vars map[string]any) ([]T, error) {
	results, err := surrealdb.Query[[]T](ctx, c.db, sql, vars)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	return (*results)[len(*results)-1].Result, nil
}

// queryValue runs sql and returns the value of its last statement.
func queryValue[T any](ctx context.Context, c *Client, sql string, vars map[string]any) (T, error) {
	var zero T
	results, err := surrealdb.Query[T](ctx, c.db, sql, vars)
	if err != nil {
		return zero, wrapQueryError(err)
	}
	if results == nil || len(*results) == 0 {
		return zero, nil
	}
	return (*results)[len(*results)-1].Result, nil
}

func convert[R interface{ model() (M, error) }, M any](rows []R) ([]M, error) {
	out := make([]M, 0, len(rows))
	for _, r := range rows {
		m, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// scopeFilter returns the WHERE clause selecting nodes in scope.
func scopeFilter(scope models.Scope) (string, map[string]any) {
	if scope.IsFull() {
		return "", map[string]any{}
	}
	return "WHERE ontology = $ont", map[string]any{"ont": scope.Ontology}
}

func (s *GraphStore) Export(ctx context.Context, scope models.Scope) (*models.Snapshot, error) {
	where, vars := scopeFilter(scope)

	conceptRows, err := queryRows[conceptRow](ctx, s.client, "SELECT * FROM concept "+where, vars)
	if err != nil {
		return nil, fmt.Errorf("export concepts: %w", err)
	}
	sourceRows, err := queryRows[sourceRow](ctx, s.client, "SELECT * FROM source "+where, vars)
	if err != nil {
		return nil, fmt.Errorf("export sources: %w", err)
	}
	instanceRows, err := queryRows[instanceRow](ctx, s.client, "SELECT * FROM instance "+where, vars)
	if err != nil {
		return nil, fmt.Errorf("export instances: %w", err)
	}

	snap := &models.Snapshot{}
	if snap.Concepts, err = convert[conceptRow, models.Concept](conceptRows); err != nil {
		return nil, err
	}
	if snap.Sources, err = convert[sourceRow, models.Source](sourceRows); err != nil {
		return nil, err
	}
	if snap.Instances, err = convert[instanceRow, models.Instance](instanceRows); err != nil {
		return nil, err
	}

	local := snap.ConceptIDs()
	relSQL := "SELECT * FROM relationship"
	relVars := map[string]any{}
	if !scope.IsFull() {
		ids := make([]string, 0, len(local))
		for id := range local {
			ids = append(ids, id)
		}
		relSQL += " WHERE ontology = $ont OR from_id IN $ids OR to_id IN $ids"
		relVars = map[string]any{"ont": scope.Ontology, "ids": ids}
	}
	relRows, err := queryRows[relationshipRow](ctx, s.client, relSQL, relVars)
	if err != nil {
		return nil, fmt.Errorf("export relationships: %w", err)
	}
	if snap.Relationships, err = convert[relationshipRow, models.Relationship](relRows); err != nil {
		return nil, err
	}

	var missing []string
	for _, rel := range snap.Relationships {
		for _, id := range []string{rel.FromID, rel.ToID} {
			if !local[id] && !slices.Contains(missing, id) {
				missing = append(missing, id)
			}
		}
	}
	if len(missing) > 0 {
		extRows, err := queryRows[conceptRow](ctx, s.client, "SELECT * FROM $refs", map[string]any{
			"refs": models.RecordIDs("concept", missing),
		})
		if err != nil {
			return nil, fmt.Errorf("export external concepts: %w", err)
		}
		for _, row := range extRows {
			c, err := row.model()
			if err != nil {
				return nil, err
			}
			snap.External = append(snap.External, models.ConceptRef{
				ID: c.ID, Ontology: c.Ontology, Label: c.Label, EquivalenceKey: c.EquivalenceKey,
			})
		}
	}

	snap.Sort()
	return snap, nil
}

func (s *GraphStore) Stats(ctx context.Context, scope models.Scope) (models.GraphStats, error) {
	where, vars := scopeFilter(scope)
	sql := fmt.Sprintf(`RETURN {
		concepts: count((SELECT id FROM concept %[1]s)),
		sources: count((SELECT id FROM source %[1]s)),
		instances: count((SELECT id FROM instance %[1]s)),
		relationships: count((SELECT id FROM relationship %[1]s))
	}`, where)

	st, err := queryValue[models.GraphStats](ctx, s.client, sql, vars)
	if err != nil {
		return models.GraphStats{}, fmt.Errorf("graph stats: %w", err)
	}
	return st, nil
}

func (s *GraphStore) OntologyExists(ctx context.Context, name string) (bool, error) {
	st, err := s.Stats(ctx, models.OntologyScope(name))
	if err != nil {
		return false, err
	}
	return st.Total() > 0, nil
}

func (s *GraphStore) ListOntologies(ctx context.Context) ([]string, error) {
	names, err := queryValue[[]string](ctx, s.client, `RETURN array::distinct(array::concat(
		(SELECT VALUE ontology FROM concept),
		(SELECT VALUE ontology FROM source),
		(SELECT VALUE ontology FROM instance)
	))`, nil)
	if err != nil {
		return nil, fmt.Errorf("list ontologies: %w", err)
	}
	names = slices.DeleteFunc(names, func(n string) bool { return n == "" })
	slices.Sort(names)
	return names, nil
}

func (s *GraphStore) upsert(ctx context.Context, w tableWrite, items []map[string]any) error {
	if len(items) == 0 {
		return nil
	}
	sql := "BEGIN TRANSACTION;\n" + w.statement("items") + "\nCOMMIT TRANSACTION;"
	if err := s.client.exec(ctx, sql, map[string]any{"items": items}); err != nil {
		return fmt.Errorf("upsert %s: %w", w.table, err)
	}
	return nil
}

func (s *GraphStore) UpsertConcepts(ctx context.Context, concepts []models.Concept) error {
	return s.upsert(ctx, conceptWrite, conceptItems(concepts))
}

func (s *GraphStore) UpsertSources(ctx context.Context, sources []models.Source) error {
	return s.upsert(ctx, sourceWrite, sourceItems(sources))
}

func (s *GraphStore) UpsertInstances(ctx context.Context, instances []models.Instance) error {
	return s.upsert(ctx, instanceWrite, instanceItems(instances))
}

func (s *GraphStore) UpsertRelationships(ctx context.Context, rels []models.Relationship) error {
	return s.upsert(ctx, relationshipWrite, relationshipItems(rels))
}

func (s *GraphStore) FindConcept(ctx context.Context, id, equivalenceKey string) (*models.Concept, error) {
	rows, err := queryRows[conceptRow](ctx, s.client, `SELECT * FROM type::record("concept", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("find concept: %w", err)
	}
	if len(rows) == 0 && equivalenceKey != "" {
		rows, err = queryRows[conceptRow](ctx, s.client,
			`SELECT * FROM concept WHERE equivalence_key = $key ORDER BY id LIMIT 1`,
			map[string]any{"key": equivalenceKey})
		if err != nil {
			return nil, fmt.Errorf("find concept by key: %w", err)
		}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	c, err := rows[0].model()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type ownerRow struct {
	ID       surrealmodels.RecordID `json:"id"`
	Ontology string                 `json:"ontology"`
}

func (s *GraphStore) ForeignEntities(ctx context.Context, scope models.Scope, snap *models.Snapshot) ([]models.EntityRef, error) {
	if scope.IsFull() {
		return nil, nil
	}
	ids := map[string][]string{}
	for _, c := range snap.Concepts {
		ids["concept"] = append(ids["concept"], c.ID)
	}
	for _, src := range snap.Sources {
		ids["source"] = append(ids["source"], src.ID)
	}
	for _, inst := range snap.Instances {
		ids["instance"] = append(ids["instance"], inst.ID)
	}
	for _, rel := range snap.Relationships {
		ids["relationship"] = append(ids["relationship"], rel.ID)
	}

	var out []models.EntityRef
	for _, table := range []string{"concept", "instance", "relationship", "source"} {
		if len(ids[table]) == 0 {
			continue
		}
		rows, err := queryRows[ownerRow](ctx, s.client, "SELECT id, ontology FROM $refs WHERE ontology != $ont ORDER BY id", map[string]any{
			"refs": models.RecordIDs(table, ids[table]),
			"ont":  scope.Ontology,
		})
		if err != nil {
			return nil, fmt.Errorf("find foreign %s: %w", table, err)
		}
		for _, row := range rows {
			id, err := models.RecordIDString(row.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, models.EntityRef{Kind: table, ID: id, Ontology: row.Ontology})
		}
	}
	return out, nil
}

// ReplaceScope deletes the scope and writes snap in one transaction.
func (s *GraphStore) ReplaceScope(ctx context.Context, scope models.Scope, snap *models.Snapshot) error {
	var b strings.Builder
	b.WriteString("BEGIN TRANSACTION;\n")
	if scope.IsFull() {
		b.WriteString("DELETE relationship;\nDELETE instance;\nDELETE source;\nDELETE concept;\n")
	} else {
		// Edges belong to the scope through their own ontology or either
		// endpoint, so collect endpoint IDs before the concepts go.
		b.WriteString(`LET $ids = (SELECT VALUE record::id(id) FROM concept WHERE ontology = $ont);
DELETE relationship WHERE ontology = $ont OR from_id IN $ids OR to_id IN $ids;
DELETE instance WHERE ontology = $ont;
DELETE source WHERE ontology = $ont;
DELETE concept WHERE ontology = $ont;
`)
	}
	b.WriteString(conceptWrite.statement("concepts") + "\n")
	b.WriteString(sourceWrite.statement("sources") + "\n")
	b.WriteString(instanceWrite.statement("instances") + "\n")
	b.WriteString(relationshipWrite.statement("relationships") + "\n")
	b.WriteString("COMMIT TRANSACTION;")

	vars := map[string]any{
		"ont":           scope.Ontology,
		"concepts":      conceptItems(snap.Concepts),
		"sources":       sourceItems(snap.Sources),
		"instances":     instanceItems(snap.Instances),
		"relationships": relationshipItems(snap.Relationships),
	}
	if err := s.client.exec(ctx, b.String(), vars); err != nil {
		return fmt.Errorf("replace %s: %w", scope, err)
	}
	return nil
}

func (s *GraphStore) ResolveDeferred(ctx context.Context) (int, error) {
	rows, err := queryRows[relationshipRow](ctx, s.client, `
		UPDATE relationship SET unresolved = false
		WHERE unresolved = true
			AND record::exists(type::record("concept", from_id))
			AND record::exists(type::record("concept", to_id))
		RETURN AFTER
	`, nil)
	if err != nil {
		return 0, fmt.Errorf("resolve deferred: %w", err)
	}
	return len(rows), nil
}

func (s *GraphStore) Neighbors(ctx context.Context, id string) ([]models.Concept, error) {
	rows, err := queryRows[relationshipRow](ctx, s.client, `
		SELECT * FROM relationship
		WHERE unresolved = false AND (from_id = $id OR to_id = $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("neighbors: %w", err)
	}

	var ids []string
	for _, r := range rows {
		other := r.ToID
		if other == id {
			other = r.FromID
		}
		if !slices.Contains(ids, other) {
			ids = append(ids, other)
		}
	}
	if len(ids) == 0 {
		return []models.Concept{}, nil
	}

	conceptRows, err := queryRows[conceptRow](ctx, s.client, "SELECT * FROM $refs ORDER BY id", map[string]any{
		"refs": models.RecordIDs("concept", ids),
	})
	if err != nil {
		return nil, fmt.Errorf("neighbor concepts: %w", err)
	}
	return convert[conceptRow, models.Concept](conceptRows)
}
