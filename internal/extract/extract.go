// Package extract turns Markdown documents into concept graph entities.
// It runs as the extraction job kind: every document becomes a source,
// its title and [[wiki links]] become concepts, and each link becomes a
// relationship from the document's concept to the linked one.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/raphaelgruber/graphkeeper/internal/graph"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/models"
)

const (
	// RelLinksTo is the relationship type written for wiki links.
	RelLinksTo = "links_to"
	// RelTagged connects a document concept to its frontmatter concepts.
	RelTagged = "tagged"

	quoteLength = 200
)

var validate = validator.New()

// Input is one document to extract.
type Input struct {
	Name    string `json:"name" validate:"required,max=300"`
	Content string `json:"content" validate:"required"`
}

// Request is an extraction submission.
type Request struct {
	Ontology  string  `json:"ontology" validate:"required,max=100"`
	Documents []Input `json:"documents" validate:"required,min=1,dive"`
}

// Result is stored on completed extraction jobs.
type Result struct {
	Documents     int `json:"documents"`
	Concepts      int `json:"concepts"`
	Instances     int `json:"instances"`
	Relationships int `json:"relationships"`
}

// Extractor runs extraction jobs against a graph store.
type Extractor struct {
	graph  graph.Store
	logger *slog.Logger
}

// New creates an extractor.
func New(g graph.Store, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{graph: g, logger: logger}
}

// Submission validates req and turns it into a job submission.
func (e *Extractor) Submission(req Request) (jobs.Submission, error) {
	if err := validate.Struct(req); err != nil {
		return jobs.Submission{}, err
	}
	m, err := jobs.ToMap(req)
	if err != nil {
		return jobs.Submission{}, err
	}
	return jobs.Submission{Kind: jobs.KindExtraction, Scope: models.OntologyScope(req.Ontology), Request: m}, nil
}

// Run executes an extraction job. Documents are written one at a time so
// a cancelled job keeps what it finished; re-running a document
// overwrites its entities.
func (e *Extractor) Run(ctx context.Context, job jobs.Job, rep *jobs.Reporter) (map[string]any, error) {
	var req Request
	if err := jobs.FromMap(job.Request, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	total := len(req.Documents)
	var result Result
	for i, in := range req.Documents {
		if err := rep.CheckCancelled(); err != nil {
			return nil, err
		}
		if err := rep.Progress(ctx, jobs.StageExtracting, i, total, in.Name); err != nil {
			return nil, err
		}

		snap := Build(req.Ontology, in)
		if err := e.write(ctx, snap); err != nil {
			return nil, fmt.Errorf("write %s: %w", in.Name, err)
		}
		e.logger.Debug("document extracted", "job_id", job.ID, "document", in.Name,
			"concepts", len(snap.Concepts), "relationships", len(snap.Relationships))

		result.Documents++
		result.Concepts += len(snap.Concepts)
		result.Instances += len(snap.Instances)
		result.Relationships += len(snap.Relationships)
	}
	if err := rep.Progress(ctx, jobs.StageExtracting, total, total, ""); err != nil {
		return nil, err
	}
	return jobs.ToMap(result)
}

func (e *Extractor) write(ctx context.Context, snap *models.Snapshot) error {
	if err := e.graph.UpsertConcepts(ctx, snap.Concepts); err != nil {
		return err
	}
	if err := e.graph.UpsertSources(ctx, snap.Sources); err != nil {
		return err
	}
	if err := e.graph.UpsertInstances(ctx, snap.Instances); err != nil {
		return err
	}
	return e.graph.UpsertRelationships(ctx, snap.Relationships)
}

// Build extracts the entities of one document. IDs are derived from the
// ontology and labels, so the same concept found in two documents is one
// node.
func Build(ontology string, in Input) *models.Snapshot {
	doc := ParseMarkdown(in.Content)
	title := doc.Title
	if title == "" {
		title = strings.TrimSuffix(in.Name, ".md")
	}

	src := models.Source{
		ID:       entityID(ontology, "src", in.Name),
		Ontology: ontology,
		Title:    title,
		Document: in.Name,
		Content:  in.Content,
	}
	snap := &models.Snapshot{Sources: []models.Source{src}}

	seen := make(map[string]bool)
	addConcept := func(label string) models.Concept {
		c := models.Concept{
			ID:             entityID(ontology, "c", label),
			Ontology:       ontology,
			Label:          label,
			EquivalenceKey: models.Slugify(label),
		}
		if !seen[c.ID] {
			seen[c.ID] = true
			snap.Concepts = append(snap.Concepts, c)
		}
		return c
	}
	link := func(from, to models.Concept, relType string) {
		if from.ID == to.ID {
			return
		}
		snap.Relationships = append(snap.Relationships, models.Relationship{
			ID:       from.ID + "--" + relType + "--" + to.ID,
			Ontology: ontology,
			FromID:   from.ID,
			ToID:     to.ID,
			Type:     relType,
		})
	}

	main := addConcept(title)
	if summary, ok := doc.Frontmatter["description"].(string); ok {
		snap.Concepts[0].Description = summary
	}
	for _, tag := range doc.FrontmatterStrings("concepts") {
		link(main, addConcept(tag), RelTagged)
	}
	for _, target := range WikiLinks(doc.Content) {
		c := addConcept(target)
		link(main, c, RelLinksTo)
		snap.Instances = append(snap.Instances, models.Instance{
			ID:        src.ID + "--" + c.ID,
			Ontology:  ontology,
			ConceptID: c.ID,
			SourceID:  src.ID,
			Quote:     quoteFor(doc.Content, target, quoteLength),
		})
	}
	return snap
}

func entityID(ontology, kind, label string) string {
	return models.Slugify(ontology) + "-" + kind + "-" + models.Slugify(label)
}
