package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/graph/graphtest"
	"github.com/raphaelgruber/graphkeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArtifact(format models.Format) *Artifact {
	snap := graphtest.Ontology("bio", 3, 2)
	return &Artifact{
		Manifest: models.BackupManifest{
			Version:      models.ManifestVersion,
			BackupType:   models.BackupOntology,
			OntologyName: "bio",
			Format:       format,
			CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Stats:        snap.Stats(),
		},
		Graph: snap,
	}
}

func writeFile(t *testing.T, name string, a *Artifact) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteArtifact(f, a))
	require.NoError(t, f.Close())
	return path
}

func TestArchiveKeepsDocuments(t *testing.T) {
	in := testArtifact(models.FormatArchive)
	path := writeFile(t, "bio.tar.gz", in)

	out, err := ReadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, in.Manifest, out.Manifest)
	assert.Equal(t, in.Graph, out.Graph)
	assert.Empty(t, out.IntegrityWarnings())
}

func TestArchiveLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteArtifact(&buf, testArtifact(models.FormatArchive)))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.ElementsMatch(t, []string{
		"manifest.json",
		"graph.json",
		"documents/bio-s0.txt",
		"documents/bio-s1.txt",
	}, names)
}

func TestJSONDropsDocumentText(t *testing.T) {
	path := writeFile(t, "bio.json", testArtifact(models.FormatJSON))

	out, err := ReadArtifact(path)
	require.NoError(t, err)
	require.Len(t, out.Graph.Sources, 2)
	for _, s := range out.Graph.Sources {
		assert.Empty(t, s.Content)
		assert.NotEmpty(t, s.Document)
	}
	assert.Empty(t, out.IntegrityWarnings(), "missing text is expected for json backups")
}

func TestGEXFIsWellFormedButNotRestorable(t *testing.T) {
	path := writeFile(t, "bio.gexf", testArtifact(models.FormatGEXF))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc gexfDoc
	require.NoError(t, xml.Unmarshal(b, &doc))
	// 3 concepts + 2 sources + 2 instances
	assert.Len(t, doc.Graph.Nodes, 7)
	// 2 relationships + 2 edges per instance
	assert.Len(t, doc.Graph.Edges, 6)

	_, err = ReadArtifact(path)
	assert.ErrorIs(t, err, ErrFormatNotRestorable)
}

func TestReadArtifactRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.tar.gz")
	require.NoError(t, os.WriteFile(bad, []byte("not gzip"), 0o644))
	_, err := ReadArtifact(bad)
	assert.ErrorIs(t, err, ErrArtifactInvalid)

	_, err = ReadArtifact(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrArtifactInvalid)

	_, err = ReadArtifact(filepath.Join(dir, "notes.txt"))
	assert.ErrorIs(t, err, ErrArtifactInvalid)
}

func TestIntegrityWarnings(t *testing.T) {
	a := testArtifact(models.FormatJSON)
	a.Graph.Instances = append(a.Graph.Instances, models.Instance{ID: "bio-i9", Ontology: "bio", ConceptID: "ghost", SourceID: "bio-s0"})
	a.Graph.Relationships = append(a.Graph.Relationships, graphtest.Link("bio-r9", "bio", "bio-c0", "chem-c0"))

	warnings := a.IntegrityWarnings()
	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[0], "manifest stats")
	assert.Contains(t, warnings[1], "concept ghost")
	assert.Contains(t, warnings[2], "chem-c0")

	a.Graph.External = []models.ConceptRef{{ID: "chem-c0"}}
	assert.Len(t, a.IntegrityWarnings(), 2, "declared external endpoints are fine")
}

func TestArtifactName(t *testing.T) {
	now := time.Date(2026, 5, 17, 8, 9, 10, 0, time.UTC)
	tests := []struct {
		name   string
		in     string
		scope  models.Scope
		format models.Format
		want   string
	}{
		{"default full", "", models.FullScope(), models.FormatArchive, "full-backup-20260517-080910.tar.gz"},
		{"default ontology", "", models.OntologyScope("Cell Biology"), models.FormatJSON, "cell-biology-backup-20260517-080910.json"},
		{"custom", "nightly", models.FullScope(), models.FormatGEXF, "nightly.gexf"},
		{"extension replaced", "nightly.json", models.FullScope(), models.FormatArchive, "nightly.tar.gz"},
		{"path stripped", "../../etc/passwd", models.FullScope(), models.FormatJSON, "passwd.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ArtifactName(tt.in, tt.scope, tt.format, now))
		})
	}
}
