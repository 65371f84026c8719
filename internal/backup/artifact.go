// Package backup exports graph scopes into portable artifacts and reads
// them back for restore.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/models"
)

const (
	manifestEntry  = "manifest.json"
	graphEntry     = "graph.json"
	documentPrefix = "documents/"
)

var (
	// ErrFormatNotRestorable is returned when reading a GEXF export.
	ErrFormatNotRestorable = errors.New("format cannot be restored")
	// ErrArtifactInvalid is returned for unreadable or malformed artifacts.
	ErrArtifactInvalid = errors.New("invalid backup artifact")
)

// Artifact is the decoded content of a backup file.
type Artifact struct {
	Manifest models.BackupManifest `json:"manifest"`
	Graph    *models.Snapshot      `json:"graph"`
}

// WriteArtifact encodes a in its manifest format.
func WriteArtifact(w io.Writer, a *Artifact) error {
	switch a.Manifest.Format {
	case models.FormatArchive:
		return writeArchive(w, a)
	case models.FormatJSON:
		return writeJSON(w, a)
	case models.FormatGEXF:
		return writeGEXF(w, a)
	}
	return fmt.Errorf("unsupported format %q", a.Manifest.Format)
}

// ReadArtifact opens a backup file, inferring the format from its name.
func ReadArtifact(filename string) (*Artifact, error) {
	format, err := models.FormatFromFilename(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactInvalid, err)
	}
	if !format.Restorable() {
		return nil, fmt.Errorf("%w: %s exports are for visualization only", ErrFormatNotRestorable, format)
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactInvalid, err)
	}
	defer f.Close()
	return DecodeArtifact(f, format)
}

// DecodeArtifact reads an artifact of a known format from r.
func DecodeArtifact(r io.Reader, format models.Format) (*Artifact, error) {
	var (
		a   *Artifact
		err error
	)
	switch format {
	case models.FormatArchive:
		a, err = readArchive(r)
	case models.FormatJSON:
		a, err = readJSON(r)
	case models.FormatGEXF:
		return nil, fmt.Errorf("%w: %s", ErrFormatNotRestorable, format)
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrArtifactInvalid, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactInvalid, err)
	}
	if a.Graph == nil {
		return nil, fmt.Errorf("%w: missing graph", ErrArtifactInvalid)
	}
	if a.Manifest.BackupType == models.BackupOntology && a.Manifest.OntologyName == "" {
		return nil, fmt.Errorf("%w: ontology backup without ontology name", ErrArtifactInvalid)
	}
	return a, nil
}

// IntegrityWarnings lists references inside the artifact that do not
// resolve and counts that disagree with the manifest. Warnings do not
// block a restore.
func (a *Artifact) IntegrityWarnings() []string {
	var warnings []string
	g := a.Graph

	if got := g.Stats(); got != a.Manifest.Stats {
		warnings = append(warnings, fmt.Sprintf("manifest stats %+v do not match contents %+v", a.Manifest.Stats, got))
	}

	concepts := g.ConceptIDs()
	sources := make(map[string]bool, len(g.Sources))
	for _, s := range g.Sources {
		sources[s.ID] = true
		if s.Document != "" && s.Content == "" && a.Manifest.Format == models.FormatArchive {
			warnings = append(warnings, fmt.Sprintf("source %s: document %s missing from archive", s.ID, s.Document))
		}
	}
	for _, inst := range g.Instances {
		if !concepts[inst.ConceptID] {
			warnings = append(warnings, fmt.Sprintf("instance %s: concept %s not in backup", inst.ID, inst.ConceptID))
		}
		if !sources[inst.SourceID] {
			warnings = append(warnings, fmt.Sprintf("instance %s: source %s not in backup", inst.ID, inst.SourceID))
		}
	}
	for _, rel := range g.Relationships {
		for _, id := range []string{rel.FromID, rel.ToID} {
			if concepts[id] {
				continue
			}
			if _, ok := g.ExternalRef(id); !ok {
				warnings = append(warnings, fmt.Sprintf("relationship %s: endpoint %s is neither in backup nor listed as external", rel.ID, id))
			}
		}
	}
	return warnings
}

func writeArchive(w io.Writer, a *Artifact) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	modTime := a.Manifest.CreatedAt
	if modTime.IsZero() {
		modTime = time.Now()
	}

	// Document text lives in its own entries; graph.json keeps metadata.
	stripped := *a.Graph
	stripped.Sources = make([]models.Source, len(a.Graph.Sources))
	for i, s := range a.Graph.Sources {
		if s.Content != "" {
			if err := writeTarFile(tw, documentPrefix+s.ID+".txt", []byte(s.Content), modTime); err != nil {
				return err
			}
		}
		s.Content = ""
		stripped.Sources[i] = s
	}

	manifest, err := json.MarshalIndent(a.Manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := writeTarFile(tw, manifestEntry, manifest, modTime); err != nil {
		return err
	}
	graph, err := json.Marshal(&stripped)
	if err != nil {
		return err
	}
	if err := writeTarFile(tw, graphEntry, graph, modTime); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func writeTarFile(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: modTime,
	}); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func readArchive(r io.Reader) (*Artifact, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var (
		a           Artifact
		sawManifest bool
		documents   = make(map[string]string)
	)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		switch {
		case name == manifestEntry:
			if err := json.NewDecoder(tr).Decode(&a.Manifest); err != nil {
				return nil, fmt.Errorf("decode manifest: %w", err)
			}
			sawManifest = true
		case name == graphEntry:
			a.Graph = &models.Snapshot{}
			if err := json.NewDecoder(tr).Decode(a.Graph); err != nil {
				return nil, fmt.Errorf("decode graph: %w", err)
			}
		case strings.HasPrefix(name, documentPrefix):
			b, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", name, err)
			}
			id := strings.TrimSuffix(strings.TrimPrefix(name, documentPrefix), ".txt")
			documents[id] = string(b)
		}
	}
	if !sawManifest {
		return nil, errors.New("archive has no manifest.json")
	}
	if a.Graph != nil {
		for i, s := range a.Graph.Sources {
			if text, ok := documents[s.ID]; ok {
				a.Graph.Sources[i].Content = text
			}
		}
	}
	return &a, nil
}

func writeJSON(w io.Writer, a *Artifact) error {
	// JSON backups carry structure only; document text stays in archives.
	stripped := *a.Graph
	stripped.Sources = make([]models.Source, len(a.Graph.Sources))
	for i, s := range a.Graph.Sources {
		s.Content = ""
		stripped.Sources[i] = s
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&Artifact{Manifest: a.Manifest, Graph: &stripped})
}

func readJSON(r io.Reader) (*Artifact, error) {
	var a Artifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ArtifactName builds the file name for a backup. An empty name becomes
// "<scope>-backup-YYYYMMDD-HHMMSS"; the format extension is always added.
func ArtifactName(name string, scope models.Scope, format models.Format, now time.Time) string {
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" || name == "." || name == "/" {
		prefix := "full"
		if !scope.IsFull() {
			prefix = models.Slugify(scope.Ontology)
			if prefix == "" {
				prefix = "ontology"
			}
		}
		name = fmt.Sprintf("%s-backup-%s", prefix, now.UTC().Format("20060102-150405"))
	}
	for _, ext := range []string{".tar.gz", ".tgz", ".json", ".gexf"} {
		name = strings.TrimSuffix(name, ext)
	}
	return name + format.Extension()
}
