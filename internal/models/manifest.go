package models

import (
	"fmt"
	"strings"
	"time"
)

// ManifestVersion is written into every backup manifest.
const ManifestVersion = 1

// BackupType distinguishes whole-graph from single-ontology backups.
type BackupType string

const (
	BackupFull     BackupType = "full"
	BackupOntology BackupType = "ontology"
)

// Format is the on-disk encoding of a backup artifact.
type Format string

const (
	FormatArchive Format = "archive"
	FormatJSON    Format = "json"
	FormatGEXF    Format = "gexf"
)

// Extension returns the file suffix for the format.
func (f Format) Extension() string {
	switch f {
	case FormatArchive:
		return ".tar.gz"
	case FormatJSON:
		return ".json"
	case FormatGEXF:
		return ".gexf"
	}
	return ""
}

// Restorable reports whether artifacts of this format can be restored.
// GEXF is a visualization export and drops data needed to rebuild the graph.
func (f Format) Restorable() bool {
	return f == FormatArchive || f == FormatJSON
}

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatArchive, FormatJSON, FormatGEXF:
		return f, nil
	}
	return "", fmt.Errorf("unsupported format %q (expected archive, json or gexf)", s)
}

// FormatFromFilename infers the format from a file name's extension.
func FormatFromFilename(name string) (Format, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatArchive, nil
	case strings.HasSuffix(lower, ".json"):
		return FormatJSON, nil
	case strings.HasSuffix(lower, ".gexf"):
		return FormatGEXF, nil
	}
	return "", fmt.Errorf("cannot infer backup format from %q", name)
}

// BackupManifest describes what a backup artifact contains.
type BackupManifest struct {
	Version      int        `json:"version"`
	BackupType   BackupType `json:"backup_type"`
	OntologyName string     `json:"ontology_name,omitempty"`
	Format       Format     `json:"format"`
	CreatedAt    time.Time  `json:"created_at"`
	Stats        GraphStats `json:"stats"`
}

// Scope returns the graph scope the backup was taken from.
func (m BackupManifest) Scope() Scope {
	if m.BackupType == BackupOntology {
		return OntologyScope(m.OntologyName)
	}
	return FullScope()
}
