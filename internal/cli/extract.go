package cli

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/raphaelgruber/graphkeeper/internal/extract"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/spf13/cobra"
)

func newExtractCmd(a *app) *cobra.Command {
	var (
		ontology string
		detach   bool
	)

	cmd := &cobra.Command{
		Use:   "extract <path>...",
		Short: "Extract concepts from Markdown files",
		Long: `Send Markdown files to the server and extract them into an ontology.
Document titles and [[wiki links]] become concepts; frontmatter "concepts"
are tagged onto the document's concept. Directories are searched for .md
files recursively.

Examples:
  graphkeeper extract --ontology biology notes/cell.md
  graphkeeper extract --ontology biology ./notes`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := collectDocuments(args)
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				return fmt.Errorf("no Markdown files found")
			}
			return a.runExtract(cmd, extract.Request{Ontology: ontology, Documents: docs}, detach)
		},
	}

	cmd.Flags().StringVar(&ontology, "ontology", "", "ontology to extract into (required)")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return once the job is submitted")
	_ = cmd.MarkFlagRequired("ontology")
	return cmd
}

// collectDocuments reads the given files and every .md file below the
// given directories. Names are kept relative to the argument they came from.
func collectDocuments(paths []string) ([]extract.Input, error) {
	var docs []extract.Input
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			content, err := os.ReadFile(p)
			if err != nil {
				return nil, err
			}
			docs = append(docs, extract.Input{Name: filepath.Base(p), Content: string(content)})
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
				return nil
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(p, path)
			if err != nil {
				return err
			}
			docs = append(docs, extract.Input{Name: filepath.ToSlash(rel), Content: string(content)})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
	}
	return docs, nil
}

func (a *app) runExtract(cmd *cobra.Command, req extract.Request, detach bool) error {
	w := cmd.OutOrStdout()

	accepted, err := a.client.Extract(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("submit extraction: %w", err)
	}
	fmt.Fprintf(w, "Extraction job %s submitted (%d documents)\n", accepted.JobID, len(req.Documents))
	if detach {
		fmt.Fprintf(w, "Use 'graphkeeper jobs watch %s' to follow it.\n", accepted.JobID)
		return nil
	}

	job, finished, err := a.follow(cmd, accepted.JobID)
	if err != nil || !finished {
		return err
	}
	var result extract.Result
	if err := jobs.FromMap(job.Result, &result); err != nil {
		return fmt.Errorf("decode extraction result: %w", err)
	}
	fmt.Fprintf(w, "\nExtracted %d documents into %s:\n", result.Documents, req.Ontology)
	fmt.Fprintf(w, "  Concepts:      %d\n", result.Concepts)
	fmt.Fprintf(w, "  Instances:     %d\n", result.Instances)
	fmt.Fprintf(w, "  Relationships: %d\n", result.Relationships)
	return nil
}
