// Package models defines the graph entities, scopes and backup manifests
// shared across graphkeeper packages.
package models

import (
	"fmt"
	"strings"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// RecordIDString safely extracts the string ID from a SurrealDB RecordID.
// Returns an error if the ID is not a string type.
func RecordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected ID type: %T (expected string)", id.ID)
	}
	return s, nil
}

// RecordIDs builds SurrealDB record references for a batch of string IDs.
func RecordIDs(table string, ids []string) []surrealmodels.RecordID {
	out := make([]surrealmodels.RecordID, 0, len(ids))
	for _, id := range ids {
		out = append(out, surrealmodels.NewRecordID(table, id))
	}
	return out
}

// Slugify lowercases s and keeps only [a-z0-9], joining the remaining
// words with single dashes. Used for backup file names and entity IDs, so
// "Cell Membrane", "cell_membrane" and " cell-membrane " agree.
func Slugify(s string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		case r == ' ' || r == '_' || r == '-' || r == '\t':
			pendingDash = true
		}
	}
	return b.String()
}
