package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for database operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrRecordExists indicates a record with the same ID already exists.
	ErrRecordExists = errors.New("record already exists")

	// ErrTransactionConflict indicates concurrent transactions touched the
	// same records. The transaction was rolled back and can be retried.
	ErrTransactionConflict = errors.New("transaction conflict")
)

// conflictRetries bounds how often exec re-runs a conflicting transaction.
const conflictRetries = 3

// wrapQueryError wraps known SurrealDB query errors with a sentinel.
// Other errors are returned unchanged.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}
	var queryErr *surrealdb.QueryError
	if !errors.As(err, &queryErr) {
		return err
	}
	switch msg := queryErr.Message; {
	case strings.Contains(msg, "already exists"):
		return fmt.Errorf("%w: %s", ErrRecordExists, msg)
	case strings.Contains(msg, "Transaction conflict"), strings.Contains(msg, "transaction conflict"):
		return fmt.Errorf("%w: %s", ErrTransactionConflict, msg)
	}
	return err
}

// exec runs a write transaction, retrying it with a short backoff when it
// loses a transaction conflict. Writes here are idempotent upserts or
// whole-scope replacements, so a retry cannot apply twice.
func (c *Client) exec(ctx context.Context, sql string, vars map[string]any) error {
	delay := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		_, err := surrealdb.Query[any](ctx, c.db, sql, vars)
		err = wrapQueryError(err)
		if !errors.Is(err, ErrTransactionConflict) || attempt == conflictRetries {
			return err
		}
		c.logger.Warn("retrying conflicting transaction", "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}
