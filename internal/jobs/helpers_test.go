package jobs

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, *MemoryRepository, *Publisher) {
	t.Helper()
	repo := NewMemoryRepository()
	pub := NewPublisher(16, quietLogger())
	opts = append([]StoreOption{WithLogger(quietLogger())}, opts...)
	return NewStore(repo, pub, opts...), repo, pub
}

// runningJob creates a job of kind and moves it to running.
func runningJob(t *testing.T, s *Store, kind Kind) Job {
	t.Helper()
	ctx := context.Background()
	job, err := s.Create(ctx, CreateParams{Kind: kind})
	require.NoError(t, err)
	job, err = s.Transition(ctx, job.ID, StatusRunning, Outcome{})
	require.NoError(t, err)
	return job
}

func waitForStatus(t *testing.T, s *Store, id string, want Status) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = s.Get(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}
