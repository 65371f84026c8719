package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/graphkeeper/internal/jobs"
)

// Update is one observed job state. Terminal updates are delivered once
// and are the last value on the channel.
type Update struct {
	Job      jobs.Job
	Terminal bool
	// Source is "sse" or "poll".
	Source string
	// Err is set on a terminal update when the job could not be followed
	// any further, e.g. it disappeared or the server stayed unreachable.
	Err error
}

// JobFailedError is returned by Wait for jobs that failed or were
// cancelled. Its message is the error stored on the job, verbatim.
type JobFailedError struct {
	Job jobs.Job
}

func (e *JobFailedError) Error() string {
	if e.Job.Error != "" {
		return e.Job.Error
	}
	return fmt.Sprintf("job %s %s", e.Job.ID, e.Job.Status)
}

// Code returns the job's error code.
func (e *JobFailedError) Code() jobs.ErrorCode { return e.Job.ErrorCode }

// Tracker defaults.
const (
	DefaultPollInterval     = time.Second
	DefaultWatchdogInterval = 15 * time.Second
	DefaultMaxPollFailures  = 10
)

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithPollInterval sets the polling rate used once SSE is unavailable.
func WithPollInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.pollInterval = d }
}

// WithWatchdogInterval sets the slow poll that runs alongside SSE to catch
// a stream that went quiet without failing.
func WithWatchdogInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.watchdogInterval = d }
}

// WithPollingOnly skips SSE entirely.
func WithPollingOnly() TrackerOption {
	return func(t *Tracker) { t.pollingOnly = true }
}

// WithMaxPollFailures bounds consecutive failed polls before giving up.
func WithMaxPollFailures(n int) TrackerOption {
	return func(t *Tracker) { t.maxPollFailures = n }
}

// WithTrackerLogger sets the logger for transport switches.
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// Tracker follows a job until it reaches a terminal state. It listens on
// the event stream and falls back to polling when the stream cannot be
// opened or breaks; whichever transport sees the terminal state first
// settles the job.
type Tracker struct {
	client           *Client
	pollInterval     time.Duration
	watchdogInterval time.Duration
	maxPollFailures  int
	pollingOnly      bool
	logger           *slog.Logger
}

// NewTracker creates a tracker over c.
func NewTracker(c *Client, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		client:           c,
		pollInterval:     DefaultPollInterval,
		watchdogInterval: DefaultWatchdogInterval,
		maxPollFailures:  DefaultMaxPollFailures,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track returns a channel of job updates ordered by Seq without
// duplicates. The channel is closed after the terminal update, or without
// one when ctx is cancelled.
func (t *Tracker) Track(ctx context.Context, jobID string) <-chan Update {
	out := make(chan Update, 16)
	ctx, cancel := context.WithCancel(ctx)

	in := make(chan Update)
	fallback := make(chan struct{})

	if t.pollingOnly {
		close(fallback)
	} else {
		go t.stream(ctx, jobID, in, fallback)
	}
	go t.poll(ctx, jobID, in, fallback)

	go func() {
		defer close(out)
		defer cancel()

		var lastSeq int64
		for {
			var u Update
			select {
			case <-ctx.Done():
				return
			case u = <-in:
			}
			if u.Err == nil {
				if u.Job.Seq <= lastSeq {
					continue
				}
				lastSeq = u.Job.Seq
				u.Terminal = u.Job.Status.IsTerminal()
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
			if u.Terminal {
				return
			}
		}
	}()
	return out
}

// send hands an update to the settling loop unless tracking has ended.
func send(ctx context.Context, in chan<- Update, u Update) bool {
	select {
	case in <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Tracker) stream(ctx context.Context, jobID string, in chan<- Update, fallback chan<- struct{}) {
	defer close(fallback)
	err := t.client.StreamEvents(ctx, jobID, func(ev Event) error {
		if !send(ctx, in, Update{Job: ev.Job, Source: "sse"}) {
			return ctx.Err()
		}
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		t.logger.Debug("event stream unavailable, polling", "job_id", jobID, "error", err)
	}
}

func (t *Tracker) poll(ctx context.Context, jobID string, in chan<- Update, fallback <-chan struct{}) {
	interval := t.watchdogInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-fallback:
			fallback = nil
			interval = t.pollInterval
			timer.Reset(0)
			continue
		case <-timer.C:
		}

		job, err := t.client.GetJob(ctx, jobID)
		switch {
		case ctx.Err() != nil:
			return
		case IsNotFound(err):
			send(ctx, in, Update{Terminal: true, Source: "poll", Err: err})
			return
		case err != nil:
			failures++
			t.logger.Debug("poll failed", "job_id", jobID, "attempt", failures, "error", err)
			if t.maxPollFailures > 0 && failures >= t.maxPollFailures {
				send(ctx, in, Update{Terminal: true, Source: "poll",
					Err: fmt.Errorf("lost track of job %s after %d failed polls: %w", jobID, failures, err)})
				return
			}
		default:
			failures = 0
			if !send(ctx, in, Update{Job: job, Source: "poll"}) {
				return
			}
		}
		timer.Reset(interval)
	}
}

// Wait follows a job to completion. Failed and cancelled jobs return a
// *JobFailedError along with the final job state.
func (t *Tracker) Wait(ctx context.Context, jobID string) (jobs.Job, error) {
	var last Update
	for u := range t.Track(ctx, jobID) {
		last = u
	}
	if !last.Terminal {
		if err := ctx.Err(); err != nil {
			return last.Job, err
		}
		return last.Job, fmt.Errorf("tracking of job %s ended early", jobID)
	}
	if last.Err != nil {
		return last.Job, last.Err
	}
	if last.Job.Status != jobs.StatusCompleted {
		return last.Job, &JobFailedError{Job: last.Job}
	}
	return last.Job, nil
}
