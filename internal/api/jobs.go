package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
)

// JobList is the body of GET /api/jobs.
type JobList struct {
	Jobs  []jobs.Job `json:"jobs"`
	Count int        `json:"count"`
}

// ApproveRequest is the optional body of POST /api/jobs/:id/approve.
type ApproveRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) listJobs(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		fail(c, err)
		return
	}
	list, err := s.deps.Jobs.Store().List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	c.JSON(http.StatusOK, JobList{Jobs: list, Count: len(list)})
}

// parseFilter reads ?status=a,b&kind=c&limit=n.
func parseFilter(c *gin.Context) (jobs.Filter, error) {
	var f jobs.Filter
	for _, raw := range splitList(c.Query("status")) {
		st, err := jobs.ParseStatus(raw)
		if err != nil {
			return f, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		f.Statuses = append(f.Statuses, st)
	}
	for _, raw := range splitList(c.Query("kind")) {
		k := jobs.Kind(raw)
		if !k.Valid() {
			return f, fmt.Errorf("%w: %q", jobs.ErrUnknownKind, raw)
		}
		f.Kinds = append(f.Kinds, k)
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: limit must be a non-negative integer", ErrBadRequest)
		}
		f.Limit = n
	}
	return f, nil
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.deps.Jobs.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) approveJob(c *gin.Context) {
	var req ApproveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
			return
		}
	}
	job, err := s.deps.Jobs.Approve(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c *gin.Context) {
	job, err := s.deps.Jobs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// jobEvents streams job changes as server-sent events. The current state
// is sent first; the stream ends after the terminal event. A subscriber
// that falls behind is disconnected and resyncs by polling.
func (s *Server) jobEvents(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	// Subscribe before reading so no change falls between the two.
	sub := s.deps.Events.Subscribe(id)
	defer s.deps.Events.Unsubscribe(sub)

	job, err := s.deps.Jobs.Store().Get(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	last := job.Seq
	send := func(ev jobs.Event) {
		c.Render(-1, sse.Event{
			Id:    strconv.FormatInt(ev.Job.Seq, 10),
			Event: string(ev.Type),
			Data:  ev.Job,
		})
		c.Writer.Flush()
	}
	send(jobs.EventFor(job))
	if job.Status.IsTerminal() {
		return
	}

	heartbeat := time.NewTicker(s.deps.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				// Dropped as a slow subscriber, or the job ended: flush
				// whatever the latest state is and let the client poll.
				if latest, err := s.deps.Jobs.Store().Get(ctx, id); err == nil && latest.Seq > last {
					send(jobs.EventFor(latest))
				}
				return
			}
			if ev.Job.Seq <= last {
				continue
			}
			last = ev.Job.Seq
			send(ev)
			if ev.Terminal() {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
