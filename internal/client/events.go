package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/raphaelgruber/graphkeeper/internal/jobs"
)

// Event is one server-sent job event.
type Event struct {
	Type jobs.EventType
	Job  jobs.Job
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type != jobs.EventProgress
}

// StreamEvents subscribes to a job's event stream and calls fn for each
// event until a terminal event, the end of the stream, an error from fn,
// or ctx cancellation. A clean end of stream without a terminal event
// returns io.ErrUnexpectedEOF.
func (c *Client) StreamEvents(ctx context.Context, jobID string, fn func(Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return fmt.Errorf("open event stream: unexpected content type %q", ct)
	}
	return readEvents(ctx, resp.Body, fn)
}

// readEvents parses an SSE body. Lines are accumulated into an event
// until a blank line; comment lines (heartbeats) are skipped.
func readEvents(ctx context.Context, r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)

	var (
		eventType string
		data      strings.Builder
	)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() == 0 {
				eventType = ""
				continue
			}
			ev := Event{Type: jobs.EventType(eventType)}
			if ev.Type == "" {
				ev.Type = jobs.EventProgress
			}
			if err := json.Unmarshal([]byte(data.String()), &ev.Job); err != nil {
				return fmt.Errorf("decode %s event: %w", ev.Type, err)
			}
			eventType = ""
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
			if ev.Terminal() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
			continue
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				eventType = value
			case "data":
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(value)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("read event stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}
