package events

import (
	"context"
	"time"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/config"
)

// StreamRequest is a long-poll tail of the event log.
type StreamRequest struct {
	Since      string
	Limit      int
	Timeout    time.Duration
	Categories []string
	AgentID    string
}

// StreamResponse carries the tailed events and the cursor for the next
// call.
type StreamResponse struct {
	Events         []Event `json:"events"`
	HasMore        bool    `json:"hasMore"`
	LastEventID    string  `json:"lastEventId,omitempty"`
	PollDurationMs int64   `json:"pollDurationMs"`
}

// Streamer serves long-poll reads over a Store.
type Streamer struct {
	store *Store
	cfg   config.StreamConfig
}

// NewStreamer creates a Streamer.
func NewStreamer(store *Store, cfg config.StreamConfig) *Streamer {
	return &Streamer{store: store, cfg: cfg}
}

// Stream returns matching events immediately when any exist; otherwise
// it holds the connection, polling at the configured interval, until
// events appear, the timeout budget elapses, or the caller's context
// is cancelled. Cancellation costs at most one poll interval of
// latency. Intermittent store errors are absorbed until the budget
// elapses; only a poll that ends with a persistent error and no events
// surfaces it.
func (s *Streamer) Stream(ctx context.Context, tenant string, req StreamRequest) (*StreamResponse, error) {
	limit := req.Limit
	if limit < 1 || limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}
	timeout := req.Timeout
	if timeout < 0 || timeout > s.cfg.MaxTimeout {
		timeout = s.cfg.MaxTimeout
	}

	var afterTS string
	if req.Since != "" {
		ts, err := s.store.timestampOf(ctx, tenant, req.Since)
		if err != nil {
			return nil, err
		}
		afterTS = ts
	}

	started := time.Now()
	deadline := started.Add(timeout)
	var lastErr error

	for {
		evs, hasMore, err := s.fetch(ctx, tenant, afterTS, req, limit)
		if err != nil {
			lastErr = err
		} else if len(evs) > 0 {
			return s.respond(evs, hasMore, started), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return nil, apperr.Unavailable(lastErr, "event stream poll failed")
			}
			return s.respond(nil, false, started), nil
		}

		wait := s.cfg.PollInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			// Client went away; return what we have promptly.
			return s.respond(nil, false, started), nil
		case <-timer.C:
		}
	}
}

// fetch asks for limit+1 rows so truncation is detectable.
func (s *Streamer) fetch(ctx context.Context, tenant, afterTS string, req StreamRequest, limit int) ([]Event, bool, error) {
	var evs []Event
	var err error
	if req.Since != "" {
		evs, err = s.store.listAfter(ctx, tenant, afterTS, req.Categories, req.AgentID, limit+1)
	} else {
		evs, err = s.store.listLatest(ctx, tenant, req.Categories, req.AgentID, limit+1)
	}
	if err != nil {
		return nil, false, err
	}
	if len(evs) > limit {
		if req.Since != "" {
			evs = evs[:limit]
		} else {
			// Latest-mode over-fetch drops the oldest entry to keep the
			// most recent limit in chronological order.
			evs = evs[len(evs)-limit:]
		}
		return evs, true, nil
	}
	return evs, false, nil
}

func (s *Streamer) respond(evs []Event, hasMore bool, started time.Time) *StreamResponse {
	resp := &StreamResponse{
		Events:         evs,
		HasMore:        hasMore,
		PollDurationMs: time.Since(started).Milliseconds(),
	}
	if resp.Events == nil {
		resp.Events = []Event{}
	}
	if len(evs) > 0 {
		resp.LastEventID = evs[len(evs)-1].ID
	}
	return resp
}
