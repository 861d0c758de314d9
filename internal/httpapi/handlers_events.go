package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/emergent-company/graphkb/internal/events"
	"github.com/emergent-company/graphkb/internal/synth"
	"github.com/emergent-company/graphkb/internal/verify"
)

type appendEventRequest struct {
	GraphID string       `json:"graphId"`
	Event   events.Event `json:"event"`
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenant, err := tenantOf(r, req.GraphID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, created, err := s.store.Append(r.Context(), tenant, &req.Event)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, ev)
}

// handleStream is the long-poll tail. The request context carries the
// client abort signal, so a dropped connection ends the hold within
// one poll interval.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.streamer.Stream(r.Context(), tenant, events.StreamRequest{
		Since:      r.URL.Query().Get("since"),
		Limit:      queryInt(r, "limit", 0),
		Timeout:    time.Duration(queryInt(r, "timeout", 0)) * time.Second,
		Categories: queryList(r, "categories"),
		AgentID:    r.URL.Query().Get("agent_id"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type dlqEnqueueRequest struct {
	GraphID       string       `json:"graphId"`
	OriginalEvent events.Event `json:"originalEvent"`
	FailureReason string       `json:"failureReason"`
}

func (s *Server) handleDLQEnqueue(w http.ResponseWriter, r *http.Request) {
	var req dlqEnqueueRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenant, err := tenantOf(r, req.GraphID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.queue.Enqueue(r.Context(), tenant, &req.OriginalEvent, req.FailureReason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.queue.List(r.Context(), tenant, r.URL.Query().Get("status"), queryInt(r, "limit", 0))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.queue.Get(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleDLQRetry always answers 200 for event-level outcomes: the
// success flag and error string in the body carry the result, per the
// queue's contract. Only lookup and store failures use error statuses.
func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.queue.Retry(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type verifyRequest struct {
	GraphID  string             `json:"graphId"`
	Criteria []verify.Criterion `json:"criteria"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenant, err := tenantOf(r, req.GraphID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.verifier.Verify(r.Context(), tenant, chi.URLParam(r, "id"), req.Criteria)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type overrideRequest struct {
	GraphID string `json:"graphId"`
	UserID  string `json:"userId"`
	Reason  string `json:"reason"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenant, err := tenantOf(r, req.GraphID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.verifier.Override(r.Context(), tenant, chi.URLParam(r, "id"), s.principal(r, req.UserID), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.synth.SessionStart(r.Context(), tenant, synth.SessionStartRequest{
		UserID:        s.principal(r, r.URL.Query().Get("userId")),
		SprintID:      r.URL.Query().Get("sprintId"),
		EventLimit:    queryInt(r, "eventLimit", 0),
		TeamEventDays: queryInt(r, "teamEventDays", 0),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStrategicContext(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.synth.StrategicContext(r.Context(), tenant, synth.StrategicContextRequest{
		UserID: s.principal(r, r.URL.Query().Get("userId")),
		Tags:   queryList(r, "tags"),
		Limit:  queryInt(r, "limit", 0),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
