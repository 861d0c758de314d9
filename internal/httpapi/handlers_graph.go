package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/migrate"
	"github.com/emergent-company/graphkb/internal/repo"
	"github.com/emergent-company/graphkb/internal/search"
)

type documentRequest struct {
	GraphID  string        `json:"graphId"`
	UserID   string        `json:"userId"`
	Document repo.Document `json:"document"`
}

// handleUpsertDocument embeds the document content and upserts the
// node. Embedding failures degrade to an un-embedded document rather
// than failing the write; the node stays searchable by id and listing.
func (s *Server) handleUpsertDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenant, err := tenantOf(r, req.GraphID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	doc := req.Document
	if text := doc.Title + "\n" + doc.Content; doc.Content != "" {
		vectors, err := s.embedder.Embed(r.Context(), []string{text}, search.KindDocument)
		if err != nil {
			s.logger.Warn("document embedding failed; storing without vector",
				"doc_id", doc.ID, "error", err)
		} else if len(vectors) == 1 {
			doc.Embedding = vectors[0]
			doc.EmbeddingModel = s.cfg.Embedding.Model
		}
	}

	result, err := s.repo.UpsertDocument(r.Context(), tenant, &doc, s.principal(r, req.UserID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

type epicSyncRequest struct {
	GraphID string        `json:"graphId"`
	UserID  string        `json:"userId"`
	Epic    *repo.Epic    `json:"epic,omitempty"`
	Sprints []repo.Sprint `json:"sprints,omitempty"`
	Tasks   []repo.Task   `json:"tasks,omitempty"`
}

// handleEpicSync is the deprecated bulk sync path; the document upsert
// endpoint supersedes it. It still works, but every response carries
// the deprecation headers so clients can migrate.
func (s *Server) handleEpicSync(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Deprecation", "true")
	w.Header().Set("Sunset", "Sat, 28 Feb 2026 00:00:00 GMT")
	w.Header().Set("Link", `</api/v1/graph/documents>; rel="successor-version"`)

	var req epicSyncRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenant, err := tenantOf(r, req.GraphID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	principal := s.principal(r, req.UserID)

	counts := map[string]int{"epics": 0, "sprints": 0, "tasks": 0}
	if req.Epic != nil {
		if _, err := s.repo.UpsertEpic(r.Context(), tenant, req.Epic, principal); err != nil {
			s.writeError(w, r, err)
			return
		}
		counts["epics"]++
	}
	for i := range req.Sprints {
		if _, err := s.repo.UpsertSprint(r.Context(), tenant, &req.Sprints[i], principal); err != nil {
			s.writeError(w, r, err)
			return
		}
		counts["sprints"]++
	}
	for i := range req.Tasks {
		if _, err := s.repo.UpsertTask(r.Context(), tenant, &req.Tasks[i], principal); err != nil {
			s.writeError(w, r, err)
			return
		}
		counts["tasks"]++
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": counts})
}

type nextTaskRequest struct {
	GraphID string `json:"graphId"`
	TaskID  string `json:"taskId"`
}

// handleSetNextTask repoints the sprint's NEXT_TASK marker. The
// session-start current-task rule reads the marker before falling back
// to insertion order.
func (s *Server) handleSetNextTask(w http.ResponseWriter, r *http.Request) {
	var req nextTaskRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenant, err := tenantOf(r, req.GraphID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TaskID == "" {
		s.writeError(w, r, apperr.Validation("taskId is required"))
		return
	}
	sprintID := chi.URLParam(r, "id")
	if err := s.repo.SetNextTask(r.Context(), tenant, sprintID, req.TaskID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sprintId": sprintID, "nextTaskId": req.TaskID})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	nodes, err := s.repo.ListNodes(r.Context(), tenant, repo.ListFilters{
		Label:  r.URL.Query().Get("label"),
		Status: r.URL.Query().Get("status"),
		Tags:   queryList(r, "tags"),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	node, err := s.repo.MustGetNode(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.repo.SoftDelete(r.Context(), tenant, chi.URLParam(r, "id"), s.principal(r, r.URL.Query().Get("userId"))); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleNodeGraph(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	nodes, rels, err := s.repo.NodeGraph(r.Context(), tenant, chi.URLParam(r, "id"), queryInt(r, "depth", 1))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "relationships": rels})
}

func (s *Server) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rels, err := s.repo.ListRelationships(r.Context(), tenant, chi.URLParam(r, "id"), r.URL.Query().Get("direction"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relationships": rels, "count": len(rels)})
}

type relationshipRequest struct {
	GraphID    string         `json:"graphId"`
	FromID     string         `json:"fromId"`
	ToID       string         `json:"toId"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (s *Server) handleCreateRelationship(w http.ResponseWriter, r *http.Request) {
	var req relationshipRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenant, err := tenantOf(r, req.GraphID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.repo.CreateRelationship(r.Context(), tenant, req.FromID, req.ToID, req.Type, req.Properties)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]bool{"created": created})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	query := r.URL.Query().Get("q")
	results, err := s.search.Search(r.Context(), tenant, query, search.Options{
		Label:  r.URL.Query().Get("label"),
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 0),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

// handleCleanup runs title and duplicate cleanup. Apply mode is gated
// inside the runner: confirm token plus admin allowlist.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	action := r.URL.Query().Get("action")
	if action == "" {
		action = migrate.ActionAll
	}
	report, err := s.migrator.Cleanup(r.Context(), tenant,
		s.principal(r, r.URL.Query().Get("userId")),
		action, queryBool(r, "dryRun"), r.URL.Query().Get("confirm"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleMigrations(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GraphID string `json:"graphId"`
		DryRun  bool   `json:"dryRun"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenant, err := tenantOf(r, req.GraphID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.migrator.RunBackfills(r.Context(), tenant, req.DryRun)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// principal resolves the acting identity: the request's explicit
// userId when given, else the bearer token subject. User resolution
// beyond this is the identity collaborator's concern.
func (s *Server) principal(r *http.Request, userID string) string {
	if userID != "" {
		return userID
	}
	return TokenFrom(r.Context())
}
