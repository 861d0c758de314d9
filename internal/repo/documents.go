package repo

import (
	"context"

	"github.com/emergent-company/graphkb/internal/apperr"
	"github.com/emergent-company/graphkb/internal/graph"
)

// Document is the generic payload for the document-upload path: ADRs,
// PRDs, charters, principles, context modules, patterns, and gotchas,
// plus structural entities when uploaded as documents.
type Document struct {
	ID              string    `json:"id"`
	Label           string    `json:"label"`
	Title           string    `json:"title"`
	Content         string    `json:"content,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	Category        string    `json:"category,omitempty"`
	Status          string    `json:"status,omitempty"`
	Confidence      string    `json:"confidence,omitempty"`
	ConfidenceScore int64     `json:"confidenceScore,omitempty"`
	Severity        string    `json:"severity,omitempty"`
	Embedding       []float32 `json:"-"`
	EmbeddingModel  string    `json:"-"`
}

var confidenceLevels = map[string]struct{}{"": {}, "low": {}, "medium": {}, "high": {}}
var severityLevels = map[string]struct{}{"": {}, "critical": {}, "high": {}, "medium": {}, "low": {}}

// documentLabels narrows the interpolation whitelist to the labels the
// upload path may create: internal record types (Event, User,
// DeadLetterEntry, ...) are valid query labels but not documents.
var documentLabels = func() map[string]struct{} {
	set := make(map[string]struct{}, len(graph.DocumentLabels))
	for _, label := range graph.DocumentLabels {
		set[label] = struct{}{}
	}
	return set
}()

// UpsertDocument creates or updates a document node of any whitelisted
// label. The embedding, when present, is stored alongside the content
// so the vector index can serve semantic search.
func (r *Repository) UpsertDocument(ctx context.Context, tenant string, doc *Document, principal string) (*UpsertResult, error) {
	if doc.ID == "" {
		return nil, apperr.Validation("document id is required")
	}
	if doc.Title == "" {
		return nil, apperr.Validation("document title is required")
	}
	if _, ok := documentLabels[doc.Label]; !ok {
		return nil, apperr.Validation("unknown document label %q", doc.Label)
	}
	if _, ok := confidenceLevels[doc.Confidence]; !ok {
		return nil, apperr.Validation("invalid confidence %q", doc.Confidence)
	}
	if _, ok := severityLevels[doc.Severity]; !ok {
		return nil, apperr.Validation("invalid severity %q", doc.Severity)
	}
	if doc.ConfidenceScore < 0 || doc.ConfidenceScore > 100 {
		return nil, apperr.Validation("confidenceScore must be in [0,100], got %d", doc.ConfidenceScore)
	}

	props := map[string]any{
		"title": doc.Title,
	}
	setIfNonEmpty(props, "content", doc.Content)
	setIfNonEmpty(props, "summary", doc.Summary)
	setIfNonEmpty(props, "category", doc.Category)
	setIfNonEmpty(props, "status", doc.Status)
	setIfNonEmpty(props, "confidence", doc.Confidence)
	setIfNonEmpty(props, "severity", doc.Severity)
	setStrings(props, "tags", doc.Tags)
	if doc.ConfidenceScore > 0 {
		props["confidenceScore"] = doc.ConfidenceScore
	}
	if len(doc.Embedding) > 0 {
		embedding := make([]any, len(doc.Embedding))
		for i, f := range doc.Embedding {
			embedding[i] = float64(f)
		}
		props["embedding"] = embedding
		setIfNonEmpty(props, "embedding_model", doc.EmbeddingModel)
	}

	result := &UpsertResult{ID: doc.ID}
	err := r.q.WithWriteTx(ctx, func(tx graph.Tx) error {
		created, err := r.upsertNode(ctx, tx, doc.Label, tenant, doc.ID, principal, props)
		if err != nil {
			return err
		}
		result.Created = created
		if created {
			result.NodesCreated = 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
