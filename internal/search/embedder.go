// Package search provides the embedding provider client and the
// vector-index semantic search over graph nodes.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind distinguishes query embeddings from document embeddings; some
// providers encode the distinction in the request.
type Kind string

const (
	KindQuery    Kind = "query"
	KindDocument Kind = "document"
)

// Embedder turns texts into fixed-length float vectors. Implementations
// must be safe for concurrent use; one long-lived instance is shared
// across requests.
type Embedder interface {
	Embed(ctx context.Context, texts []string, kind Kind) ([][]float32, error)
	Dimensions() int
}

// HTTPEmbedder calls an OpenAI-style /embeddings endpoint. The shared
// http.Client pools connections across requests; transient failures are
// retried with exponential backoff.
type HTTPEmbedder struct {
	url        string
	apiKey     string
	model      string
	dimensions int
	client     *http.Client
	logger     *slog.Logger
}

// NewHTTPEmbedder creates the provider client.
func NewHTTPEmbedder(url, apiKey, model string, dimensions int, logger *slog.Logger) *HTTPEmbedder {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &HTTPEmbedder{
		url:        url,
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		client: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
		logger: logger,
	}
}

// Dimensions returns the configured vector length.
func (e *HTTPEmbedder) Dimensions() int { return e.dimensions }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order. The same
// text always yields the same vector for a given model, which callers
// rely on for cache keys.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string, kind Kind) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var vectors [][]float32
	operation := func() error {
		v, err := e.callOnce(ctx, texts)
		if err != nil {
			return err
		}
		vectors = v
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	notify := func(err error, wait time.Duration) {
		e.logger.Warn("embedding request failed; retrying",
			"kind", string(kind), "backoff", wait, "error", err)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	return vectors, nil
}

func (e *HTTPEmbedder) callOnce(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("embedding provider returned %d: %s", resp.StatusCode, payload)
		// Rate limits and server errors are transient; everything else
		// (bad request, bad key) will not improve with retries.
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, backoff.Permanent(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(parsed.Data)))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, backoff.Permanent(fmt.Errorf("embedding index %d out of range", d.Index))
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
