package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/framesight/framesight/internal/secrets"
)

// Reranker reorders documents by relevance to a query. It returns document
// indices in their new order and never adds or removes candidates.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]int, error)
}

// HTTPReranker calls a hosted cross-encoder rerank endpoint.
type HTTPReranker struct {
	url     string
	secrets secrets.Store
	client  *http.Client
}

// NewHTTPReranker creates a reranker against url.
func NewHTTPReranker(url string, sec secrets.Store) *HTTPReranker {
	return &HTTPReranker{
		url:     url,
		secrets: sec,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float32 `json:"relevance_score"`
	} `json:"results"`
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, docs []string) ([]int, error) {
	body, err := json.Marshal(rerankRequest{
		Query:     query,
		Documents: docs,
		TopN:      len(docs),
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key, err := r.secrets.Get(secrets.RerankAPIKey); err == nil && key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling rerank endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rerank endpoint returned status %d: %s", resp.StatusCode, msg)
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding rerank response: %w", err)
	}
	if len(out.Results) != len(docs) {
		return nil, fmt.Errorf("rerank returned %d results for %d documents", len(out.Results), len(docs))
	}

	order := make([]int, 0, len(out.Results))
	seen := make(map[int]bool, len(out.Results))
	for _, res := range out.Results {
		if res.Index < 0 || res.Index >= len(docs) || seen[res.Index] {
			return nil, fmt.Errorf("rerank returned invalid index %d", res.Index)
		}
		seen[res.Index] = true
		order = append(order, res.Index)
	}
	return order, nil
}
