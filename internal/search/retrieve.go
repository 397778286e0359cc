package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/framesight/framesight/internal/objectstore"
	"github.com/framesight/framesight/internal/vectorstore"
)

const (
	defaultSearchCount  = 20
	defaultDisplayCount = 5
	defaultImageURLTTL  = 10 * time.Minute
)

// Request is one keyword search.
type Request struct {
	OwnerID      string    `json:"owner_id"`
	Keyword      string    `json:"keyword"`
	Start        time.Time `json:"start,omitempty"`
	End          time.Time `json:"end,omitempty"`
	SearchCount  int       `json:"search_count,omitempty"`
	DisplayCount int       `json:"display_count,omitempty"`
	ModelID      string    `json:"model_id,omitempty"`
}

// Result is one returned entry with its frame link already signed.
type Result struct {
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Score       float32   `json:"score"`
	ImageURL    string    `json:"image_url,omitempty"`
	Source      string    `json:"source,omitempty"`
}

// Searcher runs keyword retrieval: optional rewrite, embed, filtered KNN,
// optional rerank. Rewriter and reranker are nil when disabled.
type Searcher struct {
	index    vectorstore.Index
	embedder Embedder
	store    objectstore.Store
	rewriter *Rewriter
	reranker Reranker
	linkTTL  time.Duration
	logger   *slog.Logger
}

// NewSearcher wires a Searcher. rewriter and reranker may be nil; a
// non-positive linkTTL picks the default.
func NewSearcher(index vectorstore.Index, embedder Embedder, store objectstore.Store, rewriter *Rewriter, reranker Reranker, linkTTL time.Duration) *Searcher {
	if linkTTL <= 0 {
		linkTTL = defaultImageURLTTL
	}
	return &Searcher{
		index:    index,
		embedder: embedder,
		store:    store,
		rewriter: rewriter,
		reranker: reranker,
		linkTTL:  linkTTL,
		logger:   slog.Default(),
	}
}

// Search returns up to DisplayCount entries for the keyword. Rewrite and
// rerank failures degrade gracefully to the unprocessed path.
func (s *Searcher) Search(ctx context.Context, req Request) ([]Result, error) {
	if req.Keyword == "" {
		return nil, fmt.Errorf("empty keyword")
	}
	if req.SearchCount <= 0 {
		req.SearchCount = defaultSearchCount
	}
	if req.DisplayCount <= 0 {
		req.DisplayCount = defaultDisplayCount
	}

	keyword := req.Keyword
	if s.rewriter != nil {
		rewritten, err := s.rewriter.Rewrite(ctx, keyword, req.ModelID)
		if err != nil {
			s.logger.Warn("keyword rewrite failed, using original", "error", err)
		} else {
			keyword = rewritten
		}
	}

	vec, err := s.embedder.EmbedText(ctx, keyword)
	if err != nil {
		return nil, fmt.Errorf("embedding keyword: %w", err)
	}

	hits, err := s.index.Search(ctx, vectorstore.Query{
		OwnerID: req.OwnerID,
		Vector:  vec,
		K:       req.SearchCount,
		Limit:   req.DisplayCount,
		Start:   req.Start,
		End:     req.End,
	})
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	// Reranking reorders the returned page against the original keyword; it
	// never changes the candidate set.
	if s.reranker != nil && len(hits) > 1 {
		hits = s.rerank(ctx, req.Keyword, hits)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		res := Result{
			Description: hit.Description,
			Timestamp:   hit.Timestamp,
			Score:       hit.Score,
			Source:      hit.Source,
		}
		if hit.ImageRef != "" {
			url, err := s.store.SignedURL(hit.ImageRef, s.linkTTL)
			if err != nil {
				s.logger.Warn("signing result image failed", "key", hit.ImageRef, "error", err)
			} else {
				res.ImageURL = url
			}
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Searcher) rerank(ctx context.Context, keyword string, hits []vectorstore.Hit) []vectorstore.Hit {
	docs := make([]string, len(hits))
	for i, hit := range hits {
		docs[i] = hit.Description
	}

	order, err := s.reranker.Rerank(ctx, keyword, docs)
	if err != nil {
		s.logger.Warn("rerank failed, keeping similarity order", "error", err)
		return hits
	}

	reordered := make([]vectorstore.Hit, 0, len(hits))
	for _, idx := range order {
		reordered = append(reordered, hits[idx])
	}
	return reordered
}
