// Package search holds the vector subsystem: ingestion of analyzed
// segments into the index and keyword retrieval over it.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/framesight/framesight/internal/objectstore"
	"github.com/framesight/framesight/internal/pipeline"
	"github.com/framesight/framesight/internal/vectorstore"
)

// Embedder produces query and entry embeddings.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, image []byte, caption string) ([]float32, error)
}

// Ingestor consumes dispatched ingest requests and writes index entries.
type Ingestor struct {
	store    objectstore.Store
	index    vectorstore.Index
	embedder Embedder
	logger   *slog.Logger
}

// NewIngestor wires an Ingestor.
func NewIngestor(store objectstore.Store, index vectorstore.Index, embedder Embedder) *Ingestor {
	return &Ingestor{
		store:    store,
		index:    index,
		embedder: embedder,
		logger:   slog.Default(),
	}
}

// Handle is the dispatch entry point.
func (i *Ingestor) Handle(ctx context.Context, payload json.RawMessage) error {
	var req pipeline.IngestRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decoding ingest request: %w", err)
	}
	return i.Ingest(ctx, req)
}

// Ingest embeds the segment's representative frame together with its
// description and inserts one entry. A bad embedding aborts this entry
// only; the index is never partially written.
func (i *Ingestor) Ingest(ctx context.Context, req pipeline.IngestRequest) error {
	if req.Description == "" {
		return fmt.Errorf("ingest for %s: empty description", req.OwnerID)
	}

	var vec []float32
	image, err := i.store.Get(ctx, req.ImageRef)
	switch {
	case err == nil:
		vec, err = i.embedder.EmbedImage(ctx, image, req.Description)
	case errors.Is(err, objectstore.ErrNotFound):
		// The frame may have been cleaned up already; the description alone
		// still makes a searchable entry.
		i.logger.Warn("representative frame missing, embedding text only",
			"owner_id", req.OwnerID, "image_ref", req.ImageRef)
		vec, err = i.embedder.EmbedText(ctx, req.Description)
	default:
		return fmt.Errorf("fetching frame %s: %w", req.ImageRef, err)
	}
	if err != nil {
		return fmt.Errorf("embedding entry for %s: %w", req.OwnerID, err)
	}

	entry := vectorstore.Entry{
		OwnerID:     req.OwnerID,
		Timestamp:   time.Unix(req.Timestamp, 0).UTC(),
		Description: req.Description,
		Embedding:   vec,
		ImageRef:    req.ImageRef,
		Source:      req.Source,
	}
	if err := i.index.Insert(ctx, entry); err != nil {
		return fmt.Errorf("indexing entry for %s: %w", req.OwnerID, err)
	}
	return nil
}
