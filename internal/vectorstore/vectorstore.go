// Package vectorstore is the approximate nearest-neighbor index over
// per-segment embeddings. Entries are tagged with owner and timestamp so
// KNN queries can be tenant-filtered and time-bounded.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBadEmbedding is returned when an entry's embedding is absent or does
// not match the index's configured dimension. The entry is rejected; the
// index itself is never left partially written.
var ErrBadEmbedding = errors.New("absent or malformed embedding")

// Entry is one indexed frame description.
type Entry struct {
	ID          string
	OwnerID     string
	Timestamp   time.Time
	Description string
	Embedding   []float32
	ImageRef    string // object-store key of the representative frame
	Source      string // source descriptor (stream name or file key)
}

// Hit is an Entry returned by a KNN query, with its similarity score.
type Hit struct {
	Entry
	Score float32
}

// Query is a filtered KNN request. Start/End bound the entry timestamp when
// non-zero.
type Query struct {
	OwnerID string
	Vector  []float32
	K       int // candidate pool size
	Limit   int // returned page size
	Start   time.Time
	End     time.Time
}

// Index is the vector search engine collaborator.
type Index interface {
	// Insert adds one entry. Returns ErrBadEmbedding if the vector is
	// missing or has the wrong dimension.
	Insert(ctx context.Context, e Entry) error

	// Search runs a filtered KNN query and returns up to q.Limit hits
	// ordered by similarity descending.
	Search(ctx context.Context, q Query) ([]Hit, error)

	// DeleteByOwner removes all entries for an owner.
	DeleteByOwner(ctx context.Context, ownerID string) error
}

// ValidateEmbedding checks a vector against the configured dimension.
func ValidateEmbedding(vec []float32, dimension int) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrBadEmbedding)
	}
	if len(vec) != dimension {
		return fmt.Errorf("%w: got dimension %d, index expects %d", ErrBadEmbedding, len(vec), dimension)
	}
	return nil
}
