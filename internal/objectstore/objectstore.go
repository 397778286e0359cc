// Package objectstore provides prefix-addressed blob storage for frame
// batches, plus short-lived signed read URLs for notification payloads and
// search results.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the object storage collaborator. Keys are slash-separated paths;
// a segment's frame batch lives under a single key prefix.
type Store interface {
	// Put writes an object under key.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads the object at key. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes all objects under prefix.
	Delete(ctx context.Context, prefix string) error

	// SignedURL returns a short-lived read URL for key. The URL target is
	// deterministic for a given key; only the expiry and signature query
	// fields vary between calls.
	SignedURL(key string, ttl time.Duration) (string, error)
}
