package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// Compile-time check that PgIndex implements Index.
var _ Index = (*PgIndex)(nil)

// PgIndex stores entries in Postgres with pgvector cosine search.
type PgIndex struct {
	pool      *pgxpool.Pool
	table     string
	dimension int
}

// NewPgIndex connects to Postgres and ensures the index table exists with
// the configured vector dimension.
func NewPgIndex(ctx context.Context, connString, table string, dimension int) (*PgIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", dimension)
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	idx := &PgIndex{pool: pool, table: table, dimension: dimension}
	if err := idx.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

// Close releases the connection pool.
func (idx *PgIndex) Close() {
	idx.pool.Close()
}

func (idx *PgIndex) ensureSchema(ctx context.Context) error {
	if _, err := idx.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("enabling pgvector extension: %w", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id UUID PRIMARY KEY,
		owner_id TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		embedding vector(%d) NOT NULL,
		image_ref TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT ''
	)`, idx.table, idx.dimension)
	if _, err := idx.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating index table: %w", err)
	}
	if _, err := idx.pool.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_owner_idx ON %s (owner_id, ts)`, idx.table, idx.table)); err != nil {
		return fmt.Errorf("creating owner index: %w", err)
	}
	return nil
}

func (idx *PgIndex) Insert(ctx context.Context, e Entry) error {
	if err := ValidateEmbedding(e.Embedding, idx.dimension); err != nil {
		return err
	}

	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := idx.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, ts, description, embedding, image_ref, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, idx.table),
		id, e.OwnerID, ts, e.Description, pgvector.NewVector(e.Embedding), e.ImageRef, e.Source,
	)
	if err != nil {
		return fmt.Errorf("inserting vector entry: %w", err)
	}
	return nil
}

func (idx *PgIndex) Search(ctx context.Context, q Query) ([]Hit, error) {
	if err := ValidateEmbedding(q.Vector, idx.dimension); err != nil {
		return nil, err
	}
	if q.K <= 0 {
		return nil, fmt.Errorf("candidate pool size must be positive, got %d", q.K)
	}
	limit := q.Limit
	if limit <= 0 || limit > q.K {
		limit = q.K
	}

	where, args := buildFilter(q)
	args = append(args, pgvector.NewVector(q.Vector))
	vecArg := len(args)
	args = append(args, q.K, limit)

	// Inner query takes the K nearest candidates under the filter; the outer
	// LIMIT trims to the display page. Cosine distance -> similarity score.
	sql := fmt.Sprintf(`
		SELECT id, owner_id, ts, description, image_ref, source, score FROM (
			SELECT id, owner_id, ts, description, image_ref, source,
			       1 - (embedding <=> $%d) AS score
			FROM %s
			WHERE %s
			ORDER BY embedding <=> $%d
			LIMIT $%d
		) candidates
		ORDER BY score DESC
		LIMIT $%d`, vecArg, idx.table, where, vecArg, vecArg+1, vecArg+2)

	rows, err := idx.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var score float64
		if err := rows.Scan(&h.ID, &h.OwnerID, &h.Timestamp, &h.Description, &h.ImageRef, &h.Source, &score); err != nil {
			return nil, fmt.Errorf("scanning hit: %w", err)
		}
		h.Score = float32(score)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// buildFilter returns the WHERE clause and its arguments for a query:
// owner term filter plus an optional timestamp range.
func buildFilter(q Query) (string, []any) {
	where := "owner_id = $1"
	args := []any{q.OwnerID}

	if !q.Start.IsZero() {
		args = append(args, q.Start)
		where += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !q.End.IsZero() {
		args = append(args, q.End)
		where += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	return where, args
}

func (idx *PgIndex) DeleteByOwner(ctx context.Context, ownerID string) error {
	_, err := idx.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE owner_id = $1`, idx.table), ownerID)
	if err != nil {
		return fmt.Errorf("deleting entries for owner %s: %w", ownerID, err)
	}
	return nil
}
