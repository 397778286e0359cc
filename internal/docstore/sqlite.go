// Package docstore is the key-value/document store backing the segment
// store and the QA history store. Rows are partitioned by owner and
// addressed by a composite sort key, with range queries by sort-key prefix.
package docstore

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding segment results and chat history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "framesight.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// --- Segment results ---

// PutSegmentResult persists one segment's analysis output.
func (s *Store) PutSegmentResult(r SegmentResult) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO segment_results (owner_id, sort_key, task_id, segment_time, source, folder_path, frame_result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.OwnerID, r.SortKey(), r.TaskID, r.SegmentTime, r.Source, r.FolderPath, r.FrameResult,
		createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting segment result %s: %w", r.SortKey(), err)
	}
	return nil
}

// QuerySegmentResults returns all segment results for (ownerID, taskID)
// ordered by segment start ascending, independent of insertion order. A task
// with no results returns ErrNotFound.
//
// Segment times are either fixed-width wall-clock stamps (live streams) or
// decimal integers (stored files); ordering by length first and value second
// sorts both correctly.
func (s *Store) QuerySegmentResults(ownerID, taskID string) ([]SegmentResult, error) {
	rows, err := s.db.Query(`
		SELECT owner_id, task_id, segment_time, source, folder_path, frame_result, created_at
		FROM segment_results
		WHERE owner_id = ? AND sort_key LIKE ? || '#%'
		ORDER BY LENGTH(segment_time) ASC, segment_time ASC`,
		ownerID, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying segment results: %w", err)
	}
	defer rows.Close()

	var results []SegmentResult
	for rows.Next() {
		var r SegmentResult
		var createdAt string
		if err := rows.Scan(&r.OwnerID, &r.TaskID, &r.SegmentTime, &r.Source, &r.FolderPath, &r.FrameResult, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning segment result: %w", err)
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return results, nil
}

// DeleteTask removes all segment results for (ownerID, taskID).
func (s *Store) DeleteTask(ownerID, taskID string) error {
	_, err := s.db.Exec(`DELETE FROM segment_results WHERE owner_id = ? AND sort_key LIKE ? || '#%'`,
		ownerID, taskID)
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", taskID, err)
	}
	return nil
}

// --- Chat history ---

// GetChatHistory returns the full turn list for (ownerID, sessionID), oldest
// first. A session with no history returns an empty list, not an error.
func (s *Store) GetChatHistory(ownerID, sessionID string) ([]ChatTurn, error) {
	var raw string
	err := s.db.QueryRow(`SELECT turns FROM chat_history WHERE owner_id = ? AND session_id = ?`,
		ownerID, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat history: %w", err)
	}

	var turns []ChatTurn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("decoding chat history: %w", err)
	}
	return turns, nil
}

// AppendChatTurn reads the session's turn list, appends the new turn, and
// rewrites the whole list. Last writer wins on concurrent appends; a session
// has a single active caller by construction.
func (s *Store) AppendChatTurn(ownerID, sessionID string, turn ChatTurn) error {
	turns, err := s.GetChatHistory(ownerID, sessionID)
	if err != nil {
		return err
	}
	turns = append(turns, turn)

	raw, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encoding chat history: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO chat_history (owner_id, session_id, turns, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id, session_id) DO UPDATE SET turns = excluded.turns, updated_at = excluded.updated_at`,
		ownerID, sessionID, string(raw), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("writing chat history: %w", err)
	}
	return nil
}
