// Package memory maintains a searchable index of transcript turns in a local
// sqlite database plus a per-context MEMORY.md that is injected into the
// system prompt. Indexing runs best-effort off the slice's critical path.
package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/shipd/ship/internal/paths"
	"github.com/shipd/ship/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	context_id TEXT NOT NULL,
	turn_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	UNIQUE(context_id, turn_id)
);
CREATE INDEX IF NOT EXISTS idx_memory_context ON memory_entries(context_id);
`

// Index is the sqlite-backed turn index at .ship/cache/memory.db.
type Index struct {
	db *sql.DB
}

func Open(layout paths.Layout) (*Index, error) {
	if err := os.MkdirAll(layout.CacheDir(), 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(layout.CacheDir(), "memory.db"))
	if err != nil {
		return nil, fmt.Errorf("open memory index: %w", err)
	}
	// The index is written from one async updater at a time; a single
	// connection sidesteps sqlite busy errors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory schema: %w", err)
	}
	return &Index{db: db}, nil
}

func (ix *Index) Close() error { return ix.db.Close() }

// IndexTurns upserts the text content of the given turns. Turns without text
// and summary turns are skipped; re-indexing the same turn is a no-op.
func (ix *Index) IndexTurns(contextID string, turns []store.Turn) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO memory_entries
		(context_id, turn_id, role, content, ts) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range turns {
		t := &turns[i]
		if t.IsSummary() {
			continue
		}
		text := t.JoinedText()
		if text == "" {
			continue
		}
		if _, err := stmt.Exec(contextID, t.ID, t.Role, text, t.Metadata.TS); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Entry is one search hit.
type Entry struct {
	TurnID  string `json:"turn_id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}

// Search returns the most recent turns of a context whose content matches
// the query substring.
func (ix *Index) Search(contextID, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := ix.db.Query(`SELECT turn_id, role, content, ts FROM memory_entries
		WHERE context_id = ? AND content LIKE ? ESCAPE '\'
		ORDER BY ts DESC LIMIT ?`,
		contextID, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TurnID, &e.Role, &e.Content, &e.TS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count reports indexed turns for a context.
func (ix *Index) Count(contextID string) (int, error) {
	var n int
	err := ix.db.QueryRow(`SELECT COUNT(*) FROM memory_entries WHERE context_id = ?`, contextID).Scan(&n)
	return n, err
}

func escapeLike(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			b = append(b, '\\')
		}
		b = append(b, s[i])
	}
	return string(b)
}
