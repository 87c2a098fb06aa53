// Package journal keeps a SQLite log of settled engine operations. It stores
// metadata only (timings, token counts, outcome and a transcript fingerprint),
// never message contents.
package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"LocalChat/internal/engine"
)

// Operation kinds
const (
	KindGenerate = "generate"
	KindReset    = "reset"
	KindUnload   = "unload"
	KindSwitch   = "switch"
)

// Operation outcomes
const (
	StatusOK          = "ok"
	StatusError       = "error"
	StatusInterrupted = "interrupted"
	StatusSkipped     = "skipped"
)

// Entry is one settled operation
type Entry struct {
	OpID             string
	SessionID        string
	Kind             string
	Model            string
	Status           string
	Error            string
	PromptTokens     int
	CompletionTokens int
	PrefillRate      float64
	DecodeRate       float64
	Duration         time.Duration
	Fingerprint      string
	At               time.Time
}

// Journal writes entries to a SQLite database
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the journal database at path
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// database/sql would otherwise open several connections to one file
	db.SetMaxOpenConns(1)

	createOperationsTable := `
	CREATE TABLE IF NOT EXISTS operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id TEXT NOT NULL,
		session_id TEXT,
		kind TEXT,
		model TEXT,
		status TEXT,
		error TEXT,
		prompt_tokens INTEGER,
		completion_tokens INTEGER,
		prefill_rate REAL,
		decode_rate REAL,
		duration_ms INTEGER,
		fingerprint TEXT,
		at DATETIME
	);`

	if _, err := db.Exec(createOperationsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create operations table: %w", err)
	}

	return &Journal{db: db, logger: logger}, nil
}

// Record stores e
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO operations (op_id, session_id, kind, model, status, error,
			prompt_tokens, completion_tokens, prefill_rate, decode_rate, duration_ms, fingerprint, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OpID, e.SessionID, e.Kind, e.Model, e.Status, e.Error,
		e.PromptTokens, e.CompletionTokens, e.PrefillRate, e.DecodeRate,
		e.Duration.Milliseconds(), e.Fingerprint, e.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}
	j.logger.Debug("operation recorded", "op_id", e.OpID, "kind", e.Kind, "status", e.Status)
	return nil
}

// Recent returns up to limit entries, newest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT op_id, session_id, kind, model, status, error, prompt_tokens, completion_tokens,
			prefill_rate, decode_rate, duration_ms, fingerprint, at
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var durationMs int64
		if err := rows.Scan(&e.OpID, &e.SessionID, &e.Kind, &e.Model, &e.Status, &e.Error,
			&e.PromptTokens, &e.CompletionTokens, &e.PrefillRate, &e.DecodeRate,
			&durationMs, &e.Fingerprint, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}
	return entries, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// Fingerprint identifies a transcript without storing it
func Fingerprint(turns []engine.Turn) string {
	h := sha256.New()
	for _, t := range turns {
		h.Write([]byte(t.Role))
		h.Write([]byte(t.Content))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
