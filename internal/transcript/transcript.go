// Package transcript keeps a local history of prompt cycles in SQLite, so
// past runs can be inspected after the browser and its page are gone.
package transcript

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// CycleRecord is one finished prompt cycle.
type CycleRecord struct {
	ID                 string
	ConversationURL    string
	Prompt             string
	Response           string
	State              string
	Polls              int
	RegenerateAttempts int
	FallbackAttempts   int
	Recovered          bool
	OutputPath         string
	StartedAt          time.Time
	FinishedAt         time.Time
}

// Store is a SQLite-backed transcript.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (and if needed creates) the transcript database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create transcript dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cycles (
			id TEXT PRIMARY KEY,
			conversation_url TEXT NOT NULL,
			prompt TEXT NOT NULL,
			response TEXT NOT NULL,
			state TEXT NOT NULL,
			polls INTEGER NOT NULL,
			regenerate_attempts INTEGER NOT NULL,
			fallback_attempts INTEGER NOT NULL,
			recovered INTEGER NOT NULL,
			output_path TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at);
	`)
	if err != nil {
		return fmt.Errorf("initialize transcript schema: %w", err)
	}
	return nil
}

// Record inserts one cycle. An empty ID gets a fresh UUID.
func (s *Store) Record(rec CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := s.db.Exec(`
		INSERT INTO cycles (
			id, conversation_url, prompt, response, state, polls,
			regenerate_attempts, fallback_attempts, recovered,
			output_path, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationURL, rec.Prompt, rec.Response, rec.State,
		rec.Polls, rec.RegenerateAttempts, rec.FallbackAttempts,
		boolToInt(rec.Recovered), rec.OutputPath, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record cycle: %w", err)
	}
	return nil
}

// Recent returns up to limit cycles, newest first.
func (s *Store) Recent(limit int) ([]CycleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, conversation_url, prompt, response, state, polls,
		       regenerate_attempts, fallback_attempts, recovered,
		       output_path, started_at, finished_at
		FROM cycles ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var rec CycleRecord
		var recovered int
		err := rows.Scan(
			&rec.ID, &rec.ConversationURL, &rec.Prompt, &rec.Response,
			&rec.State, &rec.Polls, &rec.RegenerateAttempts,
			&rec.FallbackAttempts, &recovered, &rec.OutputPath,
			&rec.StartedAt, &rec.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		rec.Recovered = recovered != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
