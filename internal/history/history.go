// Package history mirrors the audit log's event bus into SQLite so an
// operator can query incident history without parsing newline-
// delimited JSON by hand. Grounded on
// internal/memory.NewSQLiteStore's open/migrate/insert shape, trimmed
// to the single append-only table this domain needs. Entirely
// optional and outside the specification's core (SPEC_FULL.md §6.9's
// companion ambient addition); cmd/gateway opens the history database
// only when the web dashboard is enabled, and otherwise runs with the
// audit log alone.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kb9ops/dispatch-gateway/internal/events"
)

// Record is one mirrored event, as stored and retrieved.
type Record struct {
	ID        int64
	Timestamp time.Time
	Source    string
	Kind      string
	Data      map[string]any
}

// Store is a SQLite-backed mirror of the event bus.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dbPath and ensures the
// schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		ts        TIMESTAMP NOT NULL,
		source    TEXT NOT NULL,
		kind      TEXT NOT NULL,
		data_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, ts DESC);
	CREATE INDEX IF NOT EXISTS idx_events_sender ON events(json_extract(data_json, '$.sender'), ts DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert persists one event.
func (s *Store) Insert(e events.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("history: marshal event data: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO events (ts, source, kind, data_json) VALUES (?, ?, ?, ?)`,
		e.Timestamp, e.Source, e.Kind, string(data),
	)
	if err != nil {
		return fmt.Errorf("history: insert event: %w", err)
	}
	return nil
}

// RecentByKind returns the most recent limit records of the given
// kind (e.g. "sos_dispatch"), newest first.
func (s *Store) RecentByKind(kind string, limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, source, kind, data_json FROM events WHERE kind = ? ORDER BY ts DESC LIMIT ?`,
		kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query by kind: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// RecentBySender returns the most recent limit records whose data
// payload carries a matching "sender" field, newest first.
func (s *Store) RecentBySender(sender string, limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, source, kind, data_json FROM events WHERE json_extract(data_json, '$.sender') = ? ORDER BY ts DESC LIMIT ?`,
		sender, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query by sender: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Incident reconstructs every record tagged with the given incident
// number, oldest first — the "show me the whole story" query behind
// the web dashboard's /incident/{n} route.
func (s *Store) Incident(incidentNumber int64) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, source, kind, data_json FROM events WHERE json_extract(data_json, '$.incident') = ? ORDER BY ts ASC`,
		incidentNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query by incident: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		var dataJSON string
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Source, &r.Kind, &dataJSON); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		if dataJSON != "" {
			if err := json.Unmarshal([]byte(dataJSON), &r.Data); err != nil {
				return nil, fmt.Errorf("history: unmarshal data: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Mirror subscribes to an event bus and inserts every event into a
// Store until ctx is cancelled. Run logs a write failure itself and
// keeps going; Mirror never blocks the bus (Subscribe already gives it
// its own buffered channel).
type Mirror struct {
	store  *Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewMirror creates a Mirror writing bus events into store.
func NewMirror(store *Store, bus *events.Bus, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{store: store, bus: bus, logger: logger}
}

// Run drains the bus subscription into the store until ctx is done. A
// single insert failure is logged and the loop continues — history is
// a best-effort mirror, never a dependency of the core dispatch path.
func (m *Mirror) Run(ctx context.Context) error {
	ch := m.bus.Subscribe(64)
	defer m.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := m.store.Insert(e); err != nil {
				m.logger.Warn("history: mirror insert failed", "kind", e.Kind, "error", err)
			}
		}
	}
}
