package buffer

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/securewatch/agent/internal/model"
)

// store is the ordered on-disk spillover for overflowed records
// (spec.md §4.1, §6: "{persistence_path}/events.db ... schema is a single
// append+pop queue"). It is backed by an embedded, pure-Go SQLite database
// (modernc.org/sqlite) rather than the teacher's client/server Postgres —
// see DESIGN.md / SPEC_FULL.md §11 for why an agent that must tolerate
// network loss cannot depend on a running database server.
type store struct {
	db   *sql.DB
	path string
}

func openStore(persistencePath string) (*store, error) {
	if err := os.MkdirAll(persistencePath, 0o755); err != nil {
		return nil, fmt.Errorf("buffer: create persistence dir: %w", err)
	}
	dbPath := filepath.Join(persistencePath, "events.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("buffer: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // single-writer queue; avoid SQLITE_BUSY under concurrent goroutines

	const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY,
	payload BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("buffer: create schema: %w", err)
	}
	return &store{db: db, path: dbPath}, nil
}

func (s *store) close() error {
	return s.db.Close()
}

// append inserts a record keyed by its sequence number.
func (s *store) append(ctx context.Context, rec model.BufferedRecord) error {
	payload := model.EncodeBinary(rec.Event)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (seq, payload, enqueued_at) VALUES (?, ?, ?)`,
		rec.Sequence, payload, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("buffer: insert seq %d: %w", rec.Sequence, err)
	}
	return nil
}

// popLowest deletes and returns the lowest-sequence record, or ok=false if
// the store is empty. A record whose payload fails to decode is quarantined
// (copied to a `quarantine/<seq>.corrupt` file under persistencePath, then deleted
// from the table) and the next record is tried instead, so one corrupted
// row never blocks delivery of the rest (spec.md §4.1).
func (s *store) popLowest(ctx context.Context, persistencePath string) (model.BufferedRecord, bool, error) {
	for {
		var seq uint64
		var payload []byte
		row := s.db.QueryRowContext(ctx, `SELECT seq, payload FROM events ORDER BY seq ASC LIMIT 1`)
		err := row.Scan(&seq, &payload)
		if err == sql.ErrNoRows {
			return model.BufferedRecord{}, false, nil
		}
		if err != nil {
			return model.BufferedRecord{}, false, fmt.Errorf("buffer: query lowest seq: %w", err)
		}

		event, decodeErr := model.DecodeBinary(payload)
		if decodeErr != nil {
			if err := s.quarantine(persistencePath, seq, payload); err != nil {
				return model.BufferedRecord{}, false, err
			}
			if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE seq = ?`, seq); err != nil {
				return model.BufferedRecord{}, false, fmt.Errorf("buffer: delete quarantined seq %d: %w", seq, err)
			}
			continue
		}

		if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE seq = ?`, seq); err != nil {
			return model.BufferedRecord{}, false, fmt.Errorf("buffer: delete seq %d: %w", seq, err)
		}
		return model.BufferedRecord{Sequence: seq, Event: event}, true, nil
	}
}

func (s *store) quarantine(persistencePath string, seq uint64, payload []byte) error {
	quarantineDir := filepath.Join(persistencePath, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0o755); err != nil {
		return fmt.Errorf("buffer: create quarantine dir: %w", err)
	}
	path := filepath.Join(quarantineDir, fmt.Sprintf("%d.corrupt", seq))
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("buffer: write quarantined record %d: %w", seq, err)
	}
	return nil
}

func (s *store) count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("buffer: count persisted events: %w", err)
	}
	return n, nil
}
