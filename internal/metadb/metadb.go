// Package metadb persists each timeline's highest-seen epoch (NodeID
// term + uuid) across restarts, so a restarted safekeeper refuses to
// re-accept a stale proxy's epoch claim. Grounded on the teacher's
// SQLiteStore: same database/sql + mattn/go-sqlite3 pairing, same
// create-table-if-not-exists schema style, reduced to the one record
// this system actually needs to survive a restart.
package metadb

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/linux/projects/server/walproxy/internal/walpos"
)

// ErrNotFound is returned when no epoch has been recorded yet for a
// timeline.
var ErrNotFound = errors.New("metadb: not found")

// Store persists per-timeline epoch state in a local SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("metadb: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("metadb: ping: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS timeline_epoch (
			timeline  INTEGER PRIMARY KEY,
			term      INTEGER NOT NULL,
			uuid      BLOB NOT NULL,
			flush_lsn INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("metadb: init schema: %w", err)
	}
	return nil
}

// HighestEpoch returns the highest NodeID a timeline has accepted, or
// ErrNotFound if none has been recorded.
func (s *Store) HighestEpoch(timeline uint32) (walpos.NodeID, error) {
	var term uint64
	var uuid []byte
	err := s.db.QueryRow(
		`SELECT term, uuid FROM timeline_epoch WHERE timeline = ?`, timeline,
	).Scan(&term, &uuid)
	if err == sql.ErrNoRows {
		return walpos.NodeID{}, ErrNotFound
	}
	if err != nil {
		return walpos.NodeID{}, fmt.Errorf("metadb: query epoch: %w", err)
	}
	var id walpos.NodeID
	id.Term = term
	copy(id.UUID[:], uuid)
	return id, nil
}

// RecordEpoch upserts the accepted epoch for a timeline. Callers are
// expected to only call this with a NodeID that compares greater than
// any previously recorded one (walpos.CompareNodeID).
func (s *Store) RecordEpoch(timeline uint32, id walpos.NodeID) error {
	_, err := s.db.Exec(`
		INSERT INTO timeline_epoch (timeline, term, uuid, flush_lsn)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(timeline) DO UPDATE SET term = excluded.term, uuid = excluded.uuid
	`, timeline, id.Term, id.UUID[:])
	if err != nil {
		return fmt.Errorf("metadb: record epoch: %w", err)
	}
	return nil
}

// RecordFlushLSN persists the latest durable flush position for a
// timeline, so the re-streamer's notifier can be primed correctly
// after a restart.
func (s *Store) RecordFlushLSN(timeline uint32, lsn walpos.LSN) error {
	_, err := s.db.Exec(
		`UPDATE timeline_epoch SET flush_lsn = ? WHERE timeline = ?`,
		uint64(lsn), timeline,
	)
	if err != nil {
		return fmt.Errorf("metadb: record flush lsn: %w", err)
	}
	return nil
}

// FlushLSN returns the last persisted flush position for a timeline,
// or walpos.InvalidLSN if none has been recorded.
func (s *Store) FlushLSN(timeline uint32) (walpos.LSN, error) {
	var lsn uint64
	err := s.db.QueryRow(
		`SELECT flush_lsn FROM timeline_epoch WHERE timeline = ?`, timeline,
	).Scan(&lsn)
	if err == sql.ErrNoRows {
		return walpos.InvalidLSN, nil
	}
	if err != nil {
		return walpos.InvalidLSN, fmt.Errorf("metadb: query flush lsn: %w", err)
	}
	return walpos.LSN(lsn), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
