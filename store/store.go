// Package store persists profile statuses and connection history in SQLite.
// It opens the database, enables WAL mode, and runs the schema migration.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/yllada/ovpn-manager/common"
	"github.com/yllada/ovpn-manager/vpn"
)

// schema contains all table definitions. Each statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS profile_status (
    id              TEXT    PRIMARY KEY,
    state           TEXT    NOT NULL,
    message         TEXT    NOT NULL DEFAULT '',
    ip_address      TEXT    NOT NULL DEFAULT '',
    connected_since INTEGER,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS connection_events (
    id         TEXT    PRIMARY KEY,
    profile_id TEXT    NOT NULL,
    state      TEXT    NOT NULL,
    message    TEXT    NOT NULL DEFAULT '',
    at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connection_events_profile_at
    ON connection_events (profile_id, at);
`

// Event is one recorded state change of a profile.
type Event struct {
	ID        string
	ProfileID string
	State     vpn.ConnectionState
	Message   string
	At        time.Time
}

// SQLiteStore implements vpn.StatusStore. Every change of state is also
// appended to the connection history.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
	log *common.AppLogger
}

var _ vpn.StatusStore = (*SQLiteStore)(nil)

// Open opens (or creates) the database at path and runs the migration.
// Use ":memory:" for an in-memory database (useful in tests).
func Open(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrRepository, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrRepository, err)
	}

	// Keep a single writer connection to avoid SQLITE_BUSY when the monitor
	// and a command run at the same time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", common.ErrRepository, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrating: %v", common.ErrRepository, err)
	}

	return &SQLiteStore{
		db:  db,
		now: time.Now,
		log: common.GetLogger().With("store"),
	}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveStatus upserts the status of id and records an event when the state
// differs from the stored one.
func (s *SQLiteStore) SaveStatus(ctx context.Context, id string, status vpn.VpnStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrRepository, err)
	}
	defer tx.Rollback()

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT state FROM profile_status WHERE id = ?`, id).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: reading %s: %v", common.ErrRepository, id, err)
	}

	now := s.now()
	var since sql.NullInt64
	if t, ok := status.ConnectedSince(); ok {
		since = sql.NullInt64{Int64: t.UnixNano(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO profile_status (id, state, message, ip_address, connected_since, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    state = excluded.state,
    message = excluded.message,
    ip_address = excluded.ip_address,
    connected_since = excluded.connected_since,
    updated_at = excluded.updated_at`,
		id, status.State().Key(), status.Message(), status.IPAddress(), since, now.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: saving %s: %v", common.ErrRepository, id, err)
	}

	if previous != status.State().Key() {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO connection_events (id, profile_id, state, message, at) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), id, status.State().Key(), status.Message(), now.UnixNano())
		if err != nil {
			return fmt.Errorf("%w: recording event for %s: %v", common.ErrRepository, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrRepository, err)
	}
	return nil
}

// LoadStatus returns the stored status of id. The boolean is false when
// nothing was stored yet.
func (s *SQLiteStore) LoadStatus(ctx context.Context, id string) (vpn.VpnStatus, bool, error) {
	var (
		key, message, ip string
		since            sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, message, ip_address, connected_since FROM profile_status WHERE id = ?`, id).
		Scan(&key, &message, &ip, &since)
	if errors.Is(err, sql.ErrNoRows) {
		return vpn.DisconnectedStatus(), false, nil
	}
	if err != nil {
		return vpn.VpnStatus{}, false, fmt.Errorf("%w: loading %s: %v", common.ErrRepository, id, err)
	}

	state, ok := vpn.ParseConnectionState(key)
	if !ok {
		s.log.Warn("Unknown state %q stored for %s, treating as disconnected", key, id)
		return vpn.DisconnectedStatus(), false, nil
	}

	var t time.Time
	if since.Valid {
		t = time.Unix(0, since.Int64)
	}
	return vpn.RestoreStatus(state, message, ip, t), true, nil
}

// DeleteStatus forgets id and its history.
func (s *SQLiteStore) DeleteStatus(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrRepository, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM profile_status WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: deleting %s: %v", common.ErrRepository, id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM connection_events WHERE profile_id = ?`, id); err != nil {
		return fmt.Errorf("%w: deleting history of %s: %v", common.ErrRepository, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrRepository, err)
	}
	return nil
}

// History returns the most recent events of id, newest first. A limit of
// zero or less returns every event.
func (s *SQLiteStore) History(ctx context.Context, id string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, profile_id, state, message, at FROM connection_events
WHERE profile_id = ?
ORDER BY at DESC, rowid DESC
LIMIT ?`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: history of %s: %v", common.ErrRepository, id, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e   Event
			key string
			at  int64
		)
		if err := rows.Scan(&e.ID, &e.ProfileID, &key, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrRepository, err)
		}
		e.State, _ = vpn.ParseConnectionState(key)
		e.At = time.Unix(0, at)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrRepository, err)
	}
	return events, nil
}

// Prune removes events older than maxAge.
func (s *SQLiteStore) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM connection_events WHERE at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: pruning history: %v", common.ErrRepository, err)
	}
	return res.RowsAffected()
}
