package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/leapstack-labs/crmsync/pkg/core"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements core.Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var _ core.Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite state store instance.
// If logger is nil, a discard logger is used.
func NewSQLiteStore(logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteStore{logger: logger}
}

// NewSQLiteStoreFromDB wraps an existing connection. Migrations are not run.
func NewSQLiteStoreFromDB(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	s := NewSQLiteStore(logger)
	s.db = db
	return s
}

// OpenSQLite opens the store at path and runs migrations.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	s := NewSQLiteStore(logger)
	if err := s.Open(path); err != nil {
		return nil, err
	}
	if err := s.Migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Open opens a connection to the SQLite database.
// Use ":memory:" for an in-memory database.
func (s *SQLiteStore) Open(path string) error {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return unavailable("create state directory", err)
			}
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return unavailable("open sqlite database", err)
	}
	// Every pooled connection to :memory: would see its own database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return unavailable("ping sqlite database", err)
	}

	s.db = db
	s.path = path
	s.logger.Debug("opened state store", slog.String("path", path))
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) ready() error {
	if s.db == nil {
		return fmt.Errorf("database not opened: %w", ErrUnavailable)
	}
	return nil
}

// --- Identity map ---

// LookupIdentity returns the entry for a source record, or nil when unmapped.
func (s *SQLiteStore) LookupIdentity(ctx context.Context, t core.ObjectType, sourceID string) (*core.IdentityEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var (
		entry    core.IdentityEntry
		origin   string
		syncedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT object_type, source_id, target_id, origin, run_id, last_synced_at
		 FROM identity_map WHERE object_type = ? AND source_id = ?`,
		string(t), sourceID,
	).Scan(&entry.Type, &entry.SourceID, &entry.TargetID, &origin, &entry.RunID, &syncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("lookup identity", err)
	}

	entry.Origin = core.IdentityOrigin(origin)
	if entry.LastSyncedAt, err = parseTime(syncedAt); err != nil {
		return nil, err
	}
	return &entry, nil
}

// PutIdentity inserts or updates an entry.
func (s *SQLiteStore) PutIdentity(ctx context.Context, entry core.IdentityEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	if entry.Origin == "" {
		entry.Origin = core.OriginCreated
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_map (object_type, source_id, target_id, origin, run_id, last_synced_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (object_type, source_id) DO UPDATE SET
		   target_id = excluded.target_id,
		   origin = excluded.origin,
		   run_id = excluded.run_id,
		   last_synced_at = excluded.last_synced_at`,
		string(entry.Type), entry.SourceID, entry.TargetID, string(entry.Origin), entry.RunID, formatTime(entry.LastSyncedAt),
	)
	if err != nil {
		return unavailable("put identity", err)
	}
	return nil
}

// ListIdentities returns all entries of a type ordered by source id.
func (s *SQLiteStore) ListIdentities(ctx context.Context, t core.ObjectType) ([]core.IdentityEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT object_type, source_id, target_id, origin, run_id, last_synced_at
		 FROM identity_map WHERE object_type = ? ORDER BY source_id`,
		string(t),
	)
	if err != nil {
		return nil, unavailable("list identities", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []core.IdentityEntry
	for rows.Next() {
		var (
			entry    core.IdentityEntry
			origin   string
			syncedAt string
		)
		if err := rows.Scan(&entry.Type, &entry.SourceID, &entry.TargetID, &origin, &entry.RunID, &syncedAt); err != nil {
			return nil, unavailable("scan identity", err)
		}
		entry.Origin = core.IdentityOrigin(origin)
		if entry.LastSyncedAt, err = parseTime(syncedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list identities", err)
	}
	return entries, nil
}

// ResetIdentities removes all entries of a type.
func (s *SQLiteStore) ResetIdentities(ctx context.Context, t core.ObjectType) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM identity_map WHERE object_type = ?`, string(t))
	if err != nil {
		return 0, unavailable("reset identities", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("reset identities", err)
	}
	s.logger.Info("identity map reset", slog.String("object_type", string(t)), slog.Int64("removed", n))
	return n, nil
}
