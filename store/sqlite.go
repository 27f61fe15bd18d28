package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/overair/overair/pack"
)

// SQLiteStore implements PackageStore on a SQLite database. Package state
// survives process termination, which the rollback watchdog and telemetry
// queue depend on.
type SQLiteStore struct {
	db           *sql.DB
	dbPath       string
	failedExpiry time.Duration
	clock        func() time.Time
}

// NewSQLiteStore opens (or creates) the package database at dbPath. An empty
// path opens an in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes internally; a small pool covers concurrent
	// reads under WAL.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pragmas := []string{
		"PRAGMA busy_timeout = 30000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{
		db:           db,
		dbPath:       dbPath,
		failedExpiry: DefaultFailedExpiry,
		clock:        time.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// SetFailedExpiry overrides the failed-update expiry window.
func (s *SQLiteStore) SetFailedExpiry(d time.Duration) {
	s.failedExpiry = d
}

// SetClock overrides the time source, for tests.
func (s *SQLiteStore) SetClock(clock func() time.Time) {
	s.clock = clock
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS package_slots (
		slot TEXT PRIMARY KEY,
		descriptor TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS failed_updates (
		hash TEXT PRIMARY KEY,
		failed_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS rollback_metadata (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		record TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS install_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		hash TEXT NOT NULL UNIQUE,
		descriptor TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS package_data (
		hash TEXT PRIMARY KEY,
		data BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS telemetry_queue (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data BLOB NOT NULL
	);`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) getSlot(ctx context.Context, slot string) (*pack.Descriptor, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT descriptor FROM package_slots WHERE slot = ?", slot).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pack.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s slot: %w", slot, err)
	}

	var desc pack.Descriptor
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return nil, fmt.Errorf("failed to decode %s descriptor: %w", slot, err)
	}
	return &desc, nil
}

func (s *SQLiteStore) setSlot(ctx context.Context, slot string, desc *pack.Descriptor) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to encode %s descriptor: %w", slot, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO package_slots (slot, descriptor) VALUES (?, ?)
		 ON CONFLICT(slot) DO UPDATE SET descriptor = excluded.descriptor`,
		slot, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write %s slot: %w", slot, err)
	}
	return nil
}

func (s *SQLiteStore) GetCurrent(ctx context.Context) (*pack.Descriptor, error) {
	return s.getSlot(ctx, "current")
}

func (s *SQLiteStore) SetCurrent(ctx context.Context, desc *pack.Descriptor) error {
	return s.setSlot(ctx, "current", desc)
}

func (s *SQLiteStore) GetPending(ctx context.Context) (*pack.Descriptor, error) {
	return s.getSlot(ctx, "pending")
}

func (s *SQLiteStore) SetPending(ctx context.Context, desc *pack.Descriptor) error {
	return s.setSlot(ctx, "pending", desc)
}

func (s *SQLiteStore) ClearPending(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM package_slots WHERE slot = 'pending'")
	if err != nil {
		return fmt.Errorf("failed to clear pending slot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFailedUpdates(ctx context.Context) ([]FailedUpdate, error) {
	if s.failedExpiry > 0 {
		cutoff := s.clock().Add(-s.failedExpiry).UnixMilli()
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM failed_updates WHERE failed_at < ?", cutoff); err != nil {
			return nil, fmt.Errorf("failed to expire failed updates: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT hash, failed_at FROM failed_updates ORDER BY failed_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list failed updates: %w", err)
	}
	defer rows.Close()

	var out []FailedUpdate
	for rows.Next() {
		var f FailedUpdate
		var at int64
		if err := rows.Scan(&f.Hash, &at); err != nil {
			return nil, fmt.Errorf("failed to scan failed update: %w", err)
		}
		f.FailedAt = time.UnixMilli(at)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_updates (hash, failed_at) VALUES (?, ?)
		 ON CONFLICT(hash) DO UPDATE SET failed_at = excluded.failed_at`,
		hash, s.clock().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", hash, err)
	}
	return nil
}

func (s *SQLiteStore) SetFailedUpdates(ctx context.Context, failed []FailedUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM failed_updates"); err != nil {
		return fmt.Errorf("failed to reset failed updates: %w", err)
	}
	for _, f := range pruneFailed(failed, s.failedExpiry, s.clock()) {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO failed_updates (hash, failed_at) VALUES (?, ?)",
			f.Hash, f.FailedAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert failed update: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ClearFailedUpdates(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM failed_updates")
	if err != nil {
		return fmt.Errorf("failed to clear failed updates: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRollbackMetadata(ctx context.Context) (*RollbackRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT record FROM rollback_metadata WHERE id = 1").Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pack.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rollback metadata: %w", err)
	}

	var record RollbackRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to decode rollback metadata: %w", err)
	}
	return &record, nil
}

func (s *SQLiteStore) SetRollbackMetadata(ctx context.Context, record *RollbackRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode rollback metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rollback_metadata (id, record) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record`, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write rollback metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearRollbackMetadata(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM rollback_metadata")
	if err != nil {
		return fmt.Errorf("failed to clear rollback metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddToHistory(ctx context.Context, desc *pack.Descriptor) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to encode descriptor: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Re-adding a hash moves it to the most-recent slot (fresh seq).
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM install_history WHERE hash = ?", desc.Hash); err != nil {
		return fmt.Errorf("failed to dedupe history: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO install_history (hash, descriptor) VALUES (?, ?)",
		desc.Hash, string(raw)); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM install_history WHERE seq NOT IN
		 (SELECT seq FROM install_history ORDER BY seq DESC LIMIT ?)`,
		HistoryLimit); err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetByHash(ctx context.Context, hash string) (*pack.Descriptor, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT descriptor FROM install_history WHERE hash = ?", hash).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pack.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s in history: %w", hash, err)
	}

	var desc pack.Descriptor
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return nil, fmt.Errorf("failed to decode history descriptor: %w", err)
	}
	return &desc, nil
}

func (s *SQLiteStore) History(ctx context.Context) ([]*pack.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT descriptor FROM install_history ORDER BY seq DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []*pack.Descriptor
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		var desc pack.Descriptor
		if err := json.Unmarshal([]byte(raw), &desc); err != nil {
			return nil, fmt.Errorf("failed to decode history descriptor: %w", err)
		}
		out = append(out, &desc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetPackageData(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM package_data WHERE hash = ?", hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pack.ErrNoPackageData
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read package data for %s: %w", hash, err)
	}
	return data, nil
}

func (s *SQLiteStore) SetPackageData(ctx context.Context, hash string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO package_data (hash, data) VALUES (?, ?)
		 ON CONFLICT(hash) DO UPDATE SET data = excluded.data`, hash, data)
	if err != nil {
		return fmt.Errorf("failed to write package data for %s: %w", hash, err)
	}
	return nil
}

func (s *SQLiteStore) DeletePackageData(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM package_data WHERE hash = ?", hash)
	if err != nil {
		return fmt.Errorf("failed to delete package data for %s: %w", hash, err)
	}
	return nil
}

func (s *SQLiteStore) LoadTelemetryQueue(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM telemetry_queue WHERE id = 1").Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pack.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read telemetry queue: %w", err)
	}
	return data, nil
}

func (s *SQLiteStore) SaveTelemetryQueue(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry_queue (id, data) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`, data)
	if err != nil {
		return fmt.Errorf("failed to persist telemetry queue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearTelemetryQueue(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM telemetry_queue")
	if err != nil {
		return fmt.Errorf("failed to clear telemetry queue: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
