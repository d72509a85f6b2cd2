// Package sqlite provides a SQLite implementation of the kiosksync.RecordStore.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	kiosksync "github.com/tillpoint/go-kiosk-sync"
	syncErrors "github.com/tillpoint/go-kiosk-sync/errors"
	"github.com/tillpoint/go-kiosk-sync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opGetAll = syncErrors.OpLoad
	opGet    = syncErrors.OpLoad
	opPut    = syncErrors.OpStore
	opDelete = syncErrors.OpDelete
)

// Custom errors for better error handling
var (
	// ErrSchemaMissing means the store was opened before being provisioned.
	// The worker never creates its own collections; provisioning is a
	// separate initialization path.
	ErrSchemaMissing = errors.New("record collections missing: store has not been provisioned")

	ErrStoreClosed = errors.New("store is closed")
)

// Config holds configuration options for the RecordStore.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// Recommended for production use and enabled by DefaultConfig.
	EnableWAL bool

	// Connection pool settings.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "_journal_mode=") {
			if strings.Contains(c.DataSourceName, "?") {
				c.DataSourceName += "&_journal_mode=WAL"
			} else {
				c.DataSourceName += "?_journal_mode=WAL"
			}
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// RecordStore implements kiosksync.RecordStore for SQLite.
type RecordStore struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *slog.Logger
}

// Compile-time check that RecordStore satisfies the store interface
var _ kiosksync.RecordStore = (*RecordStore)(nil)

// Open opens an existing, already-provisioned store.
//
// Opening a database whose record collections do not exist is a fatal
// configuration error: Open fails with ErrSchemaMissing rather than silently
// creating them. Use Provision to create the collections exactly once.
func Open(config *Config) (*RecordStore, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store")).Logger
	logger.Info("opening SQLite record store",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	if err := verifySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite record store opened")
	return &RecordStore{
		db:     db,
		logger: logger,
	}, nil
}

// OpenDataSource is a convenience constructor using DefaultConfig.
func OpenDataSource(dataSourceName string) (*RecordStore, error) {
	return Open(DefaultConfig(dataSourceName))
}

// Provision creates the record collections. It is the one initialization
// path allowed to create schema and is safe to run repeatedly.
func Provision(ctx context.Context, dataSourceName string) error {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	defer db.Close()

	for _, table := range []string{"sales", "bills"} {
		query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        seq         INTEGER PRIMARY KEY AUTOINCREMENT,
        local_id    TEXT NOT NULL UNIQUE,
        payload     TEXT NOT NULL,
        sync_status TEXT NOT NULL DEFAULT 'pending',
        last_error  TEXT,
        created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (sync_status);
    `, table, table, table)
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to provision %s collection: %w", table, err)
		}
	}

	return nil
}

// verifySchema confirms both record collections exist without creating them.
func verifySchema(db *sql.DB) error {
	var count int
	query := `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('sales', 'bills')`
	if err := db.QueryRow(query).Scan(&count); err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if count != 2 {
		return ErrSchemaMissing
	}
	return nil
}

// tableFor maps an entity type to its collection table.
func tableFor(entity kiosksync.EntityType) (string, error) {
	switch entity {
	case kiosksync.EntitySale:
		return "sales", nil
	case kiosksync.EntityBill:
		return "bills", nil
	default:
		return "", fmt.Errorf("unknown entity type %q", entity)
	}
}

// GetAll returns all records for the entity type in original insertion order.
func (s *RecordStore) GetAll(ctx context.Context, entity kiosksync.EntityType) ([]kiosksync.SyncableRecord, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	table, err := tableFor(entity)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opGetAll, "storage/sqlite")
	}

	query := fmt.Sprintf(`SELECT local_id, payload, sync_status, last_error FROM %s ORDER BY seq ASC`, table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opGetAll, "storage/sqlite")
	}
	defer rows.Close()

	return scanRecords(rows, entity)
}

// Get returns the record with the given local ID.
func (s *RecordStore) Get(ctx context.Context, entity kiosksync.EntityType, localID string) (kiosksync.SyncableRecord, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return kiosksync.SyncableRecord{}, ErrStoreClosed
	}
	s.mu.RUnlock()

	table, err := tableFor(entity)
	if err != nil {
		return kiosksync.SyncableRecord{}, syncErrors.WrapOpComponent(err, opGet, "storage/sqlite")
	}

	rec := kiosksync.SyncableRecord{Entity: entity}
	var payload string
	var lastError sql.NullString

	query := fmt.Sprintf(`SELECT local_id, payload, sync_status, last_error FROM %s WHERE local_id = ?`, table)
	err = s.db.QueryRowContext(ctx, query, localID).Scan(&rec.LocalID, &payload, &rec.Status, &lastError)
	if err == sql.ErrNoRows {
		return kiosksync.SyncableRecord{}, kiosksync.ErrRecordNotFound
	}
	if err != nil {
		return kiosksync.SyncableRecord{}, syncErrors.WrapOpComponent(err, opGet, "storage/sqlite")
	}

	rec.Payload = []byte(payload)
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	return rec, nil
}

// Put upserts by local ID, overwriting payload and status atomically. The
// original insertion order is preserved across updates.
func (s *RecordStore) Put(ctx context.Context, rec kiosksync.SyncableRecord) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	table, err := tableFor(rec.Entity)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opPut, "storage/sqlite")
	}
	if rec.LocalID == "" {
		return syncErrors.NewValidationError(opPut, fmt.Errorf("local id is required"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opPut, "storage/sqlite")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var lastError sql.NullString
	if rec.LastError != "" {
		lastError = sql.NullString{String: rec.LastError, Valid: true}
	}

	query := fmt.Sprintf(`INSERT INTO %s (local_id, payload, sync_status, last_error) VALUES (?, ?, ?, ?)
        ON CONFLICT(local_id) DO UPDATE SET payload = excluded.payload, sync_status = excluded.sync_status, last_error = excluded.last_error`, table)
	_, err = tx.ExecContext(ctx, query, rec.LocalID, string(rec.Payload), string(rec.Status), lastError)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opPut, "storage/sqlite")
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, opPut, "storage/sqlite")
	}

	return nil
}

// Delete removes the record. Deleting a non-existent local ID is not an error.
func (s *RecordStore) Delete(ctx context.Context, entity kiosksync.EntityType, localID string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	table, err := tableFor(entity)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opDelete, "storage/sqlite")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponent(err, opDelete, "storage/sqlite")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`DELETE FROM %s WHERE local_id = ?`, table)
	if _, err = tx.ExecContext(ctx, query, localID); err != nil {
		return syncErrors.WrapOpComponent(err, opDelete, "storage/sqlite")
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponent(err, opDelete, "storage/sqlite")
	}

	return nil
}

// Stats returns database statistics for monitoring
func (s *RecordStore) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}

	return s.db.Stats()
}

// Close closes the database connection.
func (s *RecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// scanRecords is a helper to scan sql.Rows into a slice of SyncableRecord.
func scanRecords(rows *sql.Rows, entity kiosksync.EntityType) ([]kiosksync.SyncableRecord, error) {
	var records []kiosksync.SyncableRecord
	for rows.Next() {
		rec := kiosksync.SyncableRecord{Entity: entity}
		var payload string
		var lastError sql.NullString

		if err := rows.Scan(&rec.LocalID, &payload, &rec.Status, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}

		rec.Payload = []byte(payload)
		if lastError.Valid {
			rec.LastError = lastError.String
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return records, nil
}
