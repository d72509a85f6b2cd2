// Package cache stores HTTP responses under an explicit generation tag so the
// kiosk application shell stays available with zero connectivity. Exactly one
// generation is current at a time; stale generations are evicted when a new
// worker generation activates.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	stdSync "sync"
	"time"

	syncErrors "github.com/tillpoint/go-kiosk-sync/errors"
	"github.com/tillpoint/go-kiosk-sync/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Snapshot is a stored HTTP response: status, headers, and body at fetch time.
type Snapshot struct {
	Status int
	Header http.Header
	Body   []byte
}

// Config holds configuration for the cache manager.
type Config struct {
	// DataSourceName is the SQLite connection string for cache storage. The
	// cache provisions its own table; unlike the record store it is owned
	// entirely by this worker.
	DataSourceName string

	// Generation is the current generation tag. It is threaded explicitly
	// into every lookup and the eviction routine, never held as ambient
	// global state.
	Generation string
}

// Manager is a generation-versioned HTTP response cache.
type Manager struct {
	db         *sql.DB
	generation string
	mu         stdSync.RWMutex
	closed     bool
	logger     *slog.Logger
}

// Open opens (and if necessary creates) cache storage for the given current
// generation.
func Open(config *Config) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}
	if config.Generation == "" {
		return nil, fmt.Errorf("Generation is required")
	}

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to cache database: %w", err)
	}

	query := `
    CREATE TABLE IF NOT EXISTS cache_entries (
        generation  TEXT NOT NULL,
        request_key TEXT NOT NULL,
        status      INTEGER NOT NULL,
        headers     TEXT NOT NULL,
        body        BLOB,
        created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (generation, request_key)
    );
    `
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set up cache schema: %w", err)
	}

	logger := logging.WithComponent(logging.Component("cache")).Logger
	logger.Info("response cache opened",
		slog.String("generation", config.Generation))

	return &Manager{
		db:         db,
		generation: config.Generation,
		logger:     logger,
	}, nil
}

// Generation returns the current generation tag.
func (m *Manager) Generation() string {
	return m.generation
}

// Key builds the request key a response is stored under.
func Key(method, url string) string {
	return method + " " + url
}

// HTTPDoer is the fetch dependency used during asset preload.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PreloadCoreAssets fetches the fixed list of shell asset paths from the
// upstream origin and stores each under the current generation. Any single
// failure fails the whole preload: a missing shell asset would break the
// offline fallback itself, so install is all-or-nothing.
func (m *Manager) PreloadCoreAssets(ctx context.Context, client HTTPDoer, upstream string, assets []string) error {
	for _, asset := range assets {
		url := upstream + asset
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return syncErrors.NewCacheError(syncErrors.OpInstall, fmt.Errorf("invalid asset URL %q: %w", url, err))
		}

		resp, err := client.Do(req)
		if err != nil {
			return syncErrors.NewCacheError(syncErrors.OpInstall, fmt.Errorf("failed to fetch core asset %q: %w", asset, err))
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return syncErrors.NewCacheError(syncErrors.OpInstall, fmt.Errorf("failed to read core asset %q: %w", asset, readErr))
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return syncErrors.NewCacheError(syncErrors.OpInstall, fmt.Errorf("core asset %q returned status %d", asset, resp.StatusCode))
		}

		snap := &Snapshot{
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   body,
		}
		if err := m.put(ctx, Key(http.MethodGet, asset), snap); err != nil {
			return err
		}

		m.logger.Debug("core asset cached",
			slog.String("asset", asset),
			slog.Int("bytes", len(body)))
	}

	m.logger.Info("core assets preloaded",
		slog.Int("asset_count", len(assets)),
		slog.String("generation", m.generation))
	return nil
}

// EvictStaleGenerations deletes every entry whose generation does not match
// the current tag. Runs at activation time, before any request is served, so
// no request is ever answered from a stale generation afterwards. Returns the
// number of evicted entries.
func (m *Manager) EvictStaleGenerations(ctx context.Context) (int, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return 0, fmt.Errorf("cache is closed")
	}
	m.mu.RUnlock()

	res, err := m.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation != ?`, m.generation)
	if err != nil {
		return 0, syncErrors.NewCacheError(syncErrors.OpActivate, fmt.Errorf("failed to evict stale generations: %w", err))
	}

	evicted, _ := res.RowsAffected()
	m.logger.Info("stale cache generations evicted",
		slog.Int64("entries", evicted),
		slog.String("current_generation", m.generation))
	return int(evicted), nil
}

// Generations enumerates all generation tags present in storage.
func (m *Manager) Generations(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT DISTINCT generation FROM cache_entries ORDER BY generation`)
	if err != nil {
		return nil, syncErrors.NewCacheError(syncErrors.OpCache, err)
	}
	defer rows.Close()

	var generations []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, syncErrors.NewCacheError(syncErrors.OpCache, err)
		}
		generations = append(generations, g)
	}
	return generations, rows.Err()
}

// CacheIfSuccessful stores a response under the current generation only when
// it indicates success. Error responses are never cached.
func (m *Manager) CacheIfSuccessful(ctx context.Context, method, url string, snap *Snapshot) error {
	if snap.Status < 200 || snap.Status >= 300 {
		m.logger.Debug("skipping cache of non-success response",
			slog.String("url", url),
			slog.Int("status", snap.Status))
		return nil
	}
	return m.put(ctx, Key(method, url), snap)
}

// Lookup returns the cached response for the request under the current
// generation, if present.
func (m *Manager) Lookup(ctx context.Context, method, url string) (*Snapshot, bool, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, false, fmt.Errorf("cache is closed")
	}
	m.mu.RUnlock()

	var status int
	var headers string
	var body []byte

	query := `SELECT status, headers, body FROM cache_entries WHERE generation = ? AND request_key = ?`
	err := m.db.QueryRowContext(ctx, query, m.generation, Key(method, url)).Scan(&status, &headers, &body)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, syncErrors.NewCacheError(syncErrors.OpCache, err)
	}

	var header http.Header
	if err := json.Unmarshal([]byte(headers), &header); err != nil {
		return nil, false, syncErrors.NewCacheError(syncErrors.OpCache, fmt.Errorf("corrupt header snapshot: %w", err))
	}

	return &Snapshot{
		Status: status,
		Header: header,
		Body:   body,
	}, true, nil
}

// put stores a snapshot under the current generation. Each write is one
// atomic transaction.
func (m *Manager) put(ctx context.Context, key string, snap *Snapshot) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("cache is closed")
	}
	m.mu.RUnlock()

	headers, err := json.Marshal(snap.Header)
	if err != nil {
		return syncErrors.NewCacheError(syncErrors.OpCache, fmt.Errorf("failed to marshal headers: %w", err))
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewCacheError(syncErrors.OpCache, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	query := `INSERT INTO cache_entries (generation, request_key, status, headers, body, created_at) VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(generation, request_key) DO UPDATE SET status = excluded.status, headers = excluded.headers, body = excluded.body, created_at = excluded.created_at`
	_, err = tx.ExecContext(ctx, query, m.generation, key, snap.Status, string(headers), snap.Body, time.Now().UTC())
	if err != nil {
		return syncErrors.NewCacheError(syncErrors.OpCache, err)
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.NewCacheError(syncErrors.OpCache, err)
	}

	return nil
}

// Close closes the cache storage.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	return m.db.Close()
}
