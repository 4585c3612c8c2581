// Package cache implements the persistent cache layer: a single-file SQLite
// database holding dynamically derived per-table record caches, fixed-schema
// metadata caches, TTL configuration, performance counters and the API usage
// log.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
	"github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/timeutil"
)

// Common errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrTableNotCached = errors.New("table has not been cached")
)

// epoch is the expires_at value written by invalidation.
const epoch = "1970-01-01T00:00:00Z"

// setupWASMCache configures a persistent compilation cache for the SQLite
// WASM module so process start does not pay the JIT cost every time. Falls
// back to an in-memory cache when the user cache dir is unavailable.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "smartsuite-mcp", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Options configures a Store.
type Options struct {
	Logger *slog.Logger
	// Timezone used to normalise date-only filter values.
	Location *time.Location
	// TTL defaults per resource kind; zero values fall back to built-ins.
	TTLs TTLDefaults
}

// Store owns the cache database. Writes are serialised behind a single mutex;
// readers run concurrently and tolerate expiry racing with a replace because
// every replace is one transaction.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	loc *time.Location

	// mu serialises all write paths.
	mu sync.Mutex

	ttl  *ttlConfig
	perf *Performance

	registryLRU *lruCache
}

// Open opens (creating if needed) the cache database at path and ensures the
// fixed schema. The fuzzy_match SQL function is registered on every
// connection.
func Open(path string, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_pragma=synchronous(NORMAL)"
	db, err := driver.Open(dsn, func(c *sqlite3.Conn) error {
		return registerFuzzyMatch(c)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// WAL allows one writer plus concurrent readers.
	db.SetMaxOpenConns(runtime.NumCPU() + 1)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	s := &Store{
		db:          db,
		log:         log,
		loc:         loc,
		registryLRU: newLRUCache(256, time.Hour),
	}
	s.ttl = newTTLConfig(opts.TTLs)
	s.perf = newPerformance(s)

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure cache schema: %w", err)
	}
	if err := s.ttl.load(ctx, s); err != nil {
		log.Warn("failed to load ttl overrides", slog.String("error", err.Error()))
	}
	return s, nil
}

// Close flushes performance counters and closes the database.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.perf.Close(ctx)
	return s.db.Close()
}

// IsHealthy reports whether the database answers a ping.
func (s *Store) IsHealthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// Performance exposes the hit/miss tracker.
func (s *Store) Performance() *Performance { return s.perf }

// Size returns the database size in bytes, computed from the page counters so
// it reflects the live connection rather than the file on disk.
func (s *Store) Size(ctx context.Context) (int64, error) {
	var pages, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0, fmt.Errorf("page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("page_size: %w", err)
	}
	return pages * pageSize, nil
}

// Location returns the timezone used for date normalisation.
func (s *Store) Location() *time.Location { return s.loc }

// now returns the current instant in storage format.
func (s *Store) now() string { return timeutil.NowUTC() }

// withTx runs fn inside a write transaction under the write mutex.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn("rollback failed", slog.String("error", rbErr.Error()))
		}
		return err
	}
	return tx.Commit()
}

// RecordStat writes a best-effort row to cache_stats. Failures are logged and
// swallowed; statistics must never fail an operation.
func (s *Store) RecordStat(ctx context.Context, category, operation, key, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_stats (category, operation, key, timestamp, metadata) VALUES (?, ?, ?, ?, ?)`,
		category, operation, key, s.now(), metadata)
	if err != nil {
		s.log.Debug("cache_stats write failed", slog.String("error", err.Error()))
	}
}
