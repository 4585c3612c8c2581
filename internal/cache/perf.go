package cache

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

const (
	// flushThreshold is the number of buffered hit/miss deltas that forces a
	// flush; flushInterval flushes sooner on an idle server.
	flushThreshold = 100
	flushInterval  = 5 * time.Minute

	// tokensSavedPerHit is the estimated prompt-token cost of one avoided
	// upstream record fetch, used only for reporting.
	tokensSavedPerHit = 1500
)

// Performance accumulates cache hit and miss counters in memory and
// periodically merges them into cache_performance. Counters are deltas, so a
// crash loses at most one unflushed window.
type Performance struct {
	store *Store

	mu         sync.Mutex
	hits       map[string]int64
	misses     map[string]int64
	pending    int
	lastFlush  time.Time
	lastAccess map[string]string
}

func newPerformance(s *Store) *Performance {
	return &Performance{
		store:      s,
		hits:       make(map[string]int64),
		misses:     make(map[string]int64),
		lastAccess: make(map[string]string),
		lastFlush:  time.Now(),
	}
}

// RecordHit counts a query served from cache.
func (p *Performance) RecordHit(ctx context.Context, tableID string) {
	p.record(ctx, tableID, true)
}

// RecordMiss counts a query that had to refresh from upstream.
func (p *Performance) RecordMiss(ctx context.Context, tableID string) {
	p.record(ctx, tableID, false)
}

func (p *Performance) record(ctx context.Context, tableID string, hit bool) {
	p.mu.Lock()
	if hit {
		p.hits[tableID]++
	} else {
		p.misses[tableID]++
	}
	p.lastAccess[tableID] = p.store.now()
	p.pending++
	due := p.pending >= flushThreshold || time.Since(p.lastFlush) >= flushInterval
	p.mu.Unlock()

	if due {
		if err := p.Flush(ctx); err != nil {
			p.store.log.Debug("performance flush failed", slog.String("error", err.Error()))
		}
	}
}

// Flush merges the buffered deltas into cache_performance. Safe to call
// concurrently; an empty buffer is a no-op.
func (p *Performance) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.pending == 0 {
		p.mu.Unlock()
		return nil
	}
	hits := p.hits
	misses := p.misses
	access := p.lastAccess
	p.hits = make(map[string]int64)
	p.misses = make(map[string]int64)
	p.lastAccess = make(map[string]string)
	p.pending = 0
	p.lastFlush = time.Now()
	p.mu.Unlock()

	tables := make(map[string]struct{}, len(hits)+len(misses))
	for id := range hits {
		tables[id] = struct{}{}
	}
	for id := range misses {
		tables[id] = struct{}{}
	}

	return p.store.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO cache_performance (table_id, hit_count, miss_count, last_access_time, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(table_id) DO UPDATE SET
				hit_count        = hit_count + excluded.hit_count,
				miss_count       = miss_count + excluded.miss_count,
				last_access_time = excluded.last_access_time,
				updated_at       = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		now := p.store.now()
		for id := range tables {
			if _, err := stmt.ExecContext(ctx, id, hits[id], misses[id], access[id], now); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateTableStats records the row count and approximate payload size after a
// full refresh. Failures are logged and swallowed.
func (p *Performance) UpdateTableStats(ctx context.Context, tableID string, recordCount, sizeBytes int64) {
	err := p.store.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cache_performance (table_id, record_count, cache_size_bytes, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(table_id) DO UPDATE SET
				record_count     = excluded.record_count,
				cache_size_bytes = excluded.cache_size_bytes,
				updated_at       = excluded.updated_at`,
			tableID, recordCount, sizeBytes, p.store.now())
		return err
	})
	if err != nil {
		p.store.log.Debug("table stats update failed",
			slog.String("table_id", tableID), slog.String("error", err.Error()))
	}
}

// Close flushes any buffered counters.
func (p *Performance) Close(ctx context.Context) {
	if err := p.Flush(ctx); err != nil {
		p.store.log.Warn("final performance flush failed", slog.String("error", err.Error()))
	}
}

// TableReport is the per-table slice of a performance report.
type TableReport struct {
	TableID        string  `json:"table_id"`
	TableName      string  `json:"table_name,omitempty"`
	HitCount       int64   `json:"hit_count"`
	MissCount      int64   `json:"miss_count"`
	HitRate        float64 `json:"hit_rate"`
	RecordCount    int64   `json:"record_count"`
	CacheSizeBytes int64   `json:"cache_size_bytes"`
	LastAccessTime string  `json:"last_access_time,omitempty"`
}

// Report aggregates cache effectiveness over all tracked tables.
type Report struct {
	TotalHits        int64         `json:"total_hits"`
	TotalMisses      int64         `json:"total_misses"`
	HitRate          float64       `json:"hit_rate"`
	TokensSavedEst   int64         `json:"tokens_saved_estimate"`
	TotalRecords     int64         `json:"total_records"`
	TotalCacheBytes  int64         `json:"total_cache_bytes"`
	Tables           []TableReport `json:"tables"`
	GeneratedAtUTC   string        `json:"generated_at"`
}

// Report flushes pending counters and reads back the aggregate picture,
// joined against the registry for display names.
func (p *Performance) Report(ctx context.Context) (*Report, error) {
	if err := p.Flush(ctx); err != nil {
		return nil, err
	}
	rows, err := p.store.db.QueryContext(ctx, `
		SELECT p.table_id, COALESCE(r.table_name, ''), p.hit_count, p.miss_count,
		       p.record_count, p.cache_size_bytes, COALESCE(p.last_access_time, '')
		FROM cache_performance p
		LEFT JOIN cache_table_registry r ON r.table_id = p.table_id
		ORDER BY p.hit_count + p.miss_count DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rep := &Report{GeneratedAtUTC: p.store.now()}
	for rows.Next() {
		var t TableReport
		if err := rows.Scan(&t.TableID, &t.TableName, &t.HitCount, &t.MissCount,
			&t.RecordCount, &t.CacheSizeBytes, &t.LastAccessTime); err != nil {
			return nil, err
		}
		if total := t.HitCount + t.MissCount; total > 0 {
			t.HitRate = float64(t.HitCount) / float64(total)
		}
		rep.TotalHits += t.HitCount
		rep.TotalMisses += t.MissCount
		rep.TotalRecords += t.RecordCount
		rep.TotalCacheBytes += t.CacheSizeBytes
		rep.Tables = append(rep.Tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if total := rep.TotalHits + rep.TotalMisses; total > 0 {
		rep.HitRate = float64(rep.TotalHits) / float64(total)
	}
	rep.TokensSavedEst = rep.TotalHits * tokensSavedPerHit
	return rep, nil
}
