package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Resource kinds with distinct default TTLs.
const (
	KindRecords        = "records"
	KindSolutions      = "solutions"
	KindTables         = "tables"
	KindMembers        = "members"
	KindTeams          = "teams"
	KindViews          = "views"
	KindDeletedRecords = "deleted_records"
)

// TTLDefaults carries configurable default TTLs per resource kind.
type TTLDefaults struct {
	Records   time.Duration
	Solutions time.Duration
	Tables    time.Duration
	Members   time.Duration
	Teams     time.Duration
	Views     time.Duration
	Deleted   time.Duration
}

// ttlConfig resolves the TTL for a resource: per-table override from
// cache_ttl_config, then the kind default.
type ttlConfig struct {
	mu        sync.RWMutex
	defaults  TTLDefaults
	overrides map[string]time.Duration
}

func newTTLConfig(d TTLDefaults) *ttlConfig {
	if d.Records == 0 {
		d.Records = 12 * time.Hour
	}
	if d.Solutions == 0 {
		d.Solutions = 7 * 24 * time.Hour
	}
	if d.Tables == 0 {
		d.Tables = 7 * 24 * time.Hour
	}
	if d.Members == 0 {
		d.Members = 7 * 24 * time.Hour
	}
	if d.Teams == 0 {
		d.Teams = 7 * 24 * time.Hour
	}
	if d.Views == 0 {
		d.Views = 30 * 24 * time.Hour
	}
	if d.Deleted == 0 {
		d.Deleted = 12 * time.Hour
	}
	return &ttlConfig{defaults: d, overrides: make(map[string]time.Duration)}
}

func (t *ttlConfig) load(ctx context.Context, s *Store) error {
	rows, err := s.db.QueryContext(ctx, `SELECT table_id, ttl_seconds FROM cache_ttl_config`)
	if err != nil {
		return err
	}
	defer rows.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	for rows.Next() {
		var id string
		var secs int64
		if err := rows.Scan(&id, &secs); err != nil {
			return err
		}
		t.overrides[id] = time.Duration(secs) * time.Second
	}
	return rows.Err()
}

func (t *ttlConfig) forKind(kind string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch kind {
	case KindSolutions:
		return t.defaults.Solutions
	case KindTables:
		return t.defaults.Tables
	case KindMembers:
		return t.defaults.Members
	case KindTeams:
		return t.defaults.Teams
	case KindViews:
		return t.defaults.Views
	case KindDeletedRecords:
		return t.defaults.Deleted
	}
	return t.defaults.Records
}

func (t *ttlConfig) forTable(tableID string) time.Duration {
	t.mu.RLock()
	if d, ok := t.overrides[tableID]; ok {
		t.mu.RUnlock()
		return d
	}
	t.mu.RUnlock()
	return t.forKind(KindRecords)
}

// TTLForTable returns the record TTL for a table, honouring per-table
// overrides.
func (s *Store) TTLForTable(tableID string) time.Duration {
	return s.ttl.forTable(tableID)
}

// TTLForKind returns the default TTL for a metadata resource kind.
func (s *Store) TTLForKind(kind string) time.Duration {
	return s.ttl.forKind(kind)
}

// SetTableTTL persists a per-table TTL override. mutationLevel tags how
// frequently the table is expected to change; notes are free-form.
func (s *Store) SetTableTTL(ctx context.Context, tableID string, ttl time.Duration, mutationLevel, notes string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cache_ttl_config (table_id, ttl_seconds, mutation_level, notes, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(table_id) DO UPDATE SET
				ttl_seconds = excluded.ttl_seconds,
				mutation_level = excluded.mutation_level,
				notes = excluded.notes,
				updated_at = excluded.updated_at`,
			tableID, int64(ttl/time.Second), mutationLevel, notes, s.now())
		return err
	})
	if err != nil {
		return err
	}
	s.ttl.mu.Lock()
	s.ttl.overrides[tableID] = ttl
	s.ttl.mu.Unlock()
	return nil
}

// SetTTLDefaults replaces the kind defaults, used by config hot-reload.
func (s *Store) SetTTLDefaults(d TTLDefaults) {
	fresh := newTTLConfig(d)
	s.ttl.mu.Lock()
	s.ttl.defaults = fresh.defaults
	s.ttl.mu.Unlock()
}
