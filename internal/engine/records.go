package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/cache"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/filter"
)

// SortSpec is one sort key of a record query.
type SortSpec struct {
	Field     string
	Direction string
}

// RecordQuery is a local query over one table's record cache.
type RecordQuery struct {
	TableID string
	// Filter is the raw portable filter tree.
	Filter map[string]any
	Sort   []SortSpec
	Limit  int
	Offset int
	// Refresh forces a re-hydration before querying.
	Refresh bool
}

// hydrate guarantees a valid record cache for the table, fetching the full
// hydrated record set from upstream when the cache is missing or expired. It
// returns the registry entry to query against.
func (e *Engine) hydrate(ctx context.Context, tableID string, force bool) (*cache.RegistryEntry, error) {
	valid, err := e.store.Valid(ctx, tableID)
	if err != nil {
		return nil, err
	}
	perf := e.store.Performance()
	if valid && !force {
		perf.RecordHit(ctx, tableID)
		e.obs.RecordCacheAccess(tableID, true)
		entry, _, err := e.store.Registry(ctx, tableID)
		return entry, err
	}
	perf.RecordMiss(ctx, tableID)
	e.obs.RecordCacheAccess(tableID, false)

	table, err := e.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}
	structure, err := structureOf(table)
	if err != nil {
		return nil, err
	}
	raw, err := e.api.ListAllRecords(ctx, tableID, true)
	if err != nil {
		return nil, err
	}
	records := make([]cache.Record, len(raw))
	for i, r := range raw {
		records[i] = cache.Record(r)
	}
	ttl := e.store.TTLForTable(tableID)
	started := time.Now()
	if err := e.store.ReplaceAll(ctx, tableID, tableName(table), structure, records, ttl); err != nil {
		return nil, err
	}
	e.obs.RecordStoreOperation("replace_all", time.Since(started))
	e.obs.UpdateTableGauge(tableID, float64(len(records)))
	e.log.Debug("hydrated table",
		slog.String("table_id", tableID), slog.Int("records", len(records)))

	entry, ok, err := e.store.Registry(ctx, tableID)
	if err != nil || !ok {
		return nil, fmt.Errorf("registry missing after hydration for %s: %w", tableID, err)
	}
	return entry, nil
}

// ListRecords runs a filtered, sorted, paged query against the cache,
// hydrating first when needed. It returns the page and the total match count
// before paging.
func (e *Engine) ListRecords(ctx context.Context, rq RecordQuery) ([]cache.Record, int64, error) {
	entry, err := e.hydrate(ctx, rq.TableID, rq.Refresh)
	if err != nil {
		return nil, 0, err
	}

	tree, err := filter.Parse(rq.Filter)
	if err != nil {
		return nil, 0, err
	}

	build := func() (*cache.Query, error) {
		q := e.store.Query(entry)
		if err := filter.Apply(q, tree); err != nil {
			return nil, err
		}
		return q, nil
	}

	countQ, err := build()
	if err != nil {
		// A filter the translator cannot compile is still a legal upstream
		// filter; forward it instead of failing the call.
		if errors.Is(err, cache.ErrUnknownField) || errors.Is(err, cache.ErrUnsupportedOperator) {
			return e.forwardQuery(ctx, rq)
		}
		return nil, 0, err
	}
	total, err := countQ.Count(ctx)
	if err != nil {
		return nil, 0, err
	}

	q, err := build()
	if err != nil {
		return nil, 0, err
	}
	for _, s := range rq.Sort {
		q.Order(s.Field, s.Direction)
	}
	if rq.Limit > 0 {
		q.Limit(rq.Limit)
	}
	if rq.Offset > 0 {
		q.Offset(rq.Offset)
	}
	recs, err := q.Execute(ctx)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// forwardQuery sends a query upstream with emptiness values normalised to the
// null shape the API expects.
func (e *Engine) forwardQuery(ctx context.Context, rq RecordQuery) ([]cache.Record, int64, error) {
	sort := make([]map[string]any, 0, len(rq.Sort))
	for _, s := range rq.Sort {
		dir := s.Direction
		if dir == "" {
			dir = "asc"
		}
		sort = append(sort, map[string]any{"field": s.Field, "direction": dir})
	}
	raw, total, err := e.api.QueryRecords(ctx, rq.TableID,
		filter.NormalizeForUpstream(rq.Filter), sort, rq.Limit, rq.Offset)
	if err != nil {
		return nil, 0, err
	}
	e.log.Debug("filter forwarded upstream",
		slog.String("table_id", rq.TableID), slog.Int("matches", len(raw)))
	recs := make([]cache.Record, len(raw))
	for i, r := range raw {
		recs[i] = cache.Record(r)
	}
	return recs, total, nil
}

// SearchRecords fuzzy-matches the record title column.
func (e *Engine) SearchRecords(ctx context.Context, tableID, query string, limit int) ([]cache.Record, int64, error) {
	entry, err := e.hydrate(ctx, tableID, false)
	if err != nil {
		return nil, 0, err
	}
	titleCol := entry.TitleColumn()
	total, err := e.store.Query(entry).
		WhereRaw("fuzzy_match("+titleCol+", ?)", []any{query}).Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	q := e.store.Query(entry).
		WhereRaw("fuzzy_match("+titleCol+", ?)", []any{query}).
		Order("title", "asc")
	if limit > 0 {
		q.Limit(limit)
	}
	recs, err := q.Execute(ctx)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// GetRecord returns one record, cache-first with a silent upstream fallback
// that also warms the row.
func (e *Engine) GetRecord(ctx context.Context, tableID, recordID string) (cache.Record, error) {
	if _, err := e.hydrate(ctx, tableID, false); err != nil {
		return nil, err
	}
	rec, ok, err := e.store.GetOne(ctx, tableID, recordID)
	if err != nil {
		return nil, err
	}
	if ok {
		return rec, nil
	}
	raw, err := e.api.GetRecord(ctx, tableID, recordID)
	if err != nil {
		return nil, err
	}
	rec = cache.Record(raw)
	if err := e.store.UpsertOne(ctx, tableID, rec); err != nil {
		e.log.Warn("failed to cache fetched record",
			slog.String("table_id", tableID), slog.String("error", err.Error()))
	}
	return rec, nil
}

// CreateRecord writes through: upstream first, then a single-row upsert so
// the cache reflects the mutation without a full refresh.
func (e *Engine) CreateRecord(ctx context.Context, tableID string, values map[string]any) (cache.Record, error) {
	raw, err := e.api.CreateRecord(ctx, tableID, values)
	if err != nil {
		return nil, err
	}
	rec := cache.Record(raw)
	if err := e.cacheAfterMutation(ctx, tableID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateRecord writes through like CreateRecord.
func (e *Engine) UpdateRecord(ctx context.Context, tableID, recordID string, values map[string]any) (cache.Record, error) {
	raw, err := e.api.UpdateRecord(ctx, tableID, recordID, values)
	if err != nil {
		return nil, err
	}
	rec := cache.Record(raw)
	if err := e.cacheAfterMutation(ctx, tableID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteRecord deletes upstream then drops the cached row.
func (e *Engine) DeleteRecord(ctx context.Context, tableID, recordID string) error {
	if err := e.api.DeleteRecord(ctx, tableID, recordID); err != nil {
		return err
	}
	return e.store.DeleteOne(ctx, tableID, recordID)
}

// BulkCreateRecords writes through per returned record.
func (e *Engine) BulkCreateRecords(ctx context.Context, tableID string, items []map[string]any) ([]cache.Record, error) {
	raw, err := e.api.BulkCreateRecords(ctx, tableID, items)
	if err != nil {
		return nil, err
	}
	return e.cacheBulk(ctx, tableID, raw)
}

// BulkUpdateRecords writes through per returned record.
func (e *Engine) BulkUpdateRecords(ctx context.Context, tableID string, items []map[string]any) ([]cache.Record, error) {
	raw, err := e.api.BulkUpdateRecords(ctx, tableID, items)
	if err != nil {
		return nil, err
	}
	return e.cacheBulk(ctx, tableID, raw)
}

func (e *Engine) cacheBulk(ctx context.Context, tableID string, raw []map[string]any) ([]cache.Record, error) {
	recs := make([]cache.Record, len(raw))
	for i, r := range raw {
		recs[i] = cache.Record(r)
		if err := e.cacheAfterMutation(ctx, tableID, recs[i]); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// cacheAfterMutation upserts a mutated record when the table is cached. An
// uncached table stays uncached; the next read hydrates it whole.
func (e *Engine) cacheAfterMutation(ctx context.Context, tableID string, rec cache.Record) error {
	err := e.store.UpsertOne(ctx, tableID, rec)
	if err == cache.ErrTableNotCached {
		return nil
	}
	return err
}

// ---- field mutations: full cascade ----

// AddField creates a field upstream and drops the table's cached schema.
func (e *Engine) AddField(ctx context.Context, tableID string, field map[string]any) (cache.Entity, error) {
	out, err := e.api.AddField(ctx, tableID, field)
	if err != nil {
		return nil, err
	}
	return out, e.store.InvalidateTable(ctx, tableID, true)
}

// BulkAddFields creates several fields upstream, one cascade.
func (e *Engine) BulkAddFields(ctx context.Context, tableID string, fields []map[string]any) (cache.Entity, error) {
	out, err := e.api.BulkAddFields(ctx, tableID, fields)
	if err != nil {
		return nil, err
	}
	return out, e.store.InvalidateTable(ctx, tableID, true)
}

// UpdateField changes a field definition upstream, then cascades.
func (e *Engine) UpdateField(ctx context.Context, tableID, slug string, field map[string]any) (cache.Entity, error) {
	out, err := e.api.UpdateField(ctx, tableID, slug, field)
	if err != nil {
		return nil, err
	}
	return out, e.store.InvalidateTable(ctx, tableID, true)
}

// DeleteField removes a field upstream, then cascades.
func (e *Engine) DeleteField(ctx context.Context, tableID, slug string) error {
	if err := e.api.DeleteField(ctx, tableID, slug); err != nil {
		return err
	}
	return e.store.InvalidateTable(ctx, tableID, true)
}

// ---- recycle bin and files ----

// RestoreRecord restores upstream, drops the recycle-bin row and warms the
// record cache with the restored record.
func (e *Engine) RestoreRecord(ctx context.Context, tableID, recordID string) (cache.Record, error) {
	raw, err := e.api.RestoreRecord(ctx, tableID, recordID)
	if err != nil {
		return nil, err
	}
	if err := e.store.DropDeletedRecord(ctx, recordID); err != nil {
		return nil, err
	}
	rec := cache.Record(raw)
	if err := e.cacheAfterMutation(ctx, tableID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// AttachFile attaches a file by URL and refreshes the cached record.
func (e *Engine) AttachFile(ctx context.Context, tableID, recordID, fieldSlug, fileURL string) (cache.Record, error) {
	if _, err := e.api.AttachFileByURL(ctx, tableID, recordID, fieldSlug, fileURL); err != nil {
		return nil, err
	}
	raw, err := e.api.GetRecord(ctx, tableID, recordID)
	if err != nil {
		return nil, err
	}
	rec := cache.Record(raw)
	if err := e.cacheAfterMutation(ctx, tableID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ---- reporting ----

// CacheReport aggregates performance counters and this user's API usage.
func (e *Engine) CacheReport(ctx context.Context) (map[string]any, error) {
	rep, err := e.store.Performance().Report(ctx)
	if err != nil {
		return nil, err
	}
	usage, err := e.store.Usage(ctx, e.userHash)
	if err != nil {
		return nil, err
	}
	if size, err := e.store.Size(ctx); err == nil {
		e.obs.UpdateCacheBytes(float64(size))
	}
	return map[string]any{
		"performance": rep,
		"api_usage":   usage,
		"session_id":  e.sessionID,
	}, nil
}
