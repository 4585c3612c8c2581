package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/fields"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/timeutil"
)

// Record is a slug-keyed record as exchanged with the upstream API.
type Record map[string]any

// ID returns the record id.
func (r Record) ID() string {
	s, _ := r["id"].(string)
	return s
}

// Title returns the record title when present.
func (r Record) Title() string {
	if s, ok := r["title"].(string); ok {
		return s
	}
	return ""
}

// insertColumns returns the full column list and per-record value extractor
// for a registry entry, in a stable order.
func insertColumns(entry *RegistryEntry) ([]string, func(rec Record, cachedAt, expiresAt string) []any) {
	cols := []string{"id", "cached_at", "expires_at"}
	type slot struct {
		field fields.Field
		names []string
	}
	var slots []slot
	for _, f := range entry.Structure {
		mapped := entry.Mapping[f.Slug]
		if len(mapped) == 0 {
			continue
		}
		names := make([]string, len(mapped))
		for i, c := range mapped {
			names[i] = c.Name
		}
		cols = append(cols, names...)
		slots = append(slots, slot{field: f, names: names})
	}
	extract := func(rec Record, cachedAt, expiresAt string) []any {
		vals := make([]any, 0, len(cols))
		vals = append(vals, rec.ID(), cachedAt, expiresAt)
		for _, sl := range slots {
			vals = append(vals, fields.ExtractValues(sl.field, rec[sl.field.Slug])...)
		}
		return vals
	}
	return cols, extract
}

func insertStatement(sqlName string, cols []string) string {
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", sqlName, strings.Join(cols, ", "), ph)
}

// ReplaceAll ensures the schema for the table and replaces its entire record
// set. The delete and all inserts run in one transaction, and every row gets
// the same expires_at horizon.
func (s *Store) ReplaceAll(ctx context.Context, tableID, tableName string, structure fields.Structure, records []Record, ttl time.Duration) error {
	if _, err := s.Ensure(ctx, tableID, tableName, structure); err != nil {
		return err
	}
	entry, ok, err := s.Registry(ctx, tableID)
	if err != nil || !ok {
		return fmt.Errorf("registry entry missing after ensure for %s: %w", tableID, err)
	}

	now := time.Now()
	cachedAt := timeutil.FormatUTC(now)
	expiresAt := timeutil.FormatUTC(now.Add(ttl))
	cols, extract := insertColumns(entry)
	stmt := insertStatement(entry.SQLName, cols)

	sizeBytes := int64(0)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+entry.SQLName); err != nil {
			return fmt.Errorf("clear %s: %w", entry.SQLName, err)
		}
		ins, err := tx.PrepareContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer ins.Close()
		for _, rec := range records {
			if rec.ID() == "" {
				continue
			}
			if _, err := ins.ExecContext(ctx, extract(rec, cachedAt, expiresAt)...); err != nil {
				return fmt.Errorf("insert record %s: %w", rec.ID(), err)
			}
			if b, err := json.Marshal(rec); err == nil {
				sizeBytes += int64(len(b))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.perf.UpdateTableStats(ctx, tableID, int64(len(records)), sizeBytes)
	return nil
}

// UpsertOne replaces a single record, leaving sibling rows and their
// expires_at untouched. The table must have been cached before.
func (s *Store) UpsertOne(ctx context.Context, tableID string, rec Record) error {
	entry, ok, err := s.Registry(ctx, tableID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTableNotCached
	}
	now := time.Now()
	cachedAt := timeutil.FormatUTC(now)
	expiresAt := timeutil.FormatUTC(now.Add(s.TTLForTable(tableID)))
	cols, extract := insertColumns(entry)
	stmt := insertStatement(entry.SQLName, cols)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+entry.SQLName+" WHERE id = ?", rec.ID()); err != nil {
			return fmt.Errorf("delete stale row: %w", err)
		}
		if _, err := tx.ExecContext(ctx, stmt, extract(rec, cachedAt, expiresAt)...); err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID(), err)
		}
		return nil
	})
}

// DeleteOne removes a single record row. Unknown tables and missing rows are
// not errors.
func (s *Store) DeleteOne(ctx context.Context, tableID, recordID string) error {
	entry, ok, err := s.Registry(ctx, tableID)
	if err != nil || !ok {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM "+entry.SQLName+" WHERE id = ?", recordID)
		return err
	})
}

// Valid reports whether the record cache for a table holds at least one
// unexpired row.
func (s *Store) Valid(ctx context.Context, tableID string) (bool, error) {
	entry, ok, err := s.Registry(ctx, tableID)
	if err != nil || !ok {
		return false, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM "+entry.SQLName+" WHERE expires_at > ? LIMIT 1", s.now())
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetOne returns a reconstructed record when the cache is valid and the row
// exists and is unexpired.
func (s *Store) GetOne(ctx context.Context, tableID, recordID string) (Record, bool, error) {
	entry, ok, err := s.Registry(ctx, tableID)
	if err != nil || !ok {
		return nil, false, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT * FROM "+entry.SQLName+" WHERE id = ? AND expires_at > ?", recordID, s.now())
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	recs, err := scanRecords(rows, entry)
	if err != nil {
		return nil, false, err
	}
	if len(recs) == 0 {
		return nil, false, nil
	}
	return recs[0], true, nil
}

// scanRecords maps raw rows back to slug-keyed records by inverting the
// field mapping and reassembling multi-column fields through the codec.
func scanRecords(rows *sql.Rows, entry *RegistryEntry) ([]Record, error) {
	colNames, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	colIdx := make(map[string]int, len(colNames))
	for i, c := range colNames {
		colIdx[c] = i
	}

	var out []Record
	for rows.Next() {
		raw := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := Record{}
		if i, ok := colIdx["id"]; ok {
			if s, ok := raw[i].(string); ok {
				rec["id"] = s
			} else if b, ok := raw[i].([]byte); ok {
				rec["id"] = string(b)
			}
		}
		for _, f := range entry.Structure {
			mapped := entry.Mapping[f.Slug]
			if len(mapped) == 0 {
				continue
			}
			vals := make([]any, len(mapped))
			for i, c := range mapped {
				if idx, ok := colIdx[c.Name]; ok {
					vals[i] = raw[idx]
				}
			}
			if v := fields.ReconstructValue(f, vals); v != nil {
				rec[f.Slug] = v
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
