package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/timeutil"
)

// Entity is a raw upstream object kept whole in its *_json column, with a few
// fields extracted for filtering.
type Entity = map[string]any

func mstr(m Entity, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func mbool(m Entity, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func entityJSON(m Entity) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func parseEntity(raw string) (Entity, error) {
	var e Entity
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("corrupt cached entity: %w", err)
	}
	return e, nil
}

func (s *Store) horizon(kind string) (string, string) {
	now := time.Now()
	return timeutil.FormatUTC(now), timeutil.FormatUTC(now.Add(s.ttl.forKind(kind)))
}

// hasFreshRows reports whether a fixed cache table holds at least one
// unexpired row matching the optional extra condition.
func (s *Store) hasFreshRows(ctx context.Context, table, extra string, params ...any) (bool, error) {
	q := "SELECT 1 FROM " + table + " WHERE expires_at > ?"
	if extra != "" {
		q += " AND " + extra
	}
	q += " LIMIT 1"
	var one int
	err := s.db.QueryRowContext(ctx, q, append([]any{s.now()}, params...)...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) scanEntities(ctx context.Context, query string, params ...any) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		e, err := parseEntity(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- solutions ----

// PutSolutions replaces the cached solution list.
func (s *Store) PutSolutions(ctx context.Context, solutions []Entity) error {
	cachedAt, expiresAt := s.horizon(KindSolutions)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM cached_solutions"); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO cached_solutions (id, name, logo_color, hidden, solution_json, cached_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, sol := range solutions {
			hidden := 0
			if mbool(sol, "hidden") {
				hidden = 1
			}
			_, err := stmt.ExecContext(ctx, mstr(sol, "id"), mstr(sol, "name"),
				mstr(sol, "logo_color"), hidden, entityJSON(sol), cachedAt, expiresAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// SolutionsValid reports whether the solution cache is fresh.
func (s *Store) SolutionsValid(ctx context.Context) (bool, error) {
	return s.hasFreshRows(ctx, "cached_solutions", "")
}

// Solutions lists cached solutions. Hidden solutions are skipped unless
// includeHidden; a non-empty search filters by diacritic-insensitive fuzzy
// match on the name.
func (s *Store) Solutions(ctx context.Context, includeHidden bool, search string) ([]Entity, error) {
	q := "SELECT solution_json FROM cached_solutions WHERE expires_at > ?"
	params := []any{s.now()}
	if !includeHidden {
		q += " AND hidden = 0"
	}
	if search != "" {
		q += " AND fuzzy_match(name, ?)"
		params = append(params, search)
	}
	q += " ORDER BY name"
	return s.scanEntities(ctx, q, params...)
}

// Solution returns one cached solution by id.
func (s *Store) Solution(ctx context.Context, id string) (Entity, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT solution_json FROM cached_solutions WHERE id = ? AND expires_at > ?",
		id, s.now()).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	e, err := parseEntity(raw)
	return e, err == nil, err
}

// ---- tables ----

// PutTables replaces the cached table list for one solution.
func (s *Store) PutTables(ctx context.Context, solutionID string, tables []Entity) error {
	cachedAt, expiresAt := s.horizon(KindTables)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM cached_tables WHERE solution_id = ?", solutionID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO cached_tables (id, solution_id, name, structure, table_json, cached_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range tables {
			structure := ""
			if v, ok := t["structure"]; ok {
				if b, err := json.Marshal(v); err == nil {
					structure = string(b)
				}
			}
			_, err := stmt.ExecContext(ctx, mstr(t, "id"), solutionID, mstr(t, "name"),
				structure, entityJSON(t), cachedAt, expiresAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// TablesValid reports whether the table cache for a solution is fresh.
func (s *Store) TablesValid(ctx context.Context, solutionID string) (bool, error) {
	return s.hasFreshRows(ctx, "cached_tables", "solution_id = ?", solutionID)
}

// Tables lists cached tables for a solution, with an optional fuzzy name
// search.
func (s *Store) Tables(ctx context.Context, solutionID, search string) ([]Entity, error) {
	q := "SELECT table_json FROM cached_tables WHERE solution_id = ? AND expires_at > ?"
	params := []any{solutionID, s.now()}
	if search != "" {
		q += " AND fuzzy_match(name, ?)"
		params = append(params, search)
	}
	q += " ORDER BY name"
	return s.scanEntities(ctx, q, params...)
}

// TableMeta returns one cached table by id, regardless of solution.
func (s *Store) TableMeta(ctx context.Context, tableID string) (Entity, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT table_json FROM cached_tables WHERE id = ? AND expires_at > ?",
		tableID, s.now()).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	e, err := parseEntity(raw)
	return e, err == nil, err
}

// PutTableMeta upserts a single table row, used after a structure mutation so
// the metadata cache reflects the change without a full solution refresh.
func (s *Store) PutTableMeta(ctx context.Context, solutionID string, table Entity) error {
	cachedAt, expiresAt := s.horizon(KindTables)
	structure := ""
	if v, ok := table["structure"]; ok {
		if b, err := json.Marshal(v); err == nil {
			structure = string(b)
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO cached_tables (id, solution_id, name, structure, table_json, cached_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			mstr(table, "id"), solutionID, mstr(table, "name"), structure,
			entityJSON(table), cachedAt, expiresAt)
		return err
	})
}

// ---- members ----

// PutMembers replaces the cached member directory.
func (s *Store) PutMembers(ctx context.Context, members []Entity) error {
	cachedAt, expiresAt := s.horizon(KindMembers)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM cached_members"); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO cached_members (id, email, full_name, role, deleted_date, member_json, cached_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range members {
			_, err := stmt.ExecContext(ctx, mstr(m, "id"), memberEmail(m), memberFullName(m),
				mstr(m, "role"), nullIfEmpty(memberDeletedDate(m)), entityJSON(m), cachedAt, expiresAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// memberEmail tolerates both a plain string and the upstream list-of-strings
// shape.
func memberEmail(m Entity) string {
	switch v := m["email"].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func memberFullName(m Entity) string {
	switch v := m["full_name"].(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["sys_root"].(string); ok {
			return s
		}
		parts := []string{}
		for _, k := range []string{"first_name", "middle_name", "last_name"} {
			if s, ok := v[k].(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func memberDeletedDate(m Entity) string {
	switch v := m["deleted_date"].(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["date"].(string); ok {
			return s
		}
	}
	return ""
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MembersValid reports whether the member cache is fresh.
func (s *Store) MembersValid(ctx context.Context) (bool, error) {
	return s.hasFreshRows(ctx, "cached_members", "")
}

// Members lists cached members. Soft-deleted members are excluded unless
// includeDeleted; search fuzzy-matches name and email.
func (s *Store) Members(ctx context.Context, includeDeleted bool, search string) ([]Entity, error) {
	q := "SELECT member_json FROM cached_members WHERE expires_at > ?"
	params := []any{s.now()}
	if !includeDeleted {
		q += " AND deleted_date IS NULL"
	}
	if search != "" {
		q += " AND (fuzzy_match(full_name, ?) OR fuzzy_match(email, ?))"
		params = append(params, search, search)
	}
	q += " ORDER BY full_name"
	return s.scanEntities(ctx, q, params...)
}

// Member returns one cached member by id, including soft-deleted ones.
func (s *Store) Member(ctx context.Context, id string) (Entity, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT member_json FROM cached_members WHERE id = ? AND expires_at > ?",
		id, s.now()).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	e, err := parseEntity(raw)
	return e, err == nil, err
}

// ---- teams ----

// PutTeams replaces the cached team list.
func (s *Store) PutTeams(ctx context.Context, teams []Entity) error {
	cachedAt, expiresAt := s.horizon(KindTeams)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM cached_teams"); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO cached_teams (id, name, member_ids, team_json, cached_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range teams {
			memberIDs := "[]"
			if v, ok := t["members"]; ok {
				if b, err := json.Marshal(v); err == nil {
					memberIDs = string(b)
				}
			}
			_, err := stmt.ExecContext(ctx, mstr(t, "id"), mstr(t, "name"),
				memberIDs, entityJSON(t), cachedAt, expiresAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// TeamsValid reports whether the team cache is fresh.
func (s *Store) TeamsValid(ctx context.Context) (bool, error) {
	return s.hasFreshRows(ctx, "cached_teams", "")
}

// Teams lists cached teams with a member_count derived from the stored id
// list.
func (s *Store) Teams(ctx context.Context, search string) ([]Entity, error) {
	q := "SELECT team_json, member_ids FROM cached_teams WHERE expires_at > ?"
	params := []any{s.now()}
	if search != "" {
		q += " AND fuzzy_match(name, ?)"
		params = append(params, search)
	}
	q += " ORDER BY name"
	rows, err := s.db.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		var raw, memberIDs string
		if err := rows.Scan(&raw, &memberIDs); err != nil {
			return nil, err
		}
		e, err := parseEntity(raw)
		if err != nil {
			return nil, err
		}
		var ids []any
		_ = json.Unmarshal([]byte(memberIDs), &ids)
		e["member_count"] = len(ids)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Team returns one cached team with its member id list hydrated into member
// summaries from the member cache.
func (s *Store) Team(ctx context.Context, id string) (Entity, bool, error) {
	var raw, memberIDs string
	err := s.db.QueryRowContext(ctx,
		"SELECT team_json, member_ids FROM cached_teams WHERE id = ? AND expires_at > ?",
		id, s.now()).Scan(&raw, &memberIDs)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	team, err := parseEntity(raw)
	if err != nil {
		return nil, false, err
	}
	var ids []string
	_ = json.Unmarshal([]byte(memberIDs), &ids)
	hydrated := make([]Entity, 0, len(ids))
	for _, mid := range ids {
		m, ok, err := s.Member(ctx, mid)
		if err != nil {
			return nil, false, err
		}
		if ok {
			hydrated = append(hydrated, Entity{
				"id":        mid,
				"full_name": memberFullName(m),
				"email":     memberEmail(m),
			})
		} else {
			hydrated = append(hydrated, Entity{"id": mid})
		}
	}
	team["members"] = hydrated
	team["member_count"] = len(ids)
	return team, true, nil
}

// ---- deleted records ----

// syncMarkerID keys the per-table freshness marker row. Upstream record ids
// are hex, so the prefix cannot collide with a real record.
func syncMarkerID(tableID string) string {
	return "_sync:" + tableID
}

// PutDeletedRecords replaces the cached deleted-record list for one table. A
// marker row carries the freshness horizon so an empty recycle bin still
// caches as a valid result.
func (s *Store) PutDeletedRecords(ctx context.Context, solutionID, tableID string, records []Entity) error {
	cachedAt, expiresAt := s.horizon(KindDeletedRecords)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM cached_deleted_records WHERE table_id = ?", tableID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO cached_deleted_records (id, table_id, solution_id, title, deleted_on, deleted_by, record_json, cached_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		if _, err := stmt.ExecContext(ctx, syncMarkerID(tableID), tableID, solutionID,
			"", nil, nil, "{}", cachedAt, expiresAt); err != nil {
			return err
		}
		for _, r := range records {
			deletedOn, deletedBy := deletedMeta(r)
			_, err := stmt.ExecContext(ctx, mstr(r, "id"), tableID, solutionID,
				mstr(r, "title"), nullIfEmpty(deletedOn), nullIfEmpty(deletedBy),
				entityJSON(r), cachedAt, expiresAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func deletedMeta(r Entity) (string, string) {
	if d, ok := r["deleted_date"].(map[string]any); ok {
		on, _ := d["on"].(string)
		if on == "" {
			on, _ = d["date"].(string)
		}
		by, _ := d["by"].(string)
		return on, by
	}
	on, _ := r["deleted_date"].(string)
	return on, ""
}

// DeletedRecordsValid reports whether the deleted-record cache for a table is
// fresh. Freshness hangs off the marker row, not the record rows, so a table
// whose recycle bin emptied stays valid until the horizon passes.
func (s *Store) DeletedRecordsValid(ctx context.Context, tableID string) (bool, error) {
	return s.hasFreshRows(ctx, "cached_deleted_records", "table_id = ? AND id = ?",
		tableID, syncMarkerID(tableID))
}

// DeletedRecords lists cached deleted records for a table, newest deletion
// first.
func (s *Store) DeletedRecords(ctx context.Context, tableID string) ([]Entity, error) {
	return s.scanEntities(ctx,
		`SELECT record_json FROM cached_deleted_records
		 WHERE table_id = ? AND id <> ? AND expires_at > ? ORDER BY deleted_on DESC`,
		tableID, syncMarkerID(tableID), s.now())
}

// DropDeletedRecord removes one row from the deleted-record cache, used after
// a restore.
func (s *Store) DropDeletedRecord(ctx context.Context, recordID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM cached_deleted_records WHERE id = ?", recordID)
		return err
	})
}

// ---- views ----

// PutViews replaces the cached view list for one table.
func (s *Store) PutViews(ctx context.Context, tableID string, views []Entity) error {
	cachedAt, expiresAt := s.horizon(KindViews)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM cached_views WHERE table_id = ?", tableID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO cached_views (id, table_id, name, view_type, view_json, cached_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, v := range views {
			viewType := mstr(v, "type")
			if viewType == "" {
				viewType = mstr(v, "view_type")
			}
			_, err := stmt.ExecContext(ctx, mstr(v, "id"), tableID, mstr(v, "name"),
				viewType, entityJSON(v), cachedAt, expiresAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ViewsValid reports whether the view cache for a table is fresh.
func (s *Store) ViewsValid(ctx context.Context, tableID string) (bool, error) {
	return s.hasFreshRows(ctx, "cached_views", "table_id = ?", tableID)
}

// Views lists cached views for a table.
func (s *Store) Views(ctx context.Context, tableID string) ([]Entity, error) {
	return s.scanEntities(ctx,
		"SELECT view_json FROM cached_views WHERE table_id = ? AND expires_at > ? ORDER BY name",
		tableID, s.now())
}
