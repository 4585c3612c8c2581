package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/fields"
)

// metaColumns are present in every physical table and never belong to a field.
var metaColumns = []string{"id", "cached_at", "expires_at"}

// sqliteReserved guards sanitised column names against keywords that would
// need quoting everywhere.
var sqliteReserved = map[string]bool{
	"abort": true, "action": true, "add": true, "all": true, "alter": true,
	"and": true, "as": true, "asc": true, "between": true, "by": true,
	"case": true, "check": true, "column": true, "commit": true, "create": true,
	"default": true, "delete": true, "desc": true, "distinct": true, "drop": true,
	"else": true, "end": true, "escape": true, "exists": true, "for": true,
	"foreign": true, "from": true, "group": true, "having": true, "if": true,
	"in": true, "index": true, "insert": true, "into": true, "is": true,
	"join": true, "key": true, "like": true, "limit": true, "not": true,
	"null": true, "of": true, "on": true, "or": true, "order": true,
	"primary": true, "references": true, "select": true, "set": true,
	"table": true, "then": true, "to": true, "transaction": true, "union": true,
	"unique": true, "update": true, "values": true, "when": true, "where": true,
}

// indexedTypes always get an index on their principal columns.
var indexedTypes = map[fields.Type]bool{
	fields.TypeRecordTitle:  true,
	fields.TypeStatus:       true,
	fields.TypeSingleSelect: true,
	fields.TypeDate:         true,
	fields.TypeDueDate:      true,
	fields.TypeDateRange:    true,
	fields.TypeCurrency:     true,
	fields.TypeLastUpdated:  true,
	fields.TypeYesNo:        true,
	fields.TypeUser:         true,
}

// FieldMapping maps a field slug to its ordered storage columns.
type FieldMapping map[string][]fields.Column

// RegistryEntry is one row of cache_table_registry, decoded.
type RegistryEntry struct {
	TableID   string
	SQLName   string
	TableName string
	Structure fields.Structure
	Mapping   FieldMapping
}

// TitleColumn returns the physical column holding the record title. Column
// names derive from field labels, so the slug alone never names the column.
func (e *RegistryEntry) TitleColumn() string {
	if cols, ok := e.Mapping["title"]; ok && len(cols) > 0 {
		return cols[0].Name
	}
	for _, f := range e.Structure {
		if f.Type == fields.TypeRecordTitle || f.Params.Primary {
			if cols := e.Mapping[f.Slug]; len(cols) > 0 {
				return cols[0].Name
			}
		}
	}
	return "id"
}

// sanitizeComponent folds an identifier fragment to [a-z0-9_] and never
// returns the empty string. A fragment may lead with a digit because it is
// always embedded behind a fixed prefix.
func sanitizeComponent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '.':
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		out = "f"
	}
	return out
}

// sanitizeIdent folds a standalone identifier, guarding a leading digit and
// reserved words on top of the component rules.
func sanitizeIdent(s string) string {
	out := sanitizeComponent(s)
	if out[0] >= '0' && out[0] <= '9' {
		out = "t_" + out
	}
	if sqliteReserved[out] {
		out += "_col"
	}
	return out
}

// physicalTableName derives the cache_records_* table name from the upstream
// table name and id. The fixed prefix keeps the composed name a legal
// identifier, so neither fragment needs the digit guard.
func physicalTableName(name, tableID string) string {
	return fmt.Sprintf("cache_records_%s_%s", sanitizeComponent(name), sanitizeComponent(tableID))
}

// columnBase returns the column base name for a field: the sanitised label
// when present, the sanitised slug otherwise.
func columnBase(f fields.Field) string {
	if f.Label != "" {
		return sanitizeIdent(f.Label)
	}
	return sanitizeIdent(f.Slug)
}

// buildMapping derives the field mapping for a structure, deduplicating
// column names against the metadata columns and each other by appending
// _2, _3, ….
func buildMapping(structure fields.Structure) FieldMapping {
	used := make(map[string]bool, len(structure)*2)
	for _, c := range metaColumns {
		used[c] = true
	}
	mapping := make(FieldMapping, len(structure))
	for _, f := range structure {
		cols := fields.Columns(f, columnBase(f))
		finals := make([]fields.Column, len(cols))
		for i, c := range cols {
			name := c.Name
			for n := 2; used[name]; n++ {
				name = fmt.Sprintf("%s_%d", c.Name, n)
			}
			used[name] = true
			finals[i] = fields.Column{Name: name, SQLType: c.SQLType}
		}
		mapping[f.Slug] = finals
	}
	return mapping
}

// extendMapping adds columns for new fields to an existing mapping, reusing
// the dedupe discipline against every column already present.
func extendMapping(mapping FieldMapping, added []fields.Field) FieldMapping {
	used := make(map[string]bool)
	for _, c := range metaColumns {
		used[c] = true
	}
	for _, cols := range mapping {
		for _, c := range cols {
			used[c.Name] = true
		}
	}
	out := make(FieldMapping, len(mapping)+len(added))
	for slug, cols := range mapping {
		out[slug] = cols
	}
	for _, f := range added {
		cols := fields.Columns(f, columnBase(f))
		finals := make([]fields.Column, len(cols))
		for i, c := range cols {
			name := c.Name
			for n := 2; used[name]; n++ {
				name = fmt.Sprintf("%s_%d", c.Name, n)
			}
			used[name] = true
			finals[i] = fields.Column{Name: name, SQLType: c.SQLType}
		}
		out[f.Slug] = finals
	}
	return out
}

// indexStatements returns the CREATE INDEX statements the policy requires for
// a table: expires_at always, the principal columns of indexed field types,
// the primary field and the title column.
func indexStatements(sqlName string, structure fields.Structure, mapping FieldMapping) []string {
	stmts := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s (expires_at)`, sqlName, sqlName),
	}
	seen := map[string]bool{}
	addIndex := func(col string) {
		if seen[col] {
			return
		}
		seen[col] = true
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)`, sqlName, col, sqlName, col))
	}
	for _, f := range structure {
		cols := mapping[f.Slug]
		if len(cols) == 0 {
			continue
		}
		want := indexedTypes[f.Type] || f.Params.Primary || f.Slug == "title" || f.Slug == "assigned_to"
		if !want {
			continue
		}
		for _, c := range fields.PrincipalColumns(f, cols) {
			addIndex(c.Name)
		}
	}
	return stmts
}

// Ensure guarantees that the physical table and registry row for tableID
// exist and match the given structure, evolving the schema when upstream
// added fields. It returns the physical table name.
func (s *Store) Ensure(ctx context.Context, tableID, tableName string, structure fields.Structure) (string, error) {
	entry, ok, err := s.Registry(ctx, tableID)
	if err != nil {
		return "", err
	}
	if !ok {
		return s.createTable(ctx, tableID, tableName, structure)
	}
	return entry.SQLName, s.evolveTable(ctx, entry, structure)
}

// Registry returns the registry entry for a table id.
func (s *Store) Registry(ctx context.Context, tableID string) (*RegistryEntry, bool, error) {
	if v, ok := s.registryLRU.get(tableID); ok {
		return v.(*RegistryEntry), true, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT sql_table_name, table_name, structure, field_mapping FROM cache_table_registry WHERE table_id = ?`,
		tableID)
	var sqlName, name, structJSON, mappingJSON string
	if err := row.Scan(&sqlName, &name, &structJSON, &mappingJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("registry lookup for %s: %w", tableID, err)
	}
	var structure fields.Structure
	if err := json.Unmarshal([]byte(structJSON), &structure); err != nil {
		return nil, false, fmt.Errorf("corrupt structure for %s: %w", tableID, err)
	}
	var mapping FieldMapping
	if err := json.Unmarshal([]byte(mappingJSON), &mapping); err != nil {
		return nil, false, fmt.Errorf("corrupt field mapping for %s: %w", tableID, err)
	}
	entry := &RegistryEntry{TableID: tableID, SQLName: sqlName, TableName: name, Structure: structure, Mapping: mapping}
	s.registryLRU.set(tableID, entry)
	return entry, true, nil
}

// RegisteredTables lists every table id in the registry.
func (s *Store) RegisteredTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT table_id FROM cache_table_registry`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) createTable(ctx context.Context, tableID, tableName string, structure fields.Structure) (string, error) {
	sqlName := physicalTableName(tableName, tableID)
	mapping := buildMapping(structure)

	var defs []string
	defs = append(defs, "id TEXT PRIMARY KEY", "cached_at TEXT NOT NULL", "expires_at TEXT NOT NULL")
	for _, f := range structure {
		for _, c := range mapping[f.Slug] {
			defs = append(defs, fmt.Sprintf("%s %s", c.Name, c.SQLType))
		}
	}
	createStmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", sqlName, strings.Join(defs, ", "))

	structJSON, err := json.Marshal(structure)
	if err != nil {
		return "", fmt.Errorf("encode structure: %w", err)
	}
	mappingJSON, err := json.Marshal(mapping)
	if err != nil {
		return "", fmt.Errorf("encode field mapping: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, createStmt); err != nil {
			return fmt.Errorf("create physical table %s: %w", sqlName, err)
		}
		for _, stmt := range indexStatements(sqlName, structure, mapping) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create index: %w", err)
			}
		}
		now := s.now()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cache_table_registry (table_id, sql_table_name, table_name, structure, field_mapping, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tableID, sqlName, tableName, string(structJSON), string(mappingJSON), now, now)
		return err
	})
	if err != nil {
		return "", err
	}
	s.registryLRU.set(tableID, &RegistryEntry{
		TableID: tableID, SQLName: sqlName, TableName: tableName,
		Structure: structure, Mapping: mapping,
	})
	return sqlName, nil
}

// evolveTable adds columns for fields that appeared upstream. Fields removed
// upstream keep their columns and their mapping entries (soft evolution);
// the stored structure keeps the removed descriptors so old rows still
// reconstruct. Either every new column lands and the registry row is updated,
// or nothing changes.
func (s *Store) evolveTable(ctx context.Context, entry *RegistryEntry, incoming fields.Structure) error {
	known := entry.Structure.Slugs()
	var added []fields.Field
	for _, f := range incoming {
		if !known[f.Slug] {
			added = append(added, f)
		}
	}
	if len(added) == 0 {
		return nil
	}

	mapping := extendMapping(entry.Mapping, added)
	structure := append(append(fields.Structure{}, entry.Structure...), added...)

	structJSON, err := json.Marshal(structure)
	if err != nil {
		return fmt.Errorf("encode structure: %w", err)
	}
	mappingJSON, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("encode field mapping: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, f := range added {
			for _, c := range mapping[f.Slug] {
				stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", entry.SQLName, c.Name, c.SQLType)
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("add column %s to %s: %w", c.Name, entry.SQLName, err)
				}
			}
		}
		for _, stmt := range indexStatements(entry.SQLName, fields.Structure(added), mapping) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create index: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE cache_table_registry SET structure = ?, field_mapping = ?, updated_at = ? WHERE table_id = ?`,
			string(structJSON), string(mappingJSON), s.now(), entry.TableID)
		return err
	})
	if err != nil {
		return err
	}
	s.registryLRU.set(entry.TableID, &RegistryEntry{
		TableID: entry.TableID, SQLName: entry.SQLName, TableName: entry.TableName,
		Structure: structure, Mapping: mapping,
	})
	return nil
}
