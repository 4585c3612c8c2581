package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Invalidation marks rows expired by rewriting expires_at to the epoch
// instead of deleting them, so a subsequent refresh reuses the physical
// tables. A structure change is the exception: the physical table no longer
// matches the upstream shape and is dropped together with its registry row.

// InvalidateTable expires the record cache for one table. When
// structureChanged is set the physical table and its registry entry are
// dropped so the next refresh rebuilds the schema from the new structure, and
// the table-list row and per-table views expire with it.
func (s *Store) InvalidateTable(ctx context.Context, tableID string, structureChanged bool) error {
	entry, ok, err := s.Registry(ctx, tableID)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if ok {
			if structureChanged {
				if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+entry.SQLName); err != nil {
					return fmt.Errorf("drop %s: %w", entry.SQLName, err)
				}
				if _, err := tx.ExecContext(ctx, "DELETE FROM cache_table_registry WHERE table_id = ?", tableID); err != nil {
					return err
				}
			} else {
				if _, err := tx.ExecContext(ctx, "UPDATE "+entry.SQLName+" SET expires_at = ?", epoch); err != nil {
					return fmt.Errorf("expire %s: %w", entry.SQLName, err)
				}
			}
		}
		if !structureChanged {
			return nil
		}
		if _, err := tx.ExecContext(ctx, "UPDATE cached_views SET expires_at = ? WHERE table_id = ?", epoch, tableID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "UPDATE cached_tables SET expires_at = ? WHERE id = ?", epoch, tableID)
		return err
	})
	if err != nil {
		return err
	}
	if structureChanged {
		s.registryLRU.delete(tableID)
	}
	s.log.Debug("invalidated table cache",
		slog.String("table_id", tableID), slog.Bool("structure_changed", structureChanged))
	return nil
}

// solutionTableIDs resolves the table ids known for a solution, expired rows
// included; an empty solutionID means every cached table.
func (s *Store) solutionTableIDs(ctx context.Context, solutionID string) ([]string, error) {
	q := "SELECT id FROM cached_tables"
	var params []any
	if solutionID != "" {
		q += " WHERE solution_id = ?"
		params = append(params, solutionID)
	}
	rows, err := s.db.QueryContext(ctx, q, params...)
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

// InvalidateTableList expires the table metadata cache for a solution, first
// cascading into the record caches of every table it lists so no record cache
// outlives the metadata that describes it. An empty solutionID expires the
// table cache for all solutions.
func (s *Store) InvalidateTableList(ctx context.Context, solutionID string) error {
	ids, err := s.solutionTableIDs(ctx, solutionID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.InvalidateTable(ctx, id, false); err != nil {
			return err
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		q := "UPDATE cached_tables SET expires_at = ?"
		params := []any{epoch}
		if solutionID != "" {
			q += " WHERE solution_id = ?"
			params = append(params, solutionID)
		}
		_, err := tx.ExecContext(ctx, q, params...)
		return err
	})
}

// InvalidateSolutions expires the solution cache, cascading through every
// table list and record cache first.
func (s *Store) InvalidateSolutions(ctx context.Context) error {
	if err := s.InvalidateTableList(ctx, ""); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE cached_solutions SET expires_at = ?", epoch)
		return err
	})
}

// InvalidateMembers expires the member directory cache.
func (s *Store) InvalidateMembers(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE cached_members SET expires_at = ?", epoch)
		return err
	})
}

// InvalidateTeams expires the team cache.
func (s *Store) InvalidateTeams(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE cached_teams SET expires_at = ?", epoch)
		return err
	})
}

// InvalidateViews expires the view cache for one table, or all tables when
// tableID is empty.
func (s *Store) InvalidateViews(ctx context.Context, tableID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		q := "UPDATE cached_views SET expires_at = ?"
		params := []any{epoch}
		if tableID != "" {
			q += " WHERE table_id = ?"
			params = append(params, tableID)
		}
		_, err := tx.ExecContext(ctx, q, params...)
		return err
	})
}

// InvalidateDeletedRecords expires the deleted-record cache for one table, or
// all tables when tableID is empty.
func (s *Store) InvalidateDeletedRecords(ctx context.Context, tableID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		q := "UPDATE cached_deleted_records SET expires_at = ?"
		params := []any{epoch}
		if tableID != "" {
			q += " WHERE table_id = ?"
			params = append(params, tableID)
		}
		_, err := tx.ExecContext(ctx, q, params...)
		return err
	})
}

// ClearAll drops every record cache table and empties the fixed caches.
// Counters, TTL overrides and the API log survive.
func (s *Store) ClearAll(ctx context.Context) error {
	ids, err := s.RegisteredTables(ctx)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			var sqlName string
			if err := tx.QueryRowContext(ctx,
				"SELECT sql_table_name FROM cache_table_registry WHERE table_id = ?", id).Scan(&sqlName); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlName); err != nil {
				return err
			}
		}
		for _, table := range []string{
			"cache_table_registry", "cached_solutions", "cached_tables",
			"cached_members", "cached_teams", "cached_deleted_records", "cached_views",
		} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.registryLRU.delete(id)
	}
	s.log.Info("cache cleared", slog.Int("record_tables_dropped", len(ids)))
	return nil
}

// Vacuum reclaims database space after large invalidations.
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}
