package engine

import (
	"context"
	"fmt"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/cache"
)

// ListSolutions serves the solution list cache-first.
func (e *Engine) ListSolutions(ctx context.Context, includeHidden bool, search string, refresh bool) ([]cache.Entity, error) {
	valid, err := e.store.SolutionsValid(ctx)
	if err != nil {
		return nil, err
	}
	if refresh || !valid {
		sols, err := e.api.ListSolutions(ctx)
		if err != nil {
			return nil, err
		}
		if err := e.store.PutSolutions(ctx, sols); err != nil {
			return nil, err
		}
	}
	return e.store.Solutions(ctx, includeHidden, search)
}

// GetSolution returns one solution, refreshing the list cache on a miss.
func (e *Engine) GetSolution(ctx context.Context, solutionID string) (cache.Entity, error) {
	sol, ok, err := e.store.Solution(ctx, solutionID)
	if err != nil {
		return nil, err
	}
	if ok {
		return sol, nil
	}
	if _, err := e.ListSolutions(ctx, true, "", true); err != nil {
		return nil, err
	}
	sol, ok, err = e.store.Solution(ctx, solutionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("solution %s: %w", solutionID, cache.ErrNotFound)
	}
	return sol, nil
}

// ListTables serves a solution's table list cache-first.
func (e *Engine) ListTables(ctx context.Context, solutionID, search string, refresh bool) ([]cache.Entity, error) {
	valid, err := e.store.TablesValid(ctx, solutionID)
	if err != nil {
		return nil, err
	}
	if refresh || !valid {
		tables, err := e.api.ListTables(ctx, solutionID)
		if err != nil {
			return nil, err
		}
		if err := e.store.PutTables(ctx, solutionID, tables); err != nil {
			return nil, err
		}
	}
	return e.store.Tables(ctx, solutionID, search)
}

// GetTable returns one table with its field catalogue, fetching from upstream
// on a cache miss.
func (e *Engine) GetTable(ctx context.Context, tableID string) (cache.Entity, error) {
	meta, ok, err := e.store.TableMeta(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if ok {
		return meta, nil
	}
	table, err := e.api.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}
	solutionID, _ := table["solution"].(string)
	if err := e.store.PutTableMeta(ctx, solutionID, table); err != nil {
		return nil, err
	}
	return table, nil
}

// ListMembers serves the member directory cache-first.
func (e *Engine) ListMembers(ctx context.Context, includeDeleted bool, search string, refresh bool) ([]cache.Entity, error) {
	valid, err := e.store.MembersValid(ctx)
	if err != nil {
		return nil, err
	}
	if refresh || !valid {
		members, err := e.api.ListMembers(ctx)
		if err != nil {
			return nil, err
		}
		if err := e.store.PutMembers(ctx, members); err != nil {
			return nil, err
		}
	}
	return e.store.Members(ctx, includeDeleted, search)
}

// ListTeams serves the team list cache-first, member counts only.
func (e *Engine) ListTeams(ctx context.Context, search string, refresh bool) ([]cache.Entity, error) {
	valid, err := e.store.TeamsValid(ctx)
	if err != nil {
		return nil, err
	}
	if refresh || !valid {
		teams, err := e.api.ListTeams(ctx)
		if err != nil {
			return nil, err
		}
		if err := e.store.PutTeams(ctx, teams); err != nil {
			return nil, err
		}
	}
	return e.store.Teams(ctx, search)
}

// GetTeam returns one team with hydrated member summaries. The member cache
// is warmed first so the join has data.
func (e *Engine) GetTeam(ctx context.Context, teamID string) (cache.Entity, error) {
	if _, err := e.ListMembers(ctx, true, "", false); err != nil {
		return nil, err
	}
	team, ok, err := e.store.Team(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := e.ListTeams(ctx, "", true); err != nil {
			return nil, err
		}
		team, ok, err = e.store.Team(ctx, teamID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("team %s: %w", teamID, cache.ErrNotFound)
		}
	}
	return team, nil
}

// ListViews serves a table's view list cache-first.
func (e *Engine) ListViews(ctx context.Context, tableID string, refresh bool) ([]cache.Entity, error) {
	valid, err := e.store.ViewsValid(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if refresh || !valid {
		views, err := e.api.ListViews(ctx, tableID)
		if err != nil {
			return nil, err
		}
		if err := e.store.PutViews(ctx, tableID, views); err != nil {
			return nil, err
		}
	}
	return e.store.Views(ctx, tableID)
}

// GetView fetches one view from upstream; single views are not cached.
func (e *Engine) GetView(ctx context.Context, viewID string) (cache.Entity, error) {
	return e.api.GetView(ctx, viewID)
}

// ListDeletedRecords serves a table's recycle bin cache-first.
func (e *Engine) ListDeletedRecords(ctx context.Context, tableID string, refresh bool) ([]cache.Entity, error) {
	valid, err := e.store.DeletedRecordsValid(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if refresh || !valid {
		recs, err := e.api.ListDeletedRecords(ctx, tableID)
		if err != nil {
			return nil, err
		}
		meta, _, _ := e.store.TableMeta(ctx, tableID)
		solutionID, _ := meta["solution"].(string)
		if err := e.store.PutDeletedRecords(ctx, solutionID, tableID, recs); err != nil {
			return nil, err
		}
	}
	return e.store.DeletedRecords(ctx, tableID)
}

// ListComments passes through to upstream; comments are not cached.
func (e *Engine) ListComments(ctx context.Context, recordID string) ([]cache.Entity, error) {
	return e.api.ListComments(ctx, recordID)
}

// AddComment posts a comment; nothing cached changes.
func (e *Engine) AddComment(ctx context.Context, tableID, recordID, message string) (cache.Entity, error) {
	return e.api.AddComment(ctx, tableID, recordID, message)
}
