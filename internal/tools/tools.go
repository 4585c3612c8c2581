// Package tools exposes the engine's operations as MCP tools. Handlers
// validate input, call the engine and encode through the shaper; the stdio
// dispatch loop itself belongs to the SDK.
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/cache"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/engine"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/filter"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/shape"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/upstream"
)

// Result is the uniform structured payload every tool returns.
type Result = map[string]any

// Recorder observes tool invocations. *metrics.Metrics satisfies it; nil
// disables recording.
type Recorder interface {
	RecordToolCall(tool string, duration time.Duration, errKind string)
}

// missingParamError reports an absent required parameter.
type missingParamError struct{ param string }

func (e *missingParamError) Error() string {
	return fmt.Sprintf("missing required parameter %q", e.param)
}

func missing(param string) error { return &missingParamError{param} }

// errKind maps an error to the envelope's error kind.
func errKind(err error) string {
	var apiErr *upstream.APIError
	var missingErr *missingParamError
	switch {
	case errors.As(err, &apiErr):
		return "upstream"
	case errors.As(err, &missingErr),
		errors.Is(err, filter.ErrInvalidFilter),
		errors.Is(err, cache.ErrUnknownField),
		errors.Is(err, cache.ErrUnsupportedOperator):
		return "validation"
	case errors.Is(err, cache.ErrNotFound):
		return "not_found"
	}
	return "internal"
}

// handle adapts a tool body to the SDK handler signature. It times the call,
// converts errors to the structured envelope and reports the outcome to the
// recorder. Handler errors never propagate to the SDK; the envelope is the
// contract.
func handle[In any](rec Recorder, name string, fn func(ctx context.Context, in In) (Result, error)) func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, Result, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Result, error) {
		start := time.Now()
		out, err := fn(ctx, in)
		kind := ""
		if err != nil {
			kind = errKind(err)
			out = shape.ErrorEnvelope(kind, err.Error())
		}
		if rec != nil {
			rec.RecordToolCall(name, time.Since(start), kind)
		}
		return nil, out, nil
	}
}

// SortInput is one sort key of a list_records call.
type SortInput struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"`
}

type listSolutionsInput struct {
	IncludeHidden bool   `json:"include_hidden,omitempty"`
	Search        string `json:"search,omitempty"`
	Refresh       bool   `json:"refresh,omitempty"`
}

type solutionInput struct {
	SolutionID string `json:"solution_id"`
}

type listTablesInput struct {
	SolutionID string `json:"solution_id"`
	Search     string `json:"search,omitempty"`
	Refresh    bool   `json:"refresh,omitempty"`
}

type tableInput struct {
	TableID string `json:"table_id"`
}

type listRecordsInput struct {
	TableID string         `json:"table_id"`
	Filter  map[string]any `json:"filter,omitempty"`
	Sort    []SortInput    `json:"sort,omitempty"`
	Limit   int            `json:"limit,omitempty"`
	Offset  int            `json:"offset,omitempty"`
	Fields  []string       `json:"fields,omitempty"`
	Format  string         `json:"format,omitempty"`
	Summary bool           `json:"summary,omitempty"`
	Refresh bool           `json:"refresh,omitempty"`
}

type searchRecordsInput struct {
	TableID string `json:"table_id"`
	Query   string `json:"query"`
	Limit   int    `json:"limit,omitempty"`
}

type recordInput struct {
	TableID  string   `json:"table_id"`
	RecordID string   `json:"record_id"`
	Fields   []string `json:"fields,omitempty"`
}

type createRecordInput struct {
	TableID string         `json:"table_id"`
	Fields  map[string]any `json:"fields"`
}

type updateRecordInput struct {
	TableID  string         `json:"table_id"`
	RecordID string         `json:"record_id"`
	Fields   map[string]any `json:"fields"`
}

type bulkRecordsInput struct {
	TableID string           `json:"table_id"`
	Records []map[string]any `json:"records"`
}

type addFieldInput struct {
	TableID string         `json:"table_id"`
	Field   map[string]any `json:"field"`
}

type bulkAddFieldsInput struct {
	TableID string           `json:"table_id"`
	Fields  []map[string]any `json:"fields"`
}

type updateFieldInput struct {
	TableID string         `json:"table_id"`
	Slug    string         `json:"slug"`
	Field   map[string]any `json:"field"`
}

type deleteFieldInput struct {
	TableID string `json:"table_id"`
	Slug    string `json:"slug"`
}

type listMembersInput struct {
	IncludeDeleted bool   `json:"include_deleted,omitempty"`
	Search         string `json:"search,omitempty"`
	Refresh        bool   `json:"refresh,omitempty"`
}

type searchMembersInput struct {
	Query string `json:"query"`
}

type listTeamsInput struct {
	Search  string `json:"search,omitempty"`
	Refresh bool   `json:"refresh,omitempty"`
}

type teamInput struct {
	TeamID string `json:"team_id"`
}

type listCommentsInput struct {
	RecordID string `json:"record_id"`
}

type addCommentInput struct {
	TableID  string `json:"table_id"`
	RecordID string `json:"record_id"`
	Message  string `json:"message"`
}

type listViewsInput struct {
	TableID string `json:"table_id"`
	Refresh bool   `json:"refresh,omitempty"`
}

type viewInput struct {
	ViewID string `json:"view_id"`
}

type listDeletedInput struct {
	TableID string `json:"table_id"`
	Refresh bool   `json:"refresh,omitempty"`
}

type attachFileInput struct {
	TableID   string `json:"table_id"`
	RecordID  string `json:"record_id"`
	FieldSlug string `json:"field_slug"`
	URL       string `json:"url"`
}

type emptyInput struct{}

// entityList wraps metadata entities into the standard list envelope.
func entityList(entities []cache.Entity) Result {
	return Result{
		"total_count": int64(len(entities)),
		"count":       len(entities),
		"items":       entities,
	}
}

// Register wires every tool onto an MCP server.
func Register(server *mcp.Server, e *engine.Engine, rec Recorder) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_solutions",
		Description: "List workspace solutions, with optional fuzzy name search.",
	}, handle(rec, "list_solutions", func(ctx context.Context, in listSolutionsInput) (Result, error) {
		sols, err := e.ListSolutions(ctx, in.IncludeHidden, in.Search, in.Refresh)
		if err != nil {
			return nil, err
		}
		return entityList(sols), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_solution",
		Description: "Get one solution by id.",
	}, handle(rec, "get_solution", func(ctx context.Context, in solutionInput) (Result, error) {
		if in.SolutionID == "" {
			return nil, missing("solution_id")
		}
		sol, err := e.GetSolution(ctx, in.SolutionID)
		if err != nil {
			return nil, err
		}
		return Result(sol), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tables",
		Description: "List the tables of a solution, field catalogues included.",
	}, handle(rec, "list_tables", func(ctx context.Context, in listTablesInput) (Result, error) {
		if in.SolutionID == "" {
			return nil, missing("solution_id")
		}
		tables, err := e.ListTables(ctx, in.SolutionID, in.Search, in.Refresh)
		if err != nil {
			return nil, err
		}
		return entityList(tables), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_table",
		Description: "Get one table with its field catalogue.",
	}, handle(rec, "get_table", func(ctx context.Context, in tableInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		table, err := e.GetTable(ctx, in.TableID)
		if err != nil {
			return nil, err
		}
		return Result(table), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_records",
		Description: "Query a table's records with filters, sorting and paging, served from the local cache.",
	}, handle(rec, "list_records", func(ctx context.Context, in listRecordsInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		rq := engine.RecordQuery{
			TableID: in.TableID, Filter: in.Filter,
			Limit: in.Limit, Offset: in.Offset, Refresh: in.Refresh,
		}
		for _, s := range in.Sort {
			rq.Sort = append(rq.Sort, engine.SortSpec{Field: s.Field, Direction: s.Direction})
		}
		recs, total, err := e.ListRecords(ctx, rq)
		if err != nil {
			return nil, err
		}
		return shape.EncodeList(recs, total, shape.ListOptions{
			Fields: in.Fields, Format: in.Format, Summary: in.Summary,
		}), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_records",
		Description: "Fuzzy-search a table's records by title.",
	}, handle(rec, "search_records", func(ctx context.Context, in searchRecordsInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		if in.Query == "" {
			return nil, missing("query")
		}
		recs, total, err := e.SearchRecords(ctx, in.TableID, in.Query, in.Limit)
		if err != nil {
			return nil, err
		}
		return shape.EncodeList(recs, total, shape.ListOptions{}), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_record",
		Description: "Get one record by id.",
	}, handle(rec, "get_record", func(ctx context.Context, in recordInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		if in.RecordID == "" {
			return nil, missing("record_id")
		}
		r, err := e.GetRecord(ctx, in.TableID, in.RecordID)
		if err != nil {
			return nil, err
		}
		return Result(shape.Project(shape.CleanRecord(r), in.Fields)), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_record",
		Description: "Create a record and cache it.",
	}, handle(rec, "create_record", func(ctx context.Context, in createRecordInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		r, err := e.CreateRecord(ctx, in.TableID, in.Fields)
		if err != nil {
			return nil, err
		}
		return shape.MutationResult("create_record", r.ID(), r.Title(), true), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_record",
		Description: "Update a record and refresh its cached row.",
	}, handle(rec, "update_record", func(ctx context.Context, in updateRecordInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		if in.RecordID == "" {
			return nil, missing("record_id")
		}
		r, err := e.UpdateRecord(ctx, in.TableID, in.RecordID, in.Fields)
		if err != nil {
			return nil, err
		}
		return shape.MutationResult("update_record", r.ID(), r.Title(), true), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_record",
		Description: "Delete a record and drop its cached row.",
	}, handle(rec, "delete_record", func(ctx context.Context, in recordInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		if in.RecordID == "" {
			return nil, missing("record_id")
		}
		if err := e.DeleteRecord(ctx, in.TableID, in.RecordID); err != nil {
			return nil, err
		}
		return shape.MutationResult("delete_record", in.RecordID, "", true), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "bulk_create_records",
		Description: "Create several records in one upstream call.",
	}, handle(rec, "bulk_create_records", func(ctx context.Context, in bulkRecordsInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		recs, err := e.BulkCreateRecords(ctx, in.TableID, in.Records)
		if err != nil {
			return nil, err
		}
		return shape.EncodeList(recs, int64(len(recs)), shape.ListOptions{Format: shape.FormatJSON}), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "bulk_update_records",
		Description: "Update several records in one upstream call.",
	}, handle(rec, "bulk_update_records", func(ctx context.Context, in bulkRecordsInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		recs, err := e.BulkUpdateRecords(ctx, in.TableID, in.Records)
		if err != nil {
			return nil, err
		}
		return shape.EncodeList(recs, int64(len(recs)), shape.ListOptions{Format: shape.FormatJSON}), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_field",
		Description: "Add a field to a table; the table's cached schema is rebuilt on next read.",
	}, handle(rec, "add_field", func(ctx context.Context, in addFieldInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		out, err := e.AddField(ctx, in.TableID, in.Field)
		if err != nil {
			return nil, err
		}
		return Result(out), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "bulk_add_fields",
		Description: "Add several fields to a table in one call.",
	}, handle(rec, "bulk_add_fields", func(ctx context.Context, in bulkAddFieldsInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		out, err := e.BulkAddFields(ctx, in.TableID, in.Fields)
		if err != nil {
			return nil, err
		}
		return Result(out), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_field",
		Description: "Change a field definition.",
	}, handle(rec, "update_field", func(ctx context.Context, in updateFieldInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		if in.Slug == "" {
			return nil, missing("slug")
		}
		out, err := e.UpdateField(ctx, in.TableID, in.Slug, in.Field)
		if err != nil {
			return nil, err
		}
		return Result(out), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_field",
		Description: "Delete a field from a table.",
	}, handle(rec, "delete_field", func(ctx context.Context, in deleteFieldInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		if in.Slug == "" {
			return nil, missing("slug")
		}
		if err := e.DeleteField(ctx, in.TableID, in.Slug); err != nil {
			return nil, err
		}
		return shape.MutationResult("delete_field", in.Slug, "", false), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_members",
		Description: "List workspace members; soft-deleted members are hidden unless requested.",
	}, handle(rec, "list_members", func(ctx context.Context, in listMembersInput) (Result, error) {
		members, err := e.ListMembers(ctx, in.IncludeDeleted, in.Search, in.Refresh)
		if err != nil {
			return nil, err
		}
		return entityList(members), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_members",
		Description: "Fuzzy-search members by name or email.",
	}, handle(rec, "search_members", func(ctx context.Context, in searchMembersInput) (Result, error) {
		if in.Query == "" {
			return nil, missing("query")
		}
		members, err := e.ListMembers(ctx, false, in.Query, false)
		if err != nil {
			return nil, err
		}
		return entityList(members), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_teams",
		Description: "List teams with member counts.",
	}, handle(rec, "list_teams", func(ctx context.Context, in listTeamsInput) (Result, error) {
		teams, err := e.ListTeams(ctx, in.Search, in.Refresh)
		if err != nil {
			return nil, err
		}
		return entityList(teams), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_team",
		Description: "Get one team with its members hydrated.",
	}, handle(rec, "get_team", func(ctx context.Context, in teamInput) (Result, error) {
		if in.TeamID == "" {
			return nil, missing("team_id")
		}
		team, err := e.GetTeam(ctx, in.TeamID)
		if err != nil {
			return nil, err
		}
		return Result(team), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_comments",
		Description: "List the comments of a record.",
	}, handle(rec, "list_comments", func(ctx context.Context, in listCommentsInput) (Result, error) {
		if in.RecordID == "" {
			return nil, missing("record_id")
		}
		comments, err := e.ListComments(ctx, in.RecordID)
		if err != nil {
			return nil, err
		}
		return entityList(comments), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_comment",
		Description: "Add a plain-text comment to a record.",
	}, handle(rec, "add_comment", func(ctx context.Context, in addCommentInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		if in.RecordID == "" {
			return nil, missing("record_id")
		}
		if in.Message == "" {
			return nil, missing("message")
		}
		out, err := e.AddComment(ctx, in.TableID, in.RecordID, in.Message)
		if err != nil {
			return nil, err
		}
		return Result(out), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_views",
		Description: "List the saved views of a table.",
	}, handle(rec, "list_views", func(ctx context.Context, in listViewsInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		views, err := e.ListViews(ctx, in.TableID, in.Refresh)
		if err != nil {
			return nil, err
		}
		return entityList(views), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_view",
		Description: "Get one saved view.",
	}, handle(rec, "get_view", func(ctx context.Context, in viewInput) (Result, error) {
		if in.ViewID == "" {
			return nil, missing("view_id")
		}
		view, err := e.GetView(ctx, in.ViewID)
		if err != nil {
			return nil, err
		}
		return Result(view), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_deleted_records",
		Description: "List a table's recycle bin.",
	}, handle(rec, "list_deleted_records", func(ctx context.Context, in listDeletedInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		recs, err := e.ListDeletedRecords(ctx, in.TableID, in.Refresh)
		if err != nil {
			return nil, err
		}
		return entityList(recs), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "restore_record",
		Description: "Restore a deleted record.",
	}, handle(rec, "restore_record", func(ctx context.Context, in recordInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		if in.RecordID == "" {
			return nil, missing("record_id")
		}
		r, err := e.RestoreRecord(ctx, in.TableID, in.RecordID)
		if err != nil {
			return nil, err
		}
		return shape.MutationResult("restore_record", r.ID(), r.Title(), true), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "attach_file",
		Description: "Attach a file to a record's file field by URL.",
	}, handle(rec, "attach_file", func(ctx context.Context, in attachFileInput) (Result, error) {
		if in.TableID == "" {
			return nil, missing("table_id")
		}
		if in.RecordID == "" {
			return nil, missing("record_id")
		}
		if in.FieldSlug == "" {
			return nil, missing("field_slug")
		}
		if in.URL == "" {
			return nil, missing("url")
		}
		r, err := e.AttachFile(ctx, in.TableID, in.RecordID, in.FieldSlug, in.URL)
		if err != nil {
			return nil, err
		}
		return shape.MutationResult("attach_file", r.ID(), r.Title(), true), nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cache_report",
		Description: "Cache effectiveness report: hit rates, per-table stats and API usage.",
	}, handle(rec, "cache_report", func(ctx context.Context, in emptyInput) (Result, error) {
		return e.CacheReport(ctx)
	}))
}
