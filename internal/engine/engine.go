// Package engine orchestrates the cache-first read path and the write-through
// mutation path between the tool surface and the upstream API.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/cache"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/fields"
)

// Upstream is the slice of the API client the engine consumes.
type Upstream interface {
	ListSolutions(ctx context.Context) ([]map[string]any, error)
	GetSolution(ctx context.Context, solutionID string) (map[string]any, error)
	ListTables(ctx context.Context, solutionID string) ([]map[string]any, error)
	GetTable(ctx context.Context, tableID string) (map[string]any, error)

	ListAllRecords(ctx context.Context, tableID string, hydrated bool) ([]map[string]any, error)
	QueryRecords(ctx context.Context, tableID string, filter map[string]any, sort []map[string]any, limit, offset int) ([]map[string]any, int64, error)
	GetRecord(ctx context.Context, tableID, recordID string) (map[string]any, error)
	CreateRecord(ctx context.Context, tableID string, fields map[string]any) (map[string]any, error)
	UpdateRecord(ctx context.Context, tableID, recordID string, fields map[string]any) (map[string]any, error)
	DeleteRecord(ctx context.Context, tableID, recordID string) error
	BulkCreateRecords(ctx context.Context, tableID string, items []map[string]any) ([]map[string]any, error)
	BulkUpdateRecords(ctx context.Context, tableID string, items []map[string]any) ([]map[string]any, error)

	AddField(ctx context.Context, tableID string, field map[string]any) (map[string]any, error)
	BulkAddFields(ctx context.Context, tableID string, fields []map[string]any) (map[string]any, error)
	UpdateField(ctx context.Context, tableID, slug string, field map[string]any) (map[string]any, error)
	DeleteField(ctx context.Context, tableID, slug string) error

	ListMembers(ctx context.Context) ([]map[string]any, error)
	ListTeams(ctx context.Context) ([]map[string]any, error)

	ListComments(ctx context.Context, recordID string) ([]map[string]any, error)
	AddComment(ctx context.Context, tableID, recordID, message string) (map[string]any, error)

	ListViews(ctx context.Context, tableID string) ([]map[string]any, error)
	GetView(ctx context.Context, viewID string) (map[string]any, error)

	ListDeletedRecords(ctx context.Context, tableID string) ([]map[string]any, error)
	RestoreRecord(ctx context.Context, tableID, recordID string) (map[string]any, error)

	AttachFileByURL(ctx context.Context, tableID, recordID, fieldSlug, fileURL string) (map[string]any, error)
}

// Observer receives cache and store telemetry. *metrics.Metrics satisfies it.
type Observer interface {
	RecordCacheAccess(table string, hit bool)
	RecordStoreOperation(operation string, duration time.Duration)
	UpdateTableGauge(table string, records float64)
	UpdateCacheBytes(size float64)
}

type noopObserver struct{}

func (noopObserver) RecordCacheAccess(string, bool)             {}
func (noopObserver) RecordStoreOperation(string, time.Duration) {}
func (noopObserver) UpdateTableGauge(string, float64)           {}
func (noopObserver) UpdateCacheBytes(float64)                   {}

// Options configures an Engine.
type Options struct {
	Logger *slog.Logger
	// Observer receives cache/store telemetry; nil disables it.
	Observer Observer
	// AccountID and EmailHint feed the user hash attached to API usage rows.
	AccountID string
	EmailHint string
}

// Engine is the orchestrator. One instance serves one workspace session.
type Engine struct {
	store *cache.Store
	api   Upstream
	log   *slog.Logger
	obs   Observer

	sessionID string
	userHash  string
}

// New builds an engine over an opened store and an upstream client.
func New(store *cache.Store, api Upstream, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	obs := opts.Observer
	if obs == nil {
		obs = noopObserver{}
	}
	e := &Engine{
		store:     store,
		api:       api,
		log:       log,
		obs:       obs,
		sessionID: newSessionID(),
		userHash:  userHash(opts.AccountID, opts.EmailHint),
	}
	log.Info("session started",
		slog.String("session_id", e.sessionID), slog.String("user_hash", e.userHash))
	return e
}

// SessionID returns the id attached to this process's API usage rows.
func (e *Engine) SessionID() string { return e.sessionID }

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// newSessionID builds a sortable human-readable session id.
func newSessionID() string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = base36[rand.IntN(36)]
	}
	return time.Now().UTC().Format("20060102_150405") + "_" + string(suffix)
}

// userHash pseudonymises the workspace user for usage accounting.
func userHash(accountID, email string) string {
	sum := sha256.Sum256([]byte(accountID + ":" + email))
	return hex.EncodeToString(sum[:])[:16]
}

// RecordAPICall logs one upstream call under this session. Wired as the
// client's call observer.
func (e *Engine) RecordAPICall(method, endpoint string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	solutionID, tableID := endpointScope(endpoint)
	e.store.LogAPICall(ctx, cache.APICall{
		UserHash:   e.userHash,
		SessionID:  e.sessionID,
		Method:     method,
		Endpoint:   endpoint,
		SolutionID: solutionID,
		TableID:    tableID,
	})
}

// endpointScope extracts the solution or table id an endpoint addresses.
func endpointScope(endpoint string) (solutionID, tableID string) {
	path := endpoint
	if i := strings.IndexByte(path, '?'); i >= 0 {
		if strings.HasPrefix(path, "/applications/?solution=") {
			solutionID = path[len("/applications/?solution="):]
		}
		path = path[:i]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		switch parts[i] {
		case "solutions":
			solutionID = parts[i+1]
		case "applications":
			tableID = parts[i+1]
		}
	}
	return solutionID, tableID
}

// structureOf decodes the field catalogue out of a raw table object.
func structureOf(table map[string]any) (fields.Structure, error) {
	raw, ok := table["structure"]
	if !ok {
		return nil, fmt.Errorf("table %v has no structure", table["id"])
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return fields.ParseStructure(b)
}

func tableName(table map[string]any) string {
	if s, ok := table["name"].(string); ok {
		return s
	}
	return "table"
}

func entityID(e map[string]any) string {
	s, _ := e["id"].(string)
	return s
}
