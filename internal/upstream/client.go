// Package upstream is a thin client for the SmartSuite REST API. The engine
// treats it as a request to JSON function; everything transport-specific
// (auth headers, retries, request ids) lives here.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const defaultBaseURL = "https://app.smartsuite.com/api/v1"

// APIError is a non-success upstream response, body included so callers can
// surface the upstream message.
type APIError struct {
	StatusCode int
	Body       string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// retryable reports whether a status is worth retrying.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// CallObserver is notified after every upstream request, successful or not,
// with the wall time the call took including retries. The engine uses it for
// API usage accounting and metrics.
type CallObserver func(method, endpoint string, duration time.Duration, err error)

// Client executes authenticated SmartSuite API calls.
type Client struct {
	baseURL  string
	apiKey   string
	account  string
	http     *http.Client
	log      *slog.Logger
	observer CallObserver
	maxRetry time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithObserver registers the per-call observer.
func WithObserver(o CallObserver) Option {
	return func(c *Client) { c.observer = o }
}

// WithMaxRetryTime bounds the retry window for 429/5xx responses.
func WithMaxRetryTime(d time.Duration) Option {
	return func(c *Client) { c.maxRetry = d }
}

// New builds a client for one workspace.
func New(apiKey, accountID string, opts ...Option) *Client {
	c := &Client{
		baseURL:  defaultBaseURL,
		apiKey:   apiKey,
		account:  accountID,
		http:     &http.Client{Timeout: 60 * time.Second},
		log:      slog.Default(),
		maxRetry: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do executes one call with retries on 429/5xx and decodes the JSON response
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}
	requestID := uuid.NewString()

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Token "+c.apiKey)
		req.Header.Set("ACCOUNT-ID", c.account)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-Id", requestID)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw)), Endpoint: endpoint}
			if retryable(resp.StatusCode) {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode %s response: %w", endpoint, err))
			}
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.maxRetry
	started := time.Now()
	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))

	if c.observer != nil {
		c.observer(method, endpoint, time.Since(started), err)
	}
	if err != nil {
		c.log.Debug("upstream call failed",
			slog.String("method", method), slog.String("endpoint", endpoint),
			slog.String("request_id", requestID), slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Page is the standard paged list response.
type Page struct {
	Total  int              `json:"total"`
	Offset int              `json:"offset"`
	Limit  int              `json:"limit"`
	Items  []map[string]any `json:"items"`
}

// ---- solutions and tables ----

func (c *Client) ListSolutions(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.do(ctx, http.MethodGet, "/solutions/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSolution(ctx context.Context, solutionID string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/solutions/"+solutionID+"/", nil, &out)
	return out, err
}

// ListTables returns the tables (applications) of a solution, field catalogue
// included.
func (c *Client) ListTables(ctx context.Context, solutionID string) ([]map[string]any, error) {
	var out []map[string]any
	endpoint := "/applications/?solution=" + url.QueryEscape(solutionID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTable(ctx context.Context, tableID string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/applications/"+tableID+"/", nil, &out)
	return out, err
}

// ---- records ----

// ListRecordsRequest is one page request against the records list endpoint.
type ListRecordsRequest struct {
	Offset   int            `json:"offset"`
	Limit    int            `json:"limit"`
	Hydrated bool           `json:"hydrated"`
	Filter   map[string]any `json:"filter,omitempty"`
	Sort     []any          `json:"sort,omitempty"`
}

func (c *Client) ListRecords(ctx context.Context, tableID string, req ListRecordsRequest) (*Page, error) {
	endpoint := fmt.Sprintf("/applications/%s/records/list/?offset=%d&limit=%d", tableID, req.Offset, req.Limit)
	var out Page
	if err := c.do(ctx, http.MethodPost, endpoint, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryRecords runs one filtered, sorted, paged list upstream. The engine
// falls back to it for filters the local translator cannot compile.
func (c *Client) QueryRecords(ctx context.Context, tableID string, filter map[string]any, sort []map[string]any, limit, offset int) ([]map[string]any, int64, error) {
	if limit <= 0 || limit > pageSize {
		limit = pageSize
	}
	req := ListRecordsRequest{Offset: offset, Limit: limit, Hydrated: true, Filter: filter}
	for _, s := range sort {
		req.Sort = append(req.Sort, s)
	}
	page, err := c.ListRecords(ctx, tableID, req)
	if err != nil {
		return nil, 0, err
	}
	return page.Items, int64(page.Total), nil
}

func (c *Client) GetRecord(ctx context.Context, tableID, recordID string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/applications/"+tableID+"/records/"+recordID+"/", nil, &out)
	return out, err
}

func (c *Client) CreateRecord(ctx context.Context, tableID string, fields map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/applications/"+tableID+"/records/", fields, &out)
	return out, err
}

func (c *Client) UpdateRecord(ctx context.Context, tableID, recordID string, fields map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPatch, "/applications/"+tableID+"/records/"+recordID+"/", fields, &out)
	return out, err
}

func (c *Client) DeleteRecord(ctx context.Context, tableID, recordID string) error {
	return c.do(ctx, http.MethodDelete, "/applications/"+tableID+"/records/"+recordID+"/", nil, nil)
}

func (c *Client) BulkCreateRecords(ctx context.Context, tableID string, items []map[string]any) ([]map[string]any, error) {
	var out []map[string]any
	err := c.do(ctx, http.MethodPost, "/applications/"+tableID+"/records/bulk/",
		map[string]any{"items": items}, &out)
	return out, err
}

func (c *Client) BulkUpdateRecords(ctx context.Context, tableID string, items []map[string]any) ([]map[string]any, error) {
	var out []map[string]any
	err := c.do(ctx, http.MethodPatch, "/applications/"+tableID+"/records/bulk/",
		map[string]any{"items": items}, &out)
	return out, err
}

// ---- fields ----

func (c *Client) AddField(ctx context.Context, tableID string, field map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/applications/"+tableID+"/add_field/", field, &out)
	return out, err
}

func (c *Client) BulkAddFields(ctx context.Context, tableID string, fields []map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/applications/"+tableID+"/bulk-add-fields/",
		map[string]any{"fields": fields}, &out)
	return out, err
}

func (c *Client) UpdateField(ctx context.Context, tableID, slug string, field map[string]any) (map[string]any, error) {
	body := map[string]any{"slug": slug}
	for k, v := range field {
		body[k] = v
	}
	var out map[string]any
	err := c.do(ctx, http.MethodPut, "/applications/"+tableID+"/change_field/", body, &out)
	return out, err
}

func (c *Client) DeleteField(ctx context.Context, tableID, slug string) error {
	return c.do(ctx, http.MethodPost, "/applications/"+tableID+"/delete_field/",
		map[string]any{"slug": slug}, nil)
}

// ---- members and teams ----

func (c *Client) ListMembers(ctx context.Context) ([]map[string]any, error) {
	var out Page
	err := c.do(ctx, http.MethodPost, "/members/list/", map[string]any{"limit": 0}, &out)
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) ListTeams(ctx context.Context) ([]map[string]any, error) {
	var out Page
	err := c.do(ctx, http.MethodPost, "/teams/list/", map[string]any{"limit": 0}, &out)
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ---- comments ----

func (c *Client) ListComments(ctx context.Context, recordID string) ([]map[string]any, error) {
	var out Page
	endpoint := "/comments/?record=" + url.QueryEscape(recordID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) AddComment(ctx context.Context, tableID, recordID, message string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/comments/", map[string]any{
		"assigned_to": nil,
		"application": tableID,
		"record":      recordID,
		"message": map[string]any{
			"data": map[string]any{
				"type":    "doc",
				"content": []any{map[string]any{"type": "paragraph", "content": []any{map[string]any{"type": "text", "text": message}}}},
			},
		},
	}, &out)
	return out, err
}

// ---- views ----

func (c *Client) ListViews(ctx context.Context, tableID string) ([]map[string]any, error) {
	var out []map[string]any
	endpoint := "/reports/?application=" + url.QueryEscape(tableID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetView(ctx context.Context, viewID string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/reports/"+viewID+"/", nil, &out)
	return out, err
}

// ---- deleted records ----

func (c *Client) ListDeletedRecords(ctx context.Context, tableID string) ([]map[string]any, error) {
	var out Page
	err := c.do(ctx, http.MethodPost, "/applications/"+tableID+"/records/deleted_records/list/",
		map[string]any{"limit": 0}, &out)
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) RestoreRecord(ctx context.Context, tableID, recordID string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/applications/"+tableID+"/records/"+recordID+"/restore/", nil, &out)
	return out, err
}

// ---- files ----

// AttachFileByURL asks upstream to pull a file into a file field.
func (c *Client) AttachFileByURL(ctx context.Context, tableID, recordID, fieldSlug, fileURL string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/attachments/attach-from-url/", map[string]any{
		"application": tableID,
		"record":      recordID,
		"field":       fieldSlug,
		"url":         fileURL,
	}, &out)
	return out, err
}
