package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/cache"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/filter"
	"github.com/Grupo-AFAL/smartsuite-mcp-server-sub003/internal/upstream"
)

func TestErrKindClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind string
	}{
		{"filter", fmt.Errorf("bad tree: %w", filter.ErrInvalidFilter), "validation"},
		{"field", fmt.Errorf("%w: nope", cache.ErrUnknownField), "validation"},
		{"operator", fmt.Errorf("%w: zap", cache.ErrUnsupportedOperator), "validation"},
		{"param", missing("table_id"), "validation"},
		{"missing", fmt.Errorf("solution x: %w", cache.ErrNotFound), "not_found"},
		{"upstream", &upstream.APIError{StatusCode: 429, Endpoint: "/solutions/"}, "upstream"},
		{"other", errors.New("disk full"), "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if kind := errKind(tc.err); kind != tc.kind {
				t.Errorf("kind = %s, want %s", kind, tc.kind)
			}
		})
	}
}

type callRecord struct {
	tool    string
	errKind string
}

type fakeRecorder struct {
	calls []callRecord
}

func (r *fakeRecorder) RecordToolCall(tool string, _ time.Duration, errKind string) {
	r.calls = append(r.calls, callRecord{tool, errKind})
}

func TestHandleRecordsOutcome(t *testing.T) {
	rec := &fakeRecorder{}
	ok := handle(rec, "list_widgets", func(ctx context.Context, in emptyInput) (Result, error) {
		return Result{"count": 0}, nil
	})
	failing := handle(rec, "get_widget", func(ctx context.Context, in emptyInput) (Result, error) {
		return nil, missing("widget_id")
	})

	_, out, err := ok(context.Background(), nil, emptyInput{})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if out["count"] != 0 {
		t.Fatalf("payload = %v", out)
	}
	_, out, err = failing(context.Background(), nil, emptyInput{})
	if err != nil {
		t.Fatalf("handler error must stay in the envelope, got %v", err)
	}
	if out["status"] != "error" || out["error"] != "validation" {
		t.Fatalf("envelope = %v", out)
	}
	msg, _ := out["message"].(string)
	if msg == "" {
		t.Fatal("empty message")
	}

	if len(rec.calls) != 2 {
		t.Fatalf("recorded %d calls, want 2", len(rec.calls))
	}
	if rec.calls[0] != (callRecord{"list_widgets", ""}) {
		t.Errorf("success call = %+v", rec.calls[0])
	}
	if rec.calls[1] != (callRecord{"get_widget", "validation"}) {
		t.Errorf("failure call = %+v", rec.calls[1])
	}
}

func TestHandleNilRecorder(t *testing.T) {
	h := handle[emptyInput](nil, "noop", func(ctx context.Context, in emptyInput) (Result, error) {
		return Result{}, nil
	})
	if _, _, err := h(context.Background(), nil, emptyInput{}); err != nil {
		t.Fatalf("nil recorder must be tolerated: %v", err)
	}
}

func TestEntityListEnvelope(t *testing.T) {
	out := entityList([]cache.Entity{{"id": "a"}, {"id": "b"}})
	if out["count"] != 2 {
		t.Errorf("count = %v", out["count"])
	}
	if out["total_count"] != int64(2) {
		t.Errorf("total_count = %v", out["total_count"])
	}
}
