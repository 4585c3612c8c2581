package cache

import (
	"context"
	"testing"
	"time"
)

func TestPerformanceFlushAndReport(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	perf := s.Performance()

	for i := 0; i < 3; i++ {
		perf.RecordHit(ctx, "tbl1")
	}
	perf.RecordMiss(ctx, "tbl1")
	perf.RecordHit(ctx, "tbl2")

	// Counters are buffered; Report flushes before reading.
	rep, err := perf.Report(ctx)
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if rep.TotalHits != 4 || rep.TotalMisses != 1 {
		t.Fatalf("totals = %d/%d, want 4/1", rep.TotalHits, rep.TotalMisses)
	}
	if rep.HitRate != 0.8 {
		t.Errorf("hit rate = %v", rep.HitRate)
	}
	if rep.TokensSavedEst != 4*tokensSavedPerHit {
		t.Errorf("tokens saved = %d", rep.TokensSavedEst)
	}
	if len(rep.Tables) != 2 {
		t.Fatalf("expected 2 table rows, got %d", len(rep.Tables))
	}
	if rep.Tables[0].TableID != "tbl1" {
		t.Errorf("busiest table first, got %s", rep.Tables[0].TableID)
	}
}

func TestPerformanceDeltasAccumulate(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	perf := s.Performance()

	perf.RecordHit(ctx, "tbl1")
	if err := perf.Flush(ctx); err != nil {
		t.Fatalf("first flush failed: %v", err)
	}
	perf.RecordHit(ctx, "tbl1")
	perf.RecordMiss(ctx, "tbl1")
	if err := perf.Flush(ctx); err != nil {
		t.Fatalf("second flush failed: %v", err)
	}

	rep, err := perf.Report(ctx)
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if rep.TotalHits != 2 || rep.TotalMisses != 1 {
		t.Fatalf("deltas overwrote instead of accumulating: %d/%d", rep.TotalHits, rep.TotalMisses)
	}
}

func TestPerformanceTableStats(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	seedRecords(t, s, "ttasks")

	rep, err := s.Performance().Report(ctx)
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	var found *TableReport
	for i := range rep.Tables {
		if rep.Tables[i].TableID == "ttasks" {
			found = &rep.Tables[i]
		}
	}
	if found == nil {
		t.Fatal("ReplaceAll did not record table stats")
	}
	if found.RecordCount != 3 {
		t.Errorf("record count = %d", found.RecordCount)
	}
	if found.CacheSizeBytes <= 0 {
		t.Errorf("cache size = %d", found.CacheSizeBytes)
	}
	if found.TableName != "Project Tasks" {
		t.Errorf("registry join missing, name = %q", found.TableName)
	}
}

func TestPerformanceEmptyFlushNoop(t *testing.T) {
	s := newTestStore(t, Options{})
	if err := s.Performance().Flush(context.Background()); err != nil {
		t.Fatalf("empty flush errored: %v", err)
	}
}

func TestAPICallLogAndUsage(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	s.LogAPICall(ctx, APICall{
		UserHash: "u1", SessionID: "sess1", Method: "GET",
		Endpoint: "/solutions/", Timestamp: "2026-03-01T10:00:00Z",
	})
	s.LogAPICall(ctx, APICall{
		UserHash: "u1", SessionID: "sess1", Method: "POST",
		Endpoint: "/applications/tbl1/records/list/", TableID: "tbl1",
		Timestamp: "2026-03-01T10:05:00Z",
	})
	s.LogAPICall(ctx, APICall{UserHash: "u2", SessionID: "sess2", Method: "GET", Endpoint: "/members/"})

	usage, err := s.Usage(ctx, "u1")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if usage.TotalCalls != 2 {
		t.Errorf("total calls = %d", usage.TotalCalls)
	}
	if usage.FirstCall != "2026-03-01T10:00:00Z" || usage.LastCall != "2026-03-01T10:05:00Z" {
		t.Errorf("first/last = %q/%q", usage.FirstCall, usage.LastCall)
	}

	calls, err := s.SessionCalls(ctx, "sess1")
	if err != nil {
		t.Fatalf("SessionCalls failed: %v", err)
	}
	if len(calls) != 2 || calls[0].Endpoint != "/solutions/" {
		t.Fatalf("session calls = %+v", calls)
	}

	// Unknown users get a zero summary, not an error.
	empty, err := s.Usage(ctx, "nobody")
	if err != nil || empty.TotalCalls != 0 {
		t.Errorf("unknown user: %+v err=%v", empty, err)
	}
}

func TestTimeHorizonFormats(t *testing.T) {
	s := newTestStore(t, Options{})
	cachedAt, expiresAt := s.horizon(KindRecords)
	ca, err := time.Parse(time.RFC3339, cachedAt)
	if err != nil {
		t.Fatalf("cached_at not RFC3339: %q", cachedAt)
	}
	ea, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		t.Fatalf("expires_at not RFC3339: %q", expiresAt)
	}
	if !ea.After(ca) {
		t.Error("expires_at not after cached_at")
	}
}
