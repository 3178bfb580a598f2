package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Dominican809/humano-watcher/internal/pipeline"
	"github.com/Dominican809/humano-watcher/internal/report"
)

type captureSink struct {
	mu      sync.Mutex
	reports []*report.Report
}

func (s *captureSink) Send(_ context.Context, r *report.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *captureSink) all() []*report.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*report.Report, len(s.reports))
	copy(out, s.reports)
	return out
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *captureSink) {
	t.Helper()
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sink := &captureSink{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewCoordinator(st, sink, nil, log, cfg)
	t.Cleanup(c.Close)
	return c, sink
}

func waitForReports(t *testing.T, sink *captureSink, want int, within time.Duration) []*report.Report {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if got := sink.all(); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := sink.all()
	if len(got) != want {
		t.Fatalf("expected %d report(s) within %v, got %d", want, within, len(got))
	}
	return got
}

func result(k pipeline.Kind, total, ok, failed int) *pipeline.Result {
	return &pipeline.Result{Kind: k, Total: total, Succeeded: ok, Failed: failed}
}

func TestBothPipelinesShareOneSessionAndCombinedReport(t *testing.T) {
	c, sink := newTestCoordinator(t, Config{
		JoinWindow: time.Minute, WaitTimeout: 200 * time.Millisecond, CheckInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	id1, err := c.Begin(ctx, pipeline.KindViajeros, "Asegurados Viajeros | 2025-09-21")
	if err != nil {
		t.Fatalf("begin viajeros: %v", err)
	}
	id2, err := c.Begin(ctx, pipeline.KindSI, "Asegurados Salud Internacional | 2025-09-21")
	if err != nil {
		t.Fatalf("begin si: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("pipelines inside the join window must share a session: %s vs %s", id1, id2)
	}

	started := time.Now()
	if err := c.Complete(ctx, id1, "Asegurados Viajeros | 2025-09-21", started, result(pipeline.KindViajeros, 5, 5, 0)); err != nil {
		t.Fatalf("complete viajeros: %v", err)
	}
	if err := c.Complete(ctx, id1, "Asegurados Salud Internacional | 2025-09-21", started, result(pipeline.KindSI, 1, 1, 0)); err != nil {
		t.Fatalf("complete si: %v", err)
	}

	reports := waitForReports(t, sink, 1, time.Second)
	r := reports[0]
	if r.Variant != report.VariantCombined {
		t.Fatalf("expected combined report, got %q", r.Variant)
	}
	if len(r.Entries) != 2 {
		t.Fatalf("expected entries for both pipelines, got %d", len(r.Entries))
	}

	// give the watcher time to misbehave; the count must not move
	time.Sleep(100 * time.Millisecond)
	if got := sink.all(); len(got) != 1 {
		t.Fatalf("report sent more than once: %d", len(got))
	}
}

func TestSingleReportWhenPartnerNeverStarts(t *testing.T) {
	c, sink := newTestCoordinator(t, Config{
		JoinWindow: time.Minute, WaitTimeout: 50 * time.Millisecond, CheckInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	id, err := c.Begin(ctx, pipeline.KindViajeros, "Asegurados Viajeros | 2025-09-21")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := c.Complete(ctx, id, "Asegurados Viajeros | 2025-09-21", time.Now(), result(pipeline.KindViajeros, 3, 3, 0)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	reports := waitForReports(t, sink, 1, time.Second)
	if reports[0].Variant != report.VariantSingle {
		t.Fatalf("expected single report, got %q", reports[0].Variant)
	}
	if len(reports[0].Entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(reports[0].Entries))
	}
	if reports[0].Entries[0].Subject != "Asegurados Viajeros | 2025-09-21" {
		t.Fatalf("report entry must carry the originating subject, got %q", reports[0].Entries[0].Subject)
	}
}

func TestTimeoutReportWhenPartnerStallsMidRun(t *testing.T) {
	c, sink := newTestCoordinator(t, Config{
		JoinWindow: time.Minute, WaitTimeout: 50 * time.Millisecond, CheckInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	id, err := c.Begin(ctx, pipeline.KindViajeros, "Asegurados Viajeros | 2025-09-21")
	if err != nil {
		t.Fatalf("begin viajeros: %v", err)
	}
	if _, err := c.Begin(ctx, pipeline.KindSI, "Asegurados Salud Internacional | 2025-09-21"); err != nil {
		t.Fatalf("begin si: %v", err)
	}
	// si never completes
	if err := c.Complete(ctx, id, "Asegurados Viajeros | 2025-09-21", time.Now(), result(pipeline.KindViajeros, 3, 2, 1)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	reports := waitForReports(t, sink, 1, time.Second)
	if reports[0].Variant != report.VariantTimeout {
		t.Fatalf("expected timeout report, got %q", reports[0].Variant)
	}
}

func TestSessionsOutsideJoinWindowDoNotMerge(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{
		JoinWindow: 50 * time.Millisecond, WaitTimeout: time.Minute, CheckInterval: time.Minute,
	})
	ctx := context.Background()

	id1, err := c.Begin(ctx, pipeline.KindViajeros, "Asegurados Viajeros | 2025-09-21")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	time.Sleep(1100 * time.Millisecond) // past the join window, and a new timestamped id
	id2, err := c.Begin(ctx, pipeline.KindSI, "Asegurados Salud Internacional | 2025-09-21")
	if err != nil {
		t.Fatalf("begin second: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("sessions outside the join window must not merge")
	}
}

func TestSameKindTwiceOpensSecondSession(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{
		JoinWindow: time.Minute, WaitTimeout: time.Minute, CheckInterval: time.Minute,
	})
	ctx := context.Background()

	id1, err := c.Begin(ctx, pipeline.KindViajeros, "Asegurados Viajeros | 2025-09-21")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	id2, err := c.Begin(ctx, pipeline.KindViajeros, "Asegurados Viajeros | 2025-09-21")
	if err != nil {
		t.Fatalf("begin again: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("a kind whose slot is taken must open a new session")
	}
}

func TestReconcileStartupAbandonsOpenSessions(t *testing.T) {
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	if err := st.Create(ctx, "session_stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewCoordinator(st, nil, nil, log, Config{})
	t.Cleanup(c.Close)
	if err := c.ReconcileStartup(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	s, err := st.Get(ctx, "session_stale")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.State != StateAbandoned {
		t.Fatalf("expected abandoned, got %q", s.State)
	}
}

func TestMarkReportSentClaimsOnce(t *testing.T) {
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	if err := st.Create(ctx, "s1", time.Now()); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := st.MarkReportSent(ctx, "s1")
	if err != nil || !first {
		t.Fatalf("first claim: ok=%v err=%v", first, err)
	}
	second, err := st.MarkReportSent(ctx, "s1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second {
		t.Fatalf("report claim must succeed exactly once")
	}
}
