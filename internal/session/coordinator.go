// Package session correlates pipeline executions that belong to the same
// mail delivery batch and sends exactly one summary report per batch.
//
// Both insurance files usually arrive within minutes of each other. A
// pipeline starting looks for an open session created inside the join
// window and attaches to it; otherwise it opens a new one. When the
// first pipeline finishes, the session waits a bounded time for its
// partner before reporting what it has.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dominican809/humano-watcher/internal/history"
	"github.com/Dominican809/humano-watcher/internal/metrics"
	"github.com/Dominican809/humano-watcher/internal/pipeline"
	"github.com/Dominican809/humano-watcher/internal/report"
)

// Config controls session timing.
type Config struct {
	// JoinWindow is how long after creation a session accepts the
	// partner pipeline.
	JoinWindow time.Duration
	// WaitTimeout is how long a finished pipeline waits for its partner
	// before the report goes out without it.
	WaitTimeout time.Duration
	// CheckInterval is how often the session watcher re-evaluates.
	CheckInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.JoinWindow <= 0 {
		c.JoinWindow = 10 * time.Minute
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 5 * time.Minute
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
}

// Coordinator owns session lifecycle and report emission.
type Coordinator struct {
	st   *Store
	sink report.Sink
	hist history.Sink
	log  *slog.Logger
	cfg  Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewCoordinator(st *Store, sink report.Sink, hist history.Sink, log *slog.Logger, cfg Config) *Coordinator {
	cfg.setDefaults()
	if sink == nil {
		sink = report.NopSink{}
	}
	if hist == nil {
		hist = history.NopSink{}
	}
	return &Coordinator{
		st:      st,
		sink:    sink,
		hist:    hist,
		log:     log.With("component", "session"),
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
	}
}

// ReconcileStartup abandons sessions left open by a previous process.
// Their watchers died with it, so they can never report.
func (c *Coordinator) ReconcileStartup(ctx context.Context) error {
	n, err := c.st.ReconcileStartup(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		c.log.Warn("abandoned stale sessions from previous run", "count", n)
	}
	return nil
}

// Begin attaches the pipeline kind to an open session inside the join
// window, or opens a new session, and marks the kind running. The
// subject is the originating email subject.
func (c *Coordinator) Begin(ctx context.Context, k pipeline.Kind, subject string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	sess, err := c.st.FindJoinable(ctx, k, now.Add(-c.cfg.JoinWindow))
	if err != nil {
		return "", err
	}
	var id string
	if sess != nil {
		id = sess.ID
		c.log.Info("pipeline joined session", "session", id, "kind", string(k), "subject", subject)
	} else {
		id = "session_" + now.Format("20060102_150405")
		if err := c.st.Create(ctx, id, now); err != nil {
			// same-second collision, retry with a unique suffix
			id = id + "_" + uuid.NewString()[:8]
			if err := c.st.Create(ctx, id, now); err != nil {
				return "", err
			}
		}
		metrics.IncSessionOpened()
		c.log.Info("session opened", "session", id, "kind", string(k), "subject", subject)
		c.startWatcher(id)
	}
	if err := c.st.SetStatus(ctx, id, k, StatusRunning, now); err != nil {
		return "", err
	}
	c.sendHistory(ctx, history.Event{
		Type: history.EventSessionStarted, OccurredAt: now, SessionID: id, Kind: string(k),
		Detail: subject,
	})
	return id, nil
}

// Complete records the pipeline result and re-evaluates the session
// immediately instead of waiting for the next watcher tick.
func (c *Coordinator) Complete(ctx context.Context, id, subject string, startedAt time.Time, res *pipeline.Result) error {
	now := time.Now()
	status := StatusCompleted
	if !res.Success() {
		status = StatusFailed
	}
	if err := c.st.AddExecution(ctx, Execution{
		SessionID:  id,
		Kind:       res.Kind,
		Subject:    subject,
		StartedAt:  startedAt,
		FinishedAt: now,
		Success:    res.Success(),
		Total:      res.Total,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		Excluded:   res.Excluded,
		Detail:     res.Detail,
	}); err != nil {
		return err
	}
	if err := c.st.SetStatus(ctx, id, res.Kind, status, now); err != nil {
		return err
	}
	c.sendHistory(ctx, history.Event{
		Type: history.EventExecution, OccurredAt: now, SessionID: id, Kind: string(res.Kind),
		Success: res.Success(), Total: res.Total, Succeeded: res.Succeeded, Excluded: res.Excluded,
		Detail: res.Detail,
	})
	c.evaluate(ctx, id)
	return nil
}

// Close stops all session watchers and waits for them.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for id, cancel := range c.cancels {
		cancel()
		delete(c.cancels, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// startWatcher runs the periodic evaluation loop for one session.
// Caller holds c.mu.
func (c *Coordinator) startWatcher(id string) {
	wctx, cancel := context.WithCancel(context.Background())
	c.cancels[id] = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.cfg.CheckInterval)
		defer t.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-t.C:
				if c.evaluate(wctx, id) {
					c.stopWatcher(id)
					return
				}
			}
		}
	}()
}

func (c *Coordinator) stopWatcher(id string) {
	c.mu.Lock()
	if cancel, ok := c.cancels[id]; ok {
		cancel()
		delete(c.cancels, id)
	}
	c.mu.Unlock()
}

// evaluate decides whether the session can report. It returns true when
// the session reached a terminal state and the watcher can stop.
func (c *Coordinator) evaluate(ctx context.Context, id string) bool {
	s, err := c.st.Get(ctx, id)
	if err != nil {
		c.log.Error("session lookup failed", "session", id, "error", err)
		return false
	}
	if s.State != StateOpen || s.ReportSent {
		return true
	}

	now := time.Now()
	siDone := s.SIStatus.Terminal()
	viaDone := s.ViajerosStatus.Terminal()
	switch {
	case siDone && viaDone:
		c.finish(ctx, s, report.VariantCombined, "")
		return true
	case siDone || viaDone:
		if s.FirstDoneAt.IsZero() || now.Sub(s.FirstDoneAt) < c.cfg.WaitTimeout {
			return false
		}
		var partner Status
		var partnerKind pipeline.Kind
		if siDone {
			partner, partnerKind = s.ViajerosStatus, pipeline.KindViajeros
		} else {
			partner, partnerKind = s.SIStatus, pipeline.KindSI
		}
		if partner == StatusPending {
			c.finish(ctx, s, report.VariantSingle,
				fmt.Sprintf("%s no se ejecutó en esta sesión", partnerKind.Display()))
		} else {
			c.finish(ctx, s, report.VariantTimeout,
				fmt.Sprintf("%s inició pero no terminó dentro del tiempo de espera", partnerKind.Display()))
		}
		return true
	default:
		// nothing ever finished; give up once both windows have passed
		if now.Sub(s.CreatedAt) > c.cfg.JoinWindow+c.cfg.WaitTimeout {
			if err := c.st.Abandon(ctx, id); err != nil {
				c.log.Error("abandon failed", "session", id, "error", err)
			}
			c.log.Warn("session abandoned, no pipeline completed", "session", id)
			return true
		}
		return false
	}
}

// finish claims the report and sends it. The claim happens before the
// send so a racing watcher and Complete call can never both deliver; a
// failed send is logged and the report is dropped rather than risked
// twice.
func (c *Coordinator) finish(ctx context.Context, s *Session, variant report.Variant, note string) {
	claimed, err := c.st.MarkReportSent(ctx, s.ID)
	if err != nil {
		c.log.Error("report claim failed", "session", s.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	r, err := c.buildReport(ctx, s, variant, note)
	if err != nil {
		c.log.Error("report build failed", "session", s.ID, "error", err)
		return
	}
	if err := c.sink.Send(ctx, r); err != nil {
		c.log.Error("report send failed", "session", s.ID, "variant", string(variant), "error", err)
		return
	}
	metrics.IncReportSent(string(variant))
	c.log.Info("report sent", "session", s.ID, "variant", string(variant))
	c.sendHistory(ctx, history.Event{
		Type: history.EventReportSent, OccurredAt: time.Now(), SessionID: s.ID, Detail: string(variant),
		Success: true,
	})
}

func (c *Coordinator) buildReport(ctx context.Context, s *Session, variant report.Variant, note string) (*report.Report, error) {
	execs, err := c.st.ExecutionsFor(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	r := &report.Report{
		Variant:     variant,
		SessionID:   s.ID,
		GeneratedAt: time.Now(),
		Note:        note,
	}
	for _, e := range execs {
		status := "completed"
		if !e.Success {
			status = "failed"
		}
		r.Entries = append(r.Entries, report.Entry{
			Kind:      string(e.Kind),
			Display:   e.Kind.Display(),
			Subject:   e.Subject,
			Status:    status,
			Total:     e.Total,
			Succeeded: e.Succeeded,
			Failed:    e.Failed,
			Excluded:  e.Excluded,
			Duration:  e.FinishedAt.Sub(e.StartedAt).String(),
			Detail:    e.Detail,
		})
	}
	return r, nil
}

func (c *Coordinator) sendHistory(ctx context.Context, e history.Event) {
	if err := c.hist.Send(ctx, e); err != nil {
		c.log.Warn("history export failed", "event", string(e.Type), "error", err)
	}
}
