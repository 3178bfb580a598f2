// Package dispatch turns swept mailbox messages into pipeline runs: it
// deduplicates, filters, orders and executes trigger messages strictly
// one at a time.
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Dominican809/humano-watcher/internal/history"
	"github.com/Dominican809/humano-watcher/internal/metrics"
	"github.com/Dominican809/humano-watcher/internal/pipeline"
	"github.com/Dominican809/humano-watcher/internal/session"
	"github.com/Dominican809/humano-watcher/internal/store"
	"github.com/Dominican809/humano-watcher/internal/trigger"
)

// Message is one raw mailbox message with its IMAP UID.
type Message struct {
	UID uint32
	Raw []byte
}

// Config wires a Dispatcher.
type Config struct {
	Store   store.DedupStore
	Matcher *trigger.Matcher
	Window  *trigger.Window
	Coord   *session.Coordinator
	Runners map[pipeline.Kind]pipeline.Runner
	Staging map[pipeline.Kind]string
	History history.Sink
	Logger  *slog.Logger
	// Pause between dispatched items. Defaults to 2s.
	Pause time.Duration
}

// Dispatcher processes batches sequentially; a global lock keeps
// concurrent sweeps from interleaving pipeline runs.
type Dispatcher struct {
	mu      sync.Mutex
	store   store.DedupStore
	matcher *trigger.Matcher
	window  *trigger.Window
	coord   *session.Coordinator
	runners map[pipeline.Kind]pipeline.Runner
	staging map[pipeline.Kind]string
	hist    history.Sink
	log     *slog.Logger
	pause   time.Duration
}

func New(cfg Config) *Dispatcher {
	pause := cfg.Pause
	if pause <= 0 {
		pause = 2 * time.Second
	}
	hist := cfg.History
	if hist == nil {
		hist = history.NopSink{}
	}
	return &Dispatcher{
		store:   cfg.Store,
		matcher: cfg.Matcher,
		window:  cfg.Window,
		coord:   cfg.Coord,
		runners: cfg.Runners,
		staging: cfg.Staging,
		hist:    hist,
		log:     cfg.Logger.With("component", "dispatch"),
		pause:   pause,
	}
}

// HandleBatch processes one sweep of messages in report-date order.
func (d *Dispatcher) HandleBatch(ctx context.Context, msgs []Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	events := make([]*trigger.Event, 0, len(msgs))
	for _, m := range msgs {
		ev, err := trigger.Parse(m.Raw)
		if err != nil {
			d.log.Error("unparseable message, skipping", "uid", m.UID, "error", err)
			metrics.IncEvent("failed")
			continue
		}
		events = append(events, ev)
	}

	// report-date order, not arrival order; messages without a
	// recognizable date go last, stable keeps arrival order for ties
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i].OrderKey, events[j].OrderKey
		if a == "" || b == "" {
			return a != "" && b == ""
		}
		return a < b
	})

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return
		}
		outcome := d.handleOne(ctx, ev)
		metrics.IncEvent(outcome)
		if outcome == "dispatched" {
			// breathing room between pipeline runs
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.pause):
			}
		}
	}
}

func (d *Dispatcher) handleOne(ctx context.Context, ev *trigger.Event) (outcome string) {
	log := d.log.With("message_id", ev.MessageID, "subject", ev.Subject)

	done, err := d.store.IsDone(ctx, ev.MessageID)
	if err != nil {
		log.Error("dedup lookup failed", "error", err)
		return "failed"
	}
	if done {
		log.Info("duplicate trigger ignored")
		return "duplicate"
	}
	if !d.matcher.Matches(ev) {
		log.Debug("message does not match trigger rules")
		return "unmatched"
	}
	if !ev.Kind.Known() {
		log.Warn("trigger matched but no pipeline route", "kind", string(ev.Kind))
		return "unmatched"
	}
	if !d.window.Contains(time.Now()) {
		// a missed window consumes the event; the next scheduled
		// delivery carries a full workbook again
		log.Info("outside processing window, dropping")
		d.markDone(ctx, ev, log)
		return "window"
	}

	if err := d.hist.Send(ctx, history.Event{
		Type: history.EventPickedUp, OccurredAt: time.Now(),
		Kind: string(ev.Kind), Detail: ev.Subject, Success: true,
	}); err != nil {
		log.Warn("history export failed", "error", err)
	}

	runner, ok := d.runners[ev.Kind]
	if !ok {
		log.Error("no runner for kind", "kind", string(ev.Kind))
		if !d.markDone(ctx, ev, log) {
			return "failed"
		}
		return d.recordFailure(ctx, ev, log, "no pipeline configured for kind "+string(ev.Kind))
	}

	staged, err := trigger.ExtractAttachments(ev.Raw, d.staging[ev.Kind])
	if err != nil {
		log.Error("attachment staging failed", "error", err)
		if !d.markDone(ctx, ev, log) {
			return "failed"
		}
		return d.recordFailure(ctx, ev, log, "attachment staging failed: "+err.Error())
	}
	if len(staged) == 0 {
		log.Error("trigger message carries no workbook attachment")
		if !d.markDone(ctx, ev, log) {
			return "failed"
		}
		return d.recordFailure(ctx, ev, log, "no workbook attachment in trigger message")
	}

	// the message is consumed once its file is staged; a later pipeline
	// failure must not re-run the same email
	if !d.markDone(ctx, ev, log) {
		return "failed"
	}

	sessionID, err := d.coord.Begin(ctx, ev.Kind, ev.Subject)
	if err != nil {
		log.Error("session begin failed", "error", err)
		return "failed"
	}
	started := time.Now()
	log.Info("pipeline dispatched", "kind", string(ev.Kind), "session", sessionID, "file", staged[0])

	res, err := runner.Run(ctx, staged[0], ev.Subject)
	if err != nil {
		log.Error("pipeline run failed", "kind", string(ev.Kind), "error", err)
		res = &pipeline.Result{Kind: ev.Kind, Failed: 1, Detail: err.Error()}
	}
	if cerr := d.coord.Complete(ctx, sessionID, ev.Subject, started, res); cerr != nil {
		log.Error("session complete failed", "error", cerr)
		return "failed"
	}
	if err != nil {
		return "failed"
	}
	return "dispatched"
}

func (d *Dispatcher) markDone(ctx context.Context, ev *trigger.Event, log *slog.Logger) bool {
	if err := d.store.MarkDone(ctx, store.ProcessedEvent{
		MessageID: ev.MessageID,
		Timestamp: time.Now(),
		Subject:   ev.Subject,
		From:      ev.From,
	}); err != nil {
		log.Error("dedup mark failed", "error", err)
		return false
	}
	return true
}

// recordFailure books an execution that never reached its runner, so the
// failure still shows up in the session report.
func (d *Dispatcher) recordFailure(ctx context.Context, ev *trigger.Event, log *slog.Logger, detail string) string {
	id, err := d.coord.Begin(ctx, ev.Kind, ev.Subject)
	if err != nil {
		log.Error("session begin failed", "error", err)
		return "failed"
	}
	res := &pipeline.Result{Kind: ev.Kind, Failed: 1, Detail: detail}
	if err := d.coord.Complete(ctx, id, ev.Subject, time.Now(), res); err != nil {
		log.Error("session complete failed", "error", err)
	}
	return "failed"
}
