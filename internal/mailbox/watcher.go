package mailbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Dominican809/humano-watcher/internal/metrics"
)

// Connection states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateWait         State = "connected_wait"
	StatePoll         State = "connected_poll"
	StateBackoff      State = "backoff"
)

const (
	// waitFailureLimit consecutive push-wait failures disable push for
	// the rest of the process. Some proxies let IDLE connections sit but
	// silently drop the push notifications; once that pattern shows up
	// it does not go away until the proxy is fixed, so falling back to
	// polling permanently is the reliable choice.
	waitFailureLimit = 3
	// pollFailureLimit consecutive poll failures force a reconnect.
	pollFailureLimit = 3
)

// SweepFunc handles one batch of unseen messages. Every handed message
// is marked seen afterwards; the handler owns dedup and drop decisions.
type SweepFunc func(ctx context.Context, msgs []Fetched)

// Config controls watcher timing. Zero values get production defaults.
type Config struct {
	Folder string
	// PreferPush selects server push (IDLE) when the server supports
	// it. When false the watcher always polls.
	PreferPush bool
	// PollInterval is the polling cadence, used when push is not
	// preferred, not supported, or has been disabled. Defaults to 60s.
	PollInterval time.Duration
	// IdleSlice is the length of one push wait. Defaults to 60s.
	IdleSlice time.Duration
	// KeepaliveEvery bounds the time between NOOPs while waiting.
	// Defaults to 5m.
	KeepaliveEvery time.Duration
	// OnTransition, when set, observes connection state changes.
	OnTransition func(from, to State)
}

func (c *Config) setDefaults() {
	if c.Folder == "" {
		c.Folder = "INBOX"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.IdleSlice <= 0 {
		c.IdleSlice = 60 * time.Second
	}
	if c.KeepaliveEvery <= 0 {
		c.KeepaliveEvery = 5 * time.Minute
	}
}

// Watcher keeps one mailbox connection alive and feeds unseen messages
// to the sweep function. Push (IDLE) is used only when configured, and
// degrades to polling when it proves unreliable.
type Watcher struct {
	dialer Dialer
	cfg    Config
	sweep  SweepFunc
	log    *slog.Logger

	mu           sync.Mutex
	state        State
	attempt      int
	waitFailures int
	pollFailures int
	pushDisabled bool
}

func NewWatcher(dialer Dialer, cfg Config, sweep SweepFunc, log *slog.Logger) *Watcher {
	cfg.setDefaults()
	return &Watcher{
		dialer: dialer,
		cfg:    cfg,
		sweep:  sweep,
		log:    log.With("component", "mailbox"),
		state:  StateDisconnected,
	}
}

// Run drives the connection state machine until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.setState(StateConnecting)
		cl, strategyName, err := w.dialer.Dial(ctx)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			metrics.IncReconnect("failure")
			delay := Delay(err, w.attempt)
			w.attempt++
			metrics.ObserveBackoff(delay.Seconds())
			w.log.Warn("connect failed, backing off",
				"attempt", w.attempt, "delay", delay.String(), "security", IsSecurityError(err), "error", err)
			w.setState(StateBackoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			w.setState(StateDisconnected)
			continue
		}

		metrics.IncReconnect("success")
		w.attempt = 0
		w.log.Info("mailbox connected", "strategy", strategyName, "folder", w.cfg.Folder)

		err = w.serve(ctx, cl)
		_ = cl.Logout()
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		w.log.Warn("mailbox connection lost", "error", err)
		w.setState(StateDisconnected)
	}
}

func (w *Watcher) serve(ctx context.Context, cl Client) error {
	if err := cl.SelectFolder(w.cfg.Folder); err != nil {
		return err
	}
	// catch up on whatever arrived while disconnected
	if err := w.runSweep(ctx, cl); err != nil {
		return err
	}

	usePush := w.cfg.PreferPush && !w.pushDisabled
	if usePush {
		ok, err := cl.SupportsIdle()
		if err != nil {
			return err
		}
		if !ok {
			w.log.Info("server does not advertise IDLE, polling")
			usePush = false
		}
	}
	if usePush {
		return w.serveWait(ctx, cl)
	}
	return w.servePoll(ctx, cl)
}

// serveWait runs the push loop: short idle slices inside a keepalive
// window, sweeping on every push.
func (w *Watcher) serveWait(ctx context.Context, cl Client) error {
	w.setState(StateWait)
	lastKeepalive := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		updated, err := cl.WaitForUpdate(ctx, w.cfg.IdleSlice)
		if err != nil {
			w.waitFailures++
			if w.waitFailures >= waitFailureLimit {
				w.pushDisabled = true
				w.log.Warn("push wait failed repeatedly, disabling push for this run",
					"failures", w.waitFailures)
			}
			return err
		}
		w.waitFailures = 0
		if updated {
			if err := w.runSweep(ctx, cl); err != nil {
				return err
			}
		}
		if time.Since(lastKeepalive) >= w.cfg.KeepaliveEvery {
			if err := cl.Noop(); err != nil {
				return err
			}
			lastKeepalive = time.Now()
		}
	}
}

// servePoll sweeps on a fixed interval, tolerating a couple of failures
// in place before forcing a reconnect.
func (w *Watcher) servePoll(ctx context.Context, cl Client) error {
	w.setState(StatePoll)
	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := w.runSweep(ctx, cl); err != nil {
				w.pollFailures++
				w.log.Warn("poll sweep failed", "failures", w.pollFailures, "error", err)
				if w.pollFailures >= pollFailureLimit {
					w.pollFailures = 0
					return err
				}
				continue
			}
			w.pollFailures = 0
		}
	}
}

// runSweep fetches all unseen messages, hands them to the sweep
// function, and marks the whole batch seen.
func (w *Watcher) runSweep(ctx context.Context, cl Client) error {
	metrics.IncSweep()
	uids, err := cl.SearchUnseen()
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	fetched, err := cl.FetchPeek(uids)
	if err != nil {
		return err
	}
	w.sweep(ctx, fetched)

	seen := make([]uint32, 0, len(fetched))
	for _, f := range fetched {
		seen = append(seen, f.UID)
	}
	return cl.MarkSeen(seen)
}

// State returns the current connection state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	prev := w.state
	if prev == s {
		w.mu.Unlock()
		return
	}
	w.state = s
	w.mu.Unlock()

	metrics.RecordStateTransition(string(prev), string(s))
	w.log.Debug("state transition", "from", string(prev), "to", string(s))
	if w.cfg.OnTransition != nil {
		w.cfg.OnTransition(prev, s)
	}
}
