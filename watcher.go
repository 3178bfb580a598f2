// Package watcher wires the mailbox watcher, trigger dispatch, session
// coordination and the insurance pipelines into one runnable
// application.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Dominican809/humano-watcher/internal/config"
	"github.com/Dominican809/humano-watcher/internal/dispatch"
	"github.com/Dominican809/humano-watcher/internal/emission"
	"github.com/Dominican809/humano-watcher/internal/goval"
	"github.com/Dominican809/humano-watcher/internal/history"
	"github.com/Dominican809/humano-watcher/internal/logger"
	"github.com/Dominican809/humano-watcher/internal/mailbox"
	"github.com/Dominican809/humano-watcher/internal/metrics"
	"github.com/Dominican809/humano-watcher/internal/pipeline"
	"github.com/Dominican809/humano-watcher/internal/report"
	"github.com/Dominican809/humano-watcher/internal/server"
	"github.com/Dominican809/humano-watcher/internal/session"
	"github.com/Dominican809/humano-watcher/internal/stats"
	"github.com/Dominican809/humano-watcher/internal/store"
	"github.com/Dominican809/humano-watcher/internal/trigger"
)

// App is the assembled application.
type App struct {
	cfg      *config.FileConfig
	log      *slog.Logger
	logClose io.Closer

	dedup    *store.SQLite
	sessions *session.Store
	hist     history.Sink
	coord    *session.Coordinator
	stats    *stats.Manager
	runners  map[pipeline.Kind]pipeline.Runner
	disp     *dispatch.Dispatcher
	mbox     *mailbox.Watcher
	srv      *server.Server
}

// New loads the config at path and wires every component.
func New(path string) (*App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var logCfg logger.Config
	if cfg.Log != nil {
		logCfg = *cfg.Log
	}
	log, logClose, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	if err := metrics.RegisterDefault(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	a := &App{cfg: cfg, log: log, logClose: logClose}
	if err := a.wire(); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.cfg

	var err error
	a.dedup, err = store.Open(cfg.Store.DedupPath)
	if err != nil {
		return fmt.Errorf("open dedup store: %w", err)
	}
	a.sessions, err = session.Open(cfg.Store.SessionPath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	a.stats, err = stats.NewManager(cfg.Store.StatsDir)
	if err != nil {
		return fmt.Errorf("init stats: %w", err)
	}

	a.hist = history.NopSink{}
	if cfg.History.Enabled && cfg.History.DSN != "" {
		a.hist, err = history.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("open history sink: %w", err)
		}
	}

	var reportSink report.Sink = report.NopSink{}
	if cfg.Report.Enabled {
		reportSink, err = report.NewMailSink(cfg.Report)
		if err != nil {
			return fmt.Errorf("init report sink: %w", err)
		}
	}

	a.coord = session.NewCoordinator(a.sessions, reportSink, a.hist, a.log, session.Config{})

	api := goval.New(goval.Config{
		BaseURL:  cfg.Goval.BaseURL,
		Username: cfg.Goval.Username,
		Password: cfg.Goval.Password,
		Timeout:  cfg.Goval.Timeout,
	})

	a.runners = make(map[pipeline.Kind]pipeline.Runner)
	staging := make(map[pipeline.Kind]string)
	for name, pc := range cfg.Pipelines {
		kind := pipeline.Kind(name)
		if !kind.Known() {
			return fmt.Errorf("unknown pipeline %q in config", name)
		}
		exec := emission.NewExecutor(api, a.log, name)
		switch kind {
		case pipeline.KindSI:
			a.runners[kind] = pipeline.NewSI(pc.WorkingPath, exec, a.stats, a.log)
		default:
			a.runners[kind] = pipeline.NewViajeros(pc.WorkingPath, exec, a.stats, a.log)
		}
		staging[kind] = pc.StagingPath
	}

	window, err := trigger.NewWindow(cfg.Window)
	if err != nil {
		return err
	}
	matcher, err := trigger.NewMatcher(cfg.Match)
	if err != nil {
		return fmt.Errorf("compile trigger patterns: %w", err)
	}
	a.disp = dispatch.New(dispatch.Config{
		Store:   a.dedup,
		Matcher: matcher,
		Window:  window,
		Coord:   a.coord,
		Runners: a.runners,
		Staging: staging,
		History: a.hist,
		Logger:  a.log,
	})

	dialer := mailbox.NewIMAPDialer(cfg.IMAP, a.log)
	a.mbox = mailbox.NewWatcher(dialer, mailbox.Config{
		Folder: cfg.IMAP.Folder,
		// poll_interval 0 asks for server push; any other value polls
		PreferPush:   cfg.IMAP.PollInterval == 0,
		PollInterval: cfg.IMAP.PollInterval,
		OnTransition: a.connTransition,
	}, a.sweep, a.log)

	if cfg.Server.Enabled {
		a.srv = server.New(cfg.Server.Listen, server.Deps{
			Stats:        a.stats,
			Dedup:        a.dedup,
			StartedAt:    time.Now(),
			ConnState:    func() string { return string(a.mbox.State()) },
			OpenSessions: a.sessions.OpenCount,
		}, a.log)
	}
	return nil
}

// sweep adapts mailbox batches to the dispatcher.
func (a *App) sweep(ctx context.Context, msgs []mailbox.Fetched) {
	batch := make([]dispatch.Message, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, dispatch.Message{UID: m.UID, Raw: m.Raw})
	}
	a.disp.HandleBatch(ctx, batch)
}

func (a *App) connTransition(from, to mailbox.State) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.hist.Send(ctx, history.Event{
		Type:       history.EventConnState,
		OccurredAt: time.Now(),
		Detail:     string(from) + " -> " + string(to),
		Success:    true,
	})
}

// Run starts the daemon and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.closeAll()

	if err := a.coord.ReconcileStartup(ctx); err != nil {
		return fmt.Errorf("session reconciliation: %w", err)
	}
	if a.srv != nil {
		a.srv.Start()
	}
	a.log.Info("watcher started",
		"folder", a.cfg.IMAP.Folder, "host", a.cfg.IMAP.Host, "pipelines", len(a.runners))

	err := a.mbox.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce executes a single pipeline over an already-staged workbook,
// bypassing the mailbox. Used by the process subcommand for reruns.
func (a *App) RunOnce(ctx context.Context, kind pipeline.Kind, file string) (*pipeline.Result, error) {
	defer a.closeAll()

	runner, ok := a.runners[kind]
	if !ok {
		return nil, fmt.Errorf("no pipeline configured for kind %q", kind)
	}
	if err := a.coord.ReconcileStartup(ctx); err != nil {
		return nil, err
	}
	subject := "manual run: " + file
	id, err := a.coord.Begin(ctx, kind, subject)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	res, err := runner.Run(ctx, file, subject)
	if err != nil {
		res = &pipeline.Result{Kind: kind, Failed: 1, Detail: err.Error()}
		_ = a.coord.Complete(ctx, id, subject, started, res)
		return nil, err
	}
	if cerr := a.coord.Complete(ctx, id, subject, started, res); cerr != nil {
		return res, cerr
	}
	return res, nil
}

// LatestStats returns the combined execution rollup for the status
// subcommand.
func (a *App) LatestStats() (*stats.Combined, error) {
	defer a.closeAll()
	return a.stats.LatestCombined()
}

func (a *App) closeAll() {
	if a.coord != nil {
		a.coord.Close()
	}
	if a.srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.srv.Shutdown(sctx)
		cancel()
	}
	if a.hist != nil {
		_ = a.hist.Close()
	}
	if a.sessions != nil {
		_ = a.sessions.Close()
	}
	if a.dedup != nil {
		_ = a.dedup.Close()
	}
	if a.logClose != nil {
		_ = a.logClose.Close()
	}
}
