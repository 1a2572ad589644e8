// Package daemon wires together every subsystem and owns process
// lifecycle: startup construction, journal replay, signal handling,
// and graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/classifier"
	"github.com/meshadmin/revertit/internal/config"
	"github.com/meshadmin/revertit/internal/control"
	"github.com/meshadmin/revertit/internal/domain"
	"github.com/meshadmin/revertit/internal/hostprobe"
	"github.com/meshadmin/revertit/internal/ledger"
	"github.com/meshadmin/revertit/internal/revert"
	"github.com/meshadmin/revertit/internal/snapshot"
	"github.com/meshadmin/revertit/internal/timeout"
	"github.com/meshadmin/revertit/internal/watcher"
)

const (
	defaultJournalPath = "/var/lib/meshadmin-revertit/ledger.log"
	defaultSocketPath  = "/run/meshadmin-revertit.sock"
)

// Daemon holds every constructed subsystem and runs their owner
// goroutines until shutdown.
type Daemon struct {
	logger *zap.Logger
	cfg    *config.Config

	probe      *hostprobe.Probe
	classifier *classifier.Classifier
	store      *snapshot.Store
	watchers   *watcher.Watcher
	scheduler  *timeout.Scheduler
	reverter   *revert.Engine
	ledger     *ledger.Ledger
	control    *control.Server
	journal    *ledger.Journal
}

// New constructs every subsystem from cfg but does not start any
// goroutines; call Run to do that. forceReset discards an unreadable
// ledger journal instead of failing startup.
func New(logger *zap.Logger, cfg *config.Config, forceReset bool) (*Daemon, error) {
	ctx := context.Background()

	probe := hostprobe.New(logger)
	if _, err := probe.Detect(ctx); err != nil {
		logger.Warn("host detection incomplete, continuing with partial descriptor", zap.Error(err))
	}

	policies := make(map[string]domain.Policy, len(cfg.Monitoring))
	patternsByCategory := make(map[string][]string, len(cfg.Monitoring))
	for category, pol := range cfg.Monitoring {
		policies[category] = cfg.ToPolicy(category)
		patternsByCategory[category] = pol.Patterns
	}

	cls := classifier.New(logger, patternsByCategory, policies, nil)

	watchedByCat := make(map[string][]string, len(cfg.Monitoring))
	var allWatched []domain.WatchedPath
	for category, pol := range cfg.Monitoring {
		expanded, err := cls.Expand(category, pol.Patterns)
		if err != nil {
			return nil, fmt.Errorf("expanding watch patterns for %s: %w", category, err)
		}
		paths := make([]string, 0, len(expanded))
		for _, wp := range expanded {
			paths = append(paths, wp.Path)
		}
		watchedByCat[category] = paths
		allWatched = append(allWatched, expanded...)
	}

	if err := os.MkdirAll(cfg.Snapshot.Location, 0700); err != nil {
		return nil, fmt.Errorf("creating snapshot location: %w", err)
	}
	store := snapshot.New(logger, cfg.Snapshot.Location, cfg.Snapshot.EnableSystemTool, cfg.Snapshot.MaxSnapshots, cfg.Snapshot.MaxAge())
	if err := store.Sweep(); err != nil {
		logger.Warn("snapshot sweep failed on startup", zap.Error(err))
	}

	w, err := watcher.New(logger, allWatched)
	if err != nil {
		return nil, fmt.Errorf("constructing watcher: %w", err)
	}

	sched := timeout.New(logger)

	services := make(map[string][]string, len(policies))
	for category, pol := range policies {
		services[category] = pol.RestartServices
	}
	reverter := revert.New(logger, w, probe, services)

	if err := os.MkdirAll(filepath.Dir(defaultJournalPath), 0700); err != nil {
		return nil, fmt.Errorf("creating ledger journal directory: %w", err)
	}
	priorRecords, err := ledger.ReadAll(defaultJournalPath)
	if err != nil {
		if !forceReset {
			return nil, err
		}
		logger.Warn("discarding unreadable ledger journal due to --force-reset", zap.Error(err))
		if err := os.Remove(defaultJournalPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing corrupt ledger journal: %w", err)
		}
		priorRecords = nil
	}
	journal, err := ledger.OpenJournal(defaultJournalPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger journal: %w", err)
	}

	l := ledger.New(ledger.Config{
		Logger:                logger,
		Snapshots:             store,
		Timeouts:              sched,
		Reverter:              reverter,
		Probe:                 probe,
		Policies:              policies,
		WatchedByCat:          watchedByCat,
		Journal:               journal,
		ConnectivityEndpoints: cfg.Timeout.ConnectivityEndpoints,
	})
	if len(priorRecords) > 0 {
		logger.Info("replaying ledger journal from prior run", zap.Int("records", len(priorRecords)))
		l.Replay(ctx, priorRecords)
	}

	surface := control.New(logger, l, store, w, cls, probe, reverter)
	srv := control.NewServer(logger, surface, defaultSocketPath)

	return &Daemon{
		logger:     logger,
		cfg:        cfg,
		probe:      probe,
		classifier: cls,
		store:      store,
		watchers:   w,
		scheduler:  sched,
		reverter:   reverter,
		ledger:     l,
		control:    srv,
		journal:    journal,
	}, nil
}

// Run starts every owner goroutine, the watcher-to-ledger pipeline,
// and blocks until a shutdown signal arrives or ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		d.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	events, err := d.watchers.Run(ctx)
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}

	go func() {
		if err := d.scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("timeout scheduler exited unexpectedly", zap.Error(err))
		}
	}()
	go func() {
		if err := d.control.Serve(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("control server exited unexpectedly", zap.Error(err))
		}
	}()
	go pump(ctx, d.logger, d.watchers, d.ledger, events)

	ledgerDone := make(chan struct{})
	go func() {
		defer close(ledgerDone)
		// Run blocks draining the command queue until ctx is
		// cancelled, then waits for outstanding revert/snapshot
		// goroutines before returning - this is the "let in-flight
		// reverts finish" half of shutdown.
		_ = d.ledger.Run(ctx)
	}()

	<-ctx.Done()
	d.logger.Info("shutting down, waiting for in-flight reverts to finish")
	_ = d.control.Close()

	select {
	case <-ledgerDone:
	case <-time.After(30 * time.Second):
		d.logger.Warn("ledger did not finish draining within the shutdown deadline")
	}

	if err := d.journal.Close(); err != nil {
		d.logger.Warn("failed to close ledger journal cleanly", zap.Error(err))
	}

	return nil
}

// pump forwards each filesystem change event to the Ledger as a
// command. It refuses to submit new changes while w reports degraded,
// failing closed rather than opening pending changes against an
// incomplete view of the filesystem.
func pump(ctx context.Context, logger *zap.Logger, w domain.Watcher, l domain.Ledger, events <-chan domain.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if w.Degraded() {
				logger.Warn("watcher degraded, refusing new pending changes", zap.String("path", ev.Path))
				continue
			}
			cmd := ledger.NewChangeEvent(ev.Path, ev.Category, ev.Digest, ev.Observed)
			if err := l.Submit(ctx, cmd); err != nil {
				logger.Error("failed to submit change event", zap.String("path", ev.Path), zap.Error(err))
			}
		}
	}
}
