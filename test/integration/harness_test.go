//go:build integration

// Package integration exercises the daemon's core subsystems wired
// together the way internal/daemon.New assembles them, without the
// control socket or a real fsnotify watcher, so the confirmation,
// timeout, coalescing, and crash-recovery scenarios drive real
// snapshot, timeout, and revert code paths instead of mocks. Policy
// durations are scaled down to milliseconds so the suite runs in real
// time.
package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/classifier"
	"github.com/meshadmin/revertit/internal/domain"
	"github.com/meshadmin/revertit/internal/ledger"
	"github.com/meshadmin/revertit/internal/revert"
	"github.com/meshadmin/revertit/internal/snapshot"
	"github.com/meshadmin/revertit/internal/timeout"
)

// fakeProbe lets each scenario control reachability and service
// restart outcomes without touching the network or systemd.
type fakeProbe struct {
	mu         sync.Mutex
	reachable  bool
	restartRes domain.ServiceRestartResult
	restarts   []string

	gate    chan struct{}
	started chan struct{}
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{restartRes: domain.RestartOk}
}

// armBlock makes the next RestartService call signal started and then
// block until the returned release func runs, standing in for a
// service-restart subprocess that never returns because the process
// hosting it was killed.
func (f *fakeProbe) armBlock() (started <-chan struct{}, release func()) {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.started = make(chan struct{})
	gate := f.gate
	startedCh := f.started
	f.mu.Unlock()
	return startedCh, func() { close(gate) }
}

func (f *fakeProbe) Detect(ctx context.Context) (domain.HostDescriptor, error) {
	return domain.HostDescriptor{}, nil
}

func (f *fakeProbe) CheckReachability(ctx context.Context, endpoints []string, timeout time.Duration) (domain.ReachabilityResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.ReachabilityResult{Reachable: f.reachable, ObservedAt: time.Now()}, nil
}

func (f *fakeProbe) RestartService(ctx context.Context, name string) domain.ServiceRestartResult {
	f.mu.Lock()
	gate := f.gate
	started := f.started
	f.gate, f.started = nil, nil
	f.mu.Unlock()

	if gate != nil {
		close(started)
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, name)
	return f.restartRes
}

func (f *fakeProbe) setReachable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reachable = v
}

func (f *fakeProbe) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

// noopWatcher satisfies domain.Watcher for the Revert Engine's
// suppress/lift calls; the harness drives events directly instead of
// through a real fsnotify.Watcher.
type noopWatcher struct{}

func (noopWatcher) Run(ctx context.Context) (<-chan domain.ChangeEvent, error) { return nil, nil }
func (noopWatcher) Suppress(path string, d time.Duration)                     {}
func (noopWatcher) Degraded() bool                                            { return false }

// harness wires a Classifier, Snapshot Store, Timeout Scheduler,
// Revert Engine, and Ledger the way daemon.New does, against a scratch
// directory standing in for the watched filesystem.
type harness struct {
	dir          string
	snapDir      string
	journalPath  string
	logger       *zap.Logger
	probe        *fakeProbe
	store        *snapshot.Store
	sched        *timeout.Scheduler
	classifier   *classifier.Classifier
	policies     map[string]domain.Policy
	watchedByCat map[string][]string
	journal      *ledger.Journal
	ledger       *ledger.Ledger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type categorySpec struct {
	name   string
	glob   string
	policy domain.Policy
}

func newHarness(specs []categorySpec, coalesceWindow time.Duration) *harness {
	dir, err := os.MkdirTemp("", "revertit-e2e-*")
	if err != nil {
		panic(err)
	}
	snapDir := filepath.Join(dir, "snapshots")
	if err := os.MkdirAll(snapDir, 0700); err != nil {
		panic(err)
	}

	logger := zap.NewNop()
	policies := make(map[string]domain.Policy, len(specs))
	patterns := make(map[string][]string, len(specs))
	order := make([]string, 0, len(specs))
	for _, s := range specs {
		policies[s.name] = s.policy
		patterns[s.name] = []string{filepath.Join(dir, s.glob)}
		order = append(order, s.name)
	}

	cl := classifier.New(logger, patterns, policies, order)

	watchedByCat := make(map[string][]string, len(specs))
	for _, s := range specs {
		expanded, err := cl.Expand(s.name, patterns[s.name])
		if err != nil {
			panic(err)
		}
		paths := make([]string, 0, len(expanded))
		for _, wp := range expanded {
			paths = append(paths, wp.Path)
		}
		watchedByCat[s.name] = paths
	}

	store := snapshot.New(logger, snapDir, false, 100, 0)
	sched := timeout.New(logger)
	probe := newFakeProbe()

	services := make(map[string][]string, len(specs))
	for _, s := range specs {
		services[s.name] = s.policy.RestartServices
	}
	engine := revert.New(logger, noopWatcher{}, probe, services)

	journalPath := filepath.Join(dir, "ledger.log")
	journal, err := ledger.OpenJournal(journalPath)
	if err != nil {
		panic(err)
	}

	lg := ledger.New(ledger.Config{
		Logger:         logger,
		Snapshots:      store,
		Timeouts:       sched,
		Reverter:       engine,
		Probe:          probe,
		Policies:       policies,
		WatchedByCat:   watchedByCat,
		Journal:        journal,
		CoalesceWindow: coalesceWindow,
	})

	ctx, cancel := context.WithCancel(context.Background())

	h := &harness{
		dir:          dir,
		snapDir:      snapDir,
		journalPath:  journalPath,
		logger:       logger,
		probe:        probe,
		store:        store,
		sched:        sched,
		classifier:   cl,
		policies:     policies,
		watchedByCat: watchedByCat,
		journal:      journal,
		ledger:       lg,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	return h
}

// run starts the Scheduler's and Ledger's owner goroutines. Call
// stop() to shut both down and close the journal.
func (h *harness) run() {
	go func() { _ = h.sched.Run(h.ctx) }()
	go func() {
		_ = h.ledger.Run(h.ctx)
		close(h.done)
	}()
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
	_ = h.journal.Close()
	_ = os.RemoveAll(h.dir)
}

// path resolves name under the harness's scratch root, standing in
// for an absolute system path like /etc/ssh/sshd_config.
func (h *harness) path(name string) string {
	return filepath.Join(h.dir, name)
}

func (h *harness) writeFile(path, content string) {
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		panic(err)
	}
}

func digestOf(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// edit writes content to path and submits the resulting change event
// to the Ledger the way the daemon's watcher-to-ledger pump would
// after debouncing settles.
func (h *harness) edit(path, category, content string) {
	h.writeFile(path, content)
	_ = h.ledger.Submit(h.ctx, ledger.NewChangeEvent(path, category, digestOf(path), time.Now()))
}

func (h *harness) confirm(changeID string) error {
	return h.ledger.Submit(h.ctx, ledger.NewConfirm(changeID, "admin"))
}

func (h *harness) cancelChange(changeID string) error {
	return h.ledger.Submit(h.ctx, ledger.NewCancel(changeID, "admin"))
}

func (h *harness) change(id string) (*domain.PendingChange, bool) {
	return h.ledger.Get(id)
}

// restartDaemon simulates a graceful daemon stop and restart: it stops
// the current Scheduler/Ledger owner goroutines without touching the
// scratch filesystem, closes and reopens the journal, replays it into
// a fresh Ledger, and starts that Ledger running - the same sequence
// internal/daemon.New performs before Daemon.Run.
func (h *harness) restartDaemon() {
	h.cancel()
	<-h.done
	_ = h.journal.Close()

	records, err := ledger.ReadAll(h.journalPath)
	if err != nil {
		panic(err)
	}

	journal, err := ledger.OpenJournal(h.journalPath)
	if err != nil {
		panic(err)
	}

	sched := timeout.New(h.logger)
	engine := revert.New(h.logger, noopWatcher{}, h.probe, servicesFromPolicies(h.policies))

	lg := ledger.New(ledger.Config{
		Logger:       h.logger,
		Snapshots:    h.store,
		Timeouts:     sched,
		Reverter:     engine,
		Probe:        h.probe,
		Policies:     h.policies,
		WatchedByCat: h.watchedByCat,
		Journal:      journal,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.journal = journal
	h.sched = sched
	h.ledger = lg
	h.ctx = ctx
	h.cancel = cancel
	h.done = make(chan struct{})

	lg.Replay(ctx, records)
	h.run()
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func servicesFromPolicies(policies map[string]domain.Policy) map[string][]string {
	services := make(map[string][]string, len(policies))
	for name, pol := range policies {
		services[name] = pol.RestartServices
	}
	return services
}
