// Package ledger owns the PendingChange state machine. All mutation
// happens on a single owner goroutine serving an ordered command
// queue, so concurrent watcher events, administrator commands, and
// timer fires never race on a PendingChange.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/domain"
)

const defaultCoalesceWindow = 10 * time.Second

// Ledger implements domain.Ledger.
type Ledger struct {
	logger *zap.Logger

	snapshots domain.SnapshotStore
	timeouts  domain.TimeoutScheduler
	reverter  domain.RevertEngine
	probe     domain.HostProbe

	coalesceWindow time.Duration

	policies          map[string]domain.Policy
	watchedByCat      map[string][]string
	lastAccepted      map[string]string // path -> digest
	defaultEndpoints  []string

	cmds chan domain.LedgerCommand
	wg   sync.WaitGroup

	mu      sync.RWMutex
	changes map[string]*domain.PendingChange
	seq     map[string]uint64

	journal *Journal
}

var _ domain.Ledger = (*Ledger)(nil)

// Config bundles the Ledger's collaborators and static policy tables.
type Config struct {
	Logger         *zap.Logger
	Snapshots      domain.SnapshotStore
	Timeouts       domain.TimeoutScheduler
	Reverter       domain.RevertEngine
	Probe          domain.HostProbe
	Policies       map[string]domain.Policy
	WatchedByCat   map[string][]string
	CoalesceWindow    time.Duration
	Journal           *Journal
	ConnectivityEndpoints []string
}

// New constructs a Ledger. Call Run to start its owner goroutine.
func New(cfg Config) *Ledger {
	window := cfg.CoalesceWindow
	if window == 0 {
		window = defaultCoalesceWindow
	}
	return &Ledger{
		logger:         cfg.Logger,
		snapshots:      cfg.Snapshots,
		timeouts:       cfg.Timeouts,
		reverter:       cfg.Reverter,
		probe:          cfg.Probe,
		coalesceWindow: window,
		policies:       cfg.Policies,
		watchedByCat:   cfg.WatchedByCat,
		lastAccepted:     make(map[string]string),
		defaultEndpoints: cfg.ConnectivityEndpoints,
		cmds:             make(chan domain.LedgerCommand, 256),
		changes:          make(map[string]*domain.PendingChange),
		seq:              make(map[string]uint64),
		journal:          cfg.Journal,
	}
}

// Submit enqueues cmd and blocks until the owner goroutine has
// applied it. Commands without a done channel (events, timer fires)
// return as soon as they are enqueued.
func (l *Ledger) Submit(ctx context.Context, cmd domain.LedgerCommand) error {
	select {
	case l.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	switch c := cmd.(type) {
	case confirmCommand:
		return waitDone(ctx, c.done)
	case cancelCommand:
		return waitDone(ctx, c.done)
	}
	return nil
}

func waitDone(ctx context.Context, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a shallow copy of one PendingChange.
func (l *Ledger) Get(id string) (*domain.PendingChange, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pc, ok := l.changes[id]
	if !ok {
		return nil, false
	}
	cp := *pc
	return &cp, true
}

// List returns copies of every non-terminal PendingChange.
func (l *Ledger) List() []domain.PendingChange {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.PendingChange, 0, len(l.changes))
	for _, pc := range l.changes {
		if !pc.State.Terminal() {
			out = append(out, *pc)
		}
	}
	return out
}

// Replay rebuilds in-memory PendingChange state from a prior run's
// journal records, in order. Call it once before Run, with no other
// goroutine submitting commands yet. OPEN/GRACE deadlines are
// rescheduled against their original wall-clock target (which may
// already be in the past - the Timeout Scheduler fires those
// immediately); changes left in REVERTING have their restore plan
// re-executed, safe because plan execution is idempotent by content
// digest.
func (l *Ledger) Replay(ctx context.Context, records []journalRecord) {
	for _, rec := range records {
		switch rec.Kind {
		case "on_change_event":
			l.replayChangeEvent(rec)
		case "snapshot_ready":
			if pc, ok := l.changes[rec.ChangeID]; ok {
				pc.SnapshotID = rec.SnapshotID
			}
		case "confirm":
			if pc, ok := l.changes[rec.ChangeID]; ok && !pc.State.Terminal() {
				pc.State = domain.StateConfirmed
			}
		case "cancel":
			if pc, ok := l.changes[rec.ChangeID]; ok && !pc.State.Terminal() {
				pc.State = domain.StateReverting
			}
		case "deadline_fired":
			if pc, ok := l.changes[rec.ChangeID]; ok && pc.State == domain.StateOpen {
				pc.State = domain.StateGrace
				pc.GraceDeadline = rec.At.Add(l.policyFor(pc.Category).GracePeriod)
			}
		case "grace_fired":
			if pc, ok := l.changes[rec.ChangeID]; ok && pc.State == domain.StateGrace {
				pc.State = domain.StateReverting
			}
		case "revert_completed":
			if pc, ok := l.changes[rec.ChangeID]; ok {
				if rec.Err != "" {
					pc.State = domain.StateFailed
				} else {
					pc.State = domain.StateReverted
				}
			}
		case "accepted_digests":
			for p, d := range rec.Digests {
				l.lastAccepted[p] = d
			}
		}
	}

	for changeID, pc := range l.changes {
		switch pc.State {
		case domain.StateOpen:
			deadline := pc.Deadline
			l.timeouts.Schedule(changeID, deadline, func() {
				_ = l.Submit(context.Background(), deadlineFiredCommand{changeID: changeID})
			})
		case domain.StateGrace:
			graceDeadline := pc.GraceDeadline
			l.timeouts.ScheduleGrace(changeID, graceDeadline, func() {
				_ = l.Submit(context.Background(), graceFiredCommand{changeID: changeID})
			})
		case domain.StateReverting:
			l.logger.Warn("resuming interrupted revert after restart", zap.String("change_id", changeID))
			l.startRevert(ctx, changeID)
		}
	}
}

// Run drains the command queue until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return ctx.Err()
		case cmd := <-l.cmds:
			l.apply(ctx, cmd)
		}
	}
}

func (l *Ledger) apply(ctx context.Context, cmd domain.LedgerCommand) {
	if l.journal != nil {
		if err := l.journal.Append(cmd); err != nil {
			l.logger.Error("failed to append command to ledger journal", zap.Error(err))
		}
	}

	switch c := cmd.(type) {
	case changeEventCommand:
		l.onChangeEvent(ctx, c)
	case confirmCommand:
		c.done <- l.onConfirm(c.changeID, c.actor)
	case cancelCommand:
		c.done <- l.onCancel(ctx, c.changeID, c.actor)
	case deadlineFiredCommand:
		l.onDeadlineFired(ctx, c.changeID)
	case graceFiredCommand:
		l.onGraceFired(ctx, c.changeID)
	case revertCompletedCommand:
		l.onRevertCompleted(c.changeID, c.err)
	case reachabilityResultCommand:
		l.logger.Info("reachability observed during grace",
			zap.String("change_id", c.changeID), zap.Bool("reachable", c.reachable))
	case acceptedDigestsCommand:
		l.onAcceptedDigests(c)
	case snapshotReadyCommand:
		l.onSnapshotReady(c)
	default:
		l.logger.Warn("unrecognized ledger command", zap.String("kind", cmd.Kind()))
	}
}

func (l *Ledger) nextChangeID(category string) string {
	l.seq[category]++
	return fmt.Sprintf("%s_%d", category, l.seq[category])
}

func (l *Ledger) policyFor(category string) domain.Policy {
	if pol, ok := l.policies[category]; ok {
		return pol
	}
	return domain.Policy{Name: category, Timeout: 300 * time.Second, GracePeriod: 30 * time.Second}
}
