package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/domain"
)

// findOpenCoveringPath returns the non-terminal change for category
// that already has path as a member, if any.
func (l *Ledger) findOpenCoveringPath(category, path string) *domain.PendingChange {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, pc := range l.changes {
		if pc.Category != category || pc.State.Terminal() {
			continue
		}
		if _, ok := pc.Paths[path]; ok {
			return pc
		}
	}
	return nil
}

// findOpenByCategory returns an arbitrary non-terminal change for
// category, if any (Go map iteration order is unspecified, so this is
// not necessarily the most recently active one). Only called as a
// coalescing candidate once findOpenCoveringPath has already ruled out
// that the edited path belongs to an existing change.
func (l *Ledger) findOpenByCategory(category string) *domain.PendingChange {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, pc := range l.changes {
		if pc.Category == category && !pc.State.Terminal() {
			return pc
		}
	}
	return nil
}

func (l *Ledger) onChangeEvent(ctx context.Context, c changeEventCommand) {
	if c.category == "" {
		l.logger.Debug("dropping unclassified change event", zap.String("path", c.path))
		return
	}
	if last, ok := l.lastAccepted[c.path]; ok && last == c.digest {
		l.logger.Debug("dropping no-op write", zap.String("path", c.path))
		return
	}

	// A path already a member of an open change always merges into
	// it, no matter how long ago that change last saw an event: a
	// path must never become a member of two non-terminal changes at
	// once. Only a brand-new path for the category is still gated on
	// the coalescing window.
	if existing := l.findOpenCoveringPath(c.category, c.path); existing != nil {
		l.mergeIntoChange(existing, c.path, c.observed)
		l.logger.Info("coalesced change event into open change",
			zap.String("change_id", existing.ChangeID), zap.String("path", c.path))
		return
	}

	if existing := l.findOpenByCategory(c.category); existing != nil {
		if c.observed.Sub(existing.LastEvent) <= l.coalesceWindow {
			l.mergeIntoChange(existing, c.path, c.observed)
			l.logger.Info("coalesced change event into open change",
				zap.String("change_id", existing.ChangeID), zap.String("path", c.path))
			return
		}
	}

	l.openNewChange(ctx, c)
}

// mergeIntoChange adds path to pc's path set and advances LastEvent.
// Deadline is never touched here: it was fixed when the change
// opened, and extending it would let repeated edits keep a change
// open indefinitely.
func (l *Ledger) mergeIntoChange(pc *domain.PendingChange, path string, observed time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pc.Paths[path] = struct{}{}
	pc.LastEvent = observed
}

func (l *Ledger) openNewChange(ctx context.Context, c changeEventCommand) {
	policy := l.policyFor(c.category)
	changeID := l.nextChangeID(c.category)
	paths := l.watchedByCat[c.category]
	if len(paths) == 0 {
		paths = []string{c.path}
	}

	now := time.Now()
	pathSet := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		pathSet[p] = struct{}{}
	}
	pathSet[c.path] = struct{}{}

	pc := &domain.PendingChange{
		ChangeID:  changeID,
		Category:  c.category,
		Paths:     pathSet,
		CreatedAt: now,
		Deadline:  now.Add(policy.Timeout),
		State:     domain.StateOpen,
		LastEvent: c.observed,
	}

	l.mu.Lock()
	l.changes[changeID] = pc
	l.mu.Unlock()

	l.timeouts.Schedule(changeID, pc.Deadline, func() {
		_ = l.Submit(context.Background(), deadlineFiredCommand{changeID: changeID})
	})

	l.logger.Info("opened pending change",
		zap.String("change_id", changeID), zap.String("category", c.category), zap.Time("deadline", pc.Deadline))

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		snapID, err := l.snapshots.Create(ctx, pc.PathsSlice(), domain.OriginAuto, "pre-change snapshot for "+changeID)
		if err != nil {
			l.logger.Error("snapshot create failed for new change, leaving change without a baseline",
				zap.String("change_id", changeID), zap.Error(err))
			return
		}
		_ = l.Submit(context.Background(), snapshotReadyCommand{changeID: changeID, snapshotID: snapID})
	}()
}

func (l *Ledger) onSnapshotReady(c snapshotReadyCommand) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if live, ok := l.changes[c.changeID]; ok {
		live.SnapshotID = c.snapshotID
	}
}

// replayChangeEvent reconstructs the coalesce-or-open decision
// onChangeEvent/openNewChange make live, using the journaled
// command's apply time as a stand-in for the original event's
// observed time. Called only from Replay, before any concurrent
// access is possible, so it skips locking and the snapshot-create
// goroutine (the snapshot, if any, arrives via a later snapshot_ready
// record).
func (l *Ledger) replayChangeEvent(rec journalRecord) {
	if rec.Category == "" {
		return
	}

	var sameCategoryOpen *domain.PendingChange
	for _, pc := range l.changes {
		if pc.Category != rec.Category || pc.State.Terminal() {
			continue
		}
		if _, ok := pc.Paths[rec.Path]; ok {
			pc.Paths[rec.Path] = struct{}{}
			pc.LastEvent = rec.At
			return
		}
		if sameCategoryOpen == nil {
			sameCategoryOpen = pc
		}
	}
	if sameCategoryOpen != nil && rec.At.Sub(sameCategoryOpen.LastEvent) <= l.coalesceWindow {
		sameCategoryOpen.Paths[rec.Path] = struct{}{}
		sameCategoryOpen.LastEvent = rec.At
		return
	}

	policy := l.policyFor(rec.Category)
	changeID := l.nextChangeID(rec.Category)
	paths := l.watchedByCat[rec.Category]
	if len(paths) == 0 {
		paths = []string{rec.Path}
	}
	pathSet := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		pathSet[p] = struct{}{}
	}
	pathSet[rec.Path] = struct{}{}

	l.changes[changeID] = &domain.PendingChange{
		ChangeID:  changeID,
		Category:  rec.Category,
		Paths:     pathSet,
		CreatedAt: rec.At,
		Deadline:  rec.At.Add(policy.Timeout),
		State:     domain.StateOpen,
		LastEvent: rec.At,
	}
}

func (l *Ledger) onConfirm(changeID, actor string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pc, ok := l.changes[changeID]
	if !ok {
		return domain.ErrChangeNotFound
	}
	if pc.State != domain.StateOpen && pc.State != domain.StateGrace {
		return domain.ErrChangeNotConfirmable
	}

	l.timeouts.Cancel(changeID)
	pc.State = domain.StateConfirmed
	paths := pc.PathsSlice()

	l.logger.Info("change confirmed", zap.String("change_id", changeID), zap.String("actor", actor))

	l.wg.Add(1)
	go func(changeID string, paths []string) {
		defer l.wg.Done()
		digests := make(map[string]string, len(paths))
		for _, p := range paths {
			digests[p] = fileDigest(p)
		}
		_ = l.Submit(context.Background(), acceptedDigestsCommand{changeID: changeID, digests: digests})
	}(changeID, paths)

	return nil
}

func (l *Ledger) onCancel(ctx context.Context, changeID, actor string) error {
	l.mu.Lock()
	pc, ok := l.changes[changeID]
	if !ok {
		l.mu.Unlock()
		return domain.ErrChangeNotFound
	}
	if pc.State.Terminal() {
		l.mu.Unlock()
		return domain.ErrChangeNotConfirmable
	}
	l.timeouts.Cancel(changeID)
	pc.State = domain.StateReverting
	l.mu.Unlock()

	l.logger.Info("change canceled, forcing immediate revert", zap.String("change_id", changeID), zap.String("actor", actor))
	l.startRevert(ctx, changeID)
	return nil
}

func (l *Ledger) onDeadlineFired(ctx context.Context, changeID string) {
	l.mu.Lock()
	pc, ok := l.changes[changeID]
	if !ok || pc.State != domain.StateOpen {
		l.mu.Unlock()
		// deadline_fired on a non-OPEN change races with confirm and
		// is discarded silently.
		return
	}
	pc.State = domain.StateGrace
	pc.GraceDeadline = time.Now().Add(l.policyFor(pc.Category).GracePeriod)
	graceDeadline := pc.GraceDeadline
	policy := l.policyFor(pc.Category)
	l.mu.Unlock()

	l.logger.Info("deadline fired, entering grace", zap.String("change_id", changeID), zap.Time("grace_deadline", graceDeadline))

	l.timeouts.ScheduleGrace(changeID, graceDeadline, func() {
		_ = l.Submit(context.Background(), graceFiredCommand{changeID: changeID})
	})

	if policy.ConnectivityRequired {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, policy.GracePeriod/2)
			defer cancel()
			result, err := l.probe.CheckReachability(probeCtx, l.connectivityEndpoints(), policy.GracePeriod/2)
			reachable := err == nil && result.Reachable
			_ = l.Submit(context.Background(), reachabilityResultCommand{changeID: changeID, reachable: reachable})
		}()
	}
}

// connectivityEndpoints returns the configured probe targets. Wired
// through daemon construction; defaulted here for standalone tests.
func (l *Ledger) connectivityEndpoints() []string {
	if len(l.defaultEndpoints) > 0 {
		return l.defaultEndpoints
	}
	return []string{"8.8.8.8", "1.1.1.1"}
}

func (l *Ledger) onGraceFired(ctx context.Context, changeID string) {
	l.mu.Lock()
	pc, ok := l.changes[changeID]
	if !ok || pc.State != domain.StateGrace {
		l.mu.Unlock()
		return
	}
	pc.State = domain.StateReverting
	l.mu.Unlock()

	l.logger.Info("grace expired, reverting", zap.String("change_id", changeID))
	l.startRevert(ctx, changeID)
}

func (l *Ledger) startRevert(ctx context.Context, changeID string) {
	l.mu.RLock()
	pc, ok := l.changes[changeID]
	l.mu.RUnlock()
	if !ok {
		return
	}
	snapshotID := pc.SnapshotID
	category := pc.Category
	paths := pc.PathsSlice()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if snapshotID == "" {
			_ = l.Submit(context.Background(), revertCompletedCommand{changeID: changeID, err: domain.ErrSnapshotCreateFailed})
			return
		}
		plan, err := l.snapshots.Restore(ctx, snapshotID, paths)
		if err != nil {
			_ = l.Submit(context.Background(), revertCompletedCommand{changeID: changeID, err: err})
			return
		}
		err = l.reverter.Execute(ctx, *plan, category)
		_ = l.Submit(context.Background(), revertCompletedCommand{changeID: changeID, err: err})
	}()
}

func (l *Ledger) onAcceptedDigests(c acceptedDigestsCommand) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p, d := range c.digests {
		l.lastAccepted[p] = d
	}
}

func fileDigest(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (l *Ledger) onRevertCompleted(changeID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pc, ok := l.changes[changeID]
	if !ok {
		return
	}
	if err != nil {
		pc.State = domain.StateFailed
		l.logger.Error("revert failed, change requires manual operator intervention",
			zap.String("change_id", changeID), zap.Error(err))
		return
	}
	pc.State = domain.StateReverted
	l.logger.Info("change reverted", zap.String("change_id", changeID))
}
