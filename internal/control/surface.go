// Package control implements the in-process administrator API and its
// local Unix domain socket transport.
package control

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/domain"
	"github.com/meshadmin/revertit/internal/ledger"
)

// Surface implements domain.ControlSurface over a Ledger, a
// SnapshotStore, a Classifier, and a RevertEngine. It performs no
// authentication itself; the socket transport in server.go checks
// caller identity before dispatching here.
type Surface struct {
	logger     *zap.Logger
	ledger     domain.Ledger
	snapshots  domain.SnapshotStore
	watcher    domain.Watcher
	classifier domain.Classifier
	probe      domain.HostProbe
	reverter   domain.RevertEngine
	startedAt  time.Time
}

var _ domain.ControlSurface = (*Surface)(nil)

// New constructs a Surface.
func New(logger *zap.Logger, ledger domain.Ledger, snapshots domain.SnapshotStore, watcher domain.Watcher, classifier domain.Classifier, probe domain.HostProbe, reverter domain.RevertEngine) *Surface {
	return &Surface{
		logger:     logger,
		ledger:     ledger,
		snapshots:  snapshots,
		watcher:    watcher,
		classifier: classifier,
		probe:      probe,
		reverter:   reverter,
		startedAt:  time.Now(),
	}
}

// Status reports a summary snapshot of daemon state.
func (s *Surface) Status(ctx context.Context) (map[string]any, error) {
	changes := s.ledger.List()
	open, grace := 0, 0
	for _, c := range changes {
		switch c.State {
		case domain.StateOpen:
			open++
		case domain.StateGrace:
			grace++
		}
	}
	return map[string]any{
		"uptime_seconds":   time.Since(s.startedAt).Seconds(),
		"degraded":         s.watcher.Degraded(),
		"open_changes":     open,
		"grace_changes":    grace,
		"pending_total":    len(changes),
	}, nil
}

// ConfirmChange moves a PendingChange to CONFIRMED.
func (s *Surface) ConfirmChange(ctx context.Context, changeID string) error {
	return s.ledger.Submit(ctx, ledger.NewConfirm(changeID, "operator"))
}

// CancelChange forces a PendingChange straight to REVERTING.
func (s *Surface) CancelChange(ctx context.Context, changeID string) error {
	return s.ledger.Submit(ctx, ledger.NewCancel(changeID, "operator"))
}

// ListChanges returns all non-terminal PendingChanges.
func (s *Surface) ListChanges(ctx context.Context) ([]domain.PendingChange, error) {
	return s.ledger.List(), nil
}

// ListSnapshots returns snapshot metadata ordered newest first.
func (s *Surface) ListSnapshots(ctx context.Context) ([]domain.SnapshotMetadata, error) {
	return s.snapshots.List(ctx)
}

// CreateSnapshot takes a manual, retention-exempt snapshot.
func (s *Surface) CreateSnapshot(ctx context.Context, paths []string, description string) (string, error) {
	return s.snapshots.Create(ctx, paths, domain.OriginManual, description)
}

// RestoreSnapshot restores every path recorded in id outside of the
// Ledger's own PendingChange flow - an operator asking for a snapshot
// back directly. Steps are grouped by category (classified per path)
// so each group's services are restarted, mirroring what the Revert
// Engine does for a ledger-driven revert.
func (s *Surface) RestoreSnapshot(ctx context.Context, id string) error {
	meta, err := s.snapshots.Get(ctx, id)
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(meta.Entries))
	for _, e := range meta.Entries {
		paths = append(paths, e.Path)
	}

	byCategory := make(map[string][]string)
	for _, p := range paths {
		cat := s.classifier.Categorize(p)
		byCategory[cat] = append(byCategory[cat], p)
	}

	for cat, catPaths := range byCategory {
		plan, err := s.snapshots.Restore(ctx, id, catPaths)
		if err != nil {
			return fmt.Errorf("building restore plan for category %s: %w", cat, err)
		}
		if err := s.reverter.Execute(ctx, *plan, cat); err != nil {
			return fmt.Errorf("restoring category %s: %w", cat, err)
		}
	}
	return nil
}

// SelfTest reports the host capabilities the daemon depends on.
func (s *Surface) SelfTest(ctx context.Context) (map[string]any, error) {
	descriptor, err := s.probe.Detect(ctx)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	ok := descriptor.InitSystem != "" && descriptor.DistroFamily != ""
	return map[string]any{
		"ok":              ok,
		"distro_family":   descriptor.DistroFamily,
		"distro_id":       descriptor.DistroID,
		"init_system":     descriptor.InitSystem,
		"network_manager": descriptor.NetworkManager,
		"firewall_system": descriptor.FirewallSystem,
		"package_manager": descriptor.PackageManager,
		"watcher_degraded": s.watcher.Degraded(),
	}, nil
}
