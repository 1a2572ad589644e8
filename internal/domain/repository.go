package domain

import (
	"context"
	"time"
)

// HostProbe detects process-wide facts about the host once at startup
// and answers connectivity questions on demand.
// Implementation: gopsutil plus /etc/os-release and init-system detection.
type HostProbe interface {
	// Detect builds the HostDescriptor. Safe to call once; callers
	// should cache the result.
	Detect(ctx context.Context) (HostDescriptor, error)

	// CheckReachability probes endpoints (literal IPs or hostnames)
	// and reports the best result observed within timeout per
	// endpoint.
	CheckReachability(ctx context.Context, endpoints []string, timeout time.Duration) (ReachabilityResult, error)

	// RestartService asks the detected init system to restart a unit.
	RestartService(ctx context.Context, name string) ServiceRestartResult
}

// SnapshotStore persists point-in-time captures of watched paths and
// produces restore plans. Every write is atomic: a temp file plus
// rename, with the manifest written last.
type SnapshotStore interface {
	// Create captures the current content of paths into a new
	// snapshot and returns its ID.
	Create(ctx context.Context, paths []string, origin SnapshotOrigin, description string) (string, error)

	// Get loads the metadata for one snapshot.
	Get(ctx context.Context, id string) (*SnapshotMetadata, error)

	// List returns snapshot metadata ordered newest first.
	List(ctx context.Context) ([]SnapshotMetadata, error)

	// Restore builds a RestorePlan that would bring the listed paths
	// back to the content recorded in the snapshot. It performs no
	// writes itself.
	Restore(ctx context.Context, id string, paths []string) (*RestorePlan, error)

	// Verify recomputes digests for a snapshot's blobs and reports
	// whether they still match the manifest.
	Verify(ctx context.Context, id string) error

	// Prune deletes snapshots past the retention policy, skipping
	// any with OriginManual.
	Prune(ctx context.Context) ([]string, error)
}

// Classifier maps a filesystem path to the policy category that
// governs it (network, ssh, firewall, service, ...).
type Classifier interface {
	// Categorize returns the category name for path, or "" if no
	// configured pattern matches (the path is not tracked).
	Categorize(path string) string

	// Expand resolves the configured glob patterns for one category
	// into concrete, currently-existing WatchedPaths.
	Expand(category string, patterns []string) ([]WatchedPath, error)

	// PolicyFor returns the Policy registered for category.
	PolicyFor(category string) (Policy, bool)
}

// ChangeEvent is one filesystem notification handed from the Watcher
// to the Ledger.
type ChangeEvent struct {
	Path      string
	Category  string
	Kind      string // "write", "create", "remove", "rename"
	Digest    string
	Observed  time.Time
}

// Watcher streams filesystem change events for the configured paths.
// Implementation: fsnotify, with debouncing and a degraded-mode
// fallback when a watch cannot be established.
type Watcher interface {
	// Run starts watching and returns at once; events are emitted on
	// the returned channel until ctx is cancelled, and the channel is
	// closed on exit.
	Run(ctx context.Context) (<-chan ChangeEvent, error)

	// Suppress marks path as self-inflicted for the given duration so
	// the Revert Engine's restore writes do not re-trigger a change.
	Suppress(path string, d time.Duration)

	// Degraded reports whether event delivery can no longer be
	// guaranteed for some watched path (a failed watch or an fsnotify
	// error). There is no polling fallback.
	Degraded() bool
}

// LedgerCommand is the sum type of requests the Ledger's owner
// goroutine accepts through its command queue. Concrete shapes live
// beside the Ledger implementation; this interface exists so that
// other packages can depend on submission without depending on the
// implementation.
type LedgerCommand interface {
	// Kind identifies the command for logging and metrics.
	Kind() string
}

// Ledger owns the PendingChange state machine. All mutation happens
// on a single goroutine; callers submit commands and read state back
// through Get and List.
type Ledger interface {
	// Submit enqueues a command. Confirm and cancel commands block
	// until applied and return its result; other commands return as
	// soon as they are enqueued.
	Submit(ctx context.Context, cmd LedgerCommand) error

	// Get returns a copy of one PendingChange by ID.
	Get(id string) (*PendingChange, bool)

	// List returns copies of all non-terminal PendingChanges.
	List() []PendingChange

	// Run starts the owner goroutine and blocks until ctx is done.
	Run(ctx context.Context) error
}

// TimeoutScheduler tracks per-change deadlines on a monotonic clock
// so wall-clock adjustments cannot shorten or lengthen a window.
type TimeoutScheduler interface {
	// Schedule arms the DEADLINE entry for changeID, invoking fire
	// when it elapses unless Cancel or Reschedule runs first.
	Schedule(changeID string, at time.Time, fire func())

	// ScheduleGrace arms the GRACE entry for changeID, distinct from
	// its DEADLINE entry so a change can carry both briefly.
	ScheduleGrace(changeID string, at time.Time, fire func())

	// Reschedule moves an existing DEADLINE entry to a new time; it
	// reports false when no DEADLINE entry is armed for changeID.
	Reschedule(changeID string, at time.Time) bool

	// Cancel removes a pending deadline, e.g. on confirm.
	Cancel(changeID string) bool

	// Run drives the heap until ctx is cancelled.
	Run(ctx context.Context) error
}

// RevertEngine executes a RestorePlan: files are written back before
// any dependent services are restarted.
type RevertEngine interface {
	// Execute applies plan and restarts the services registered for
	// category. A file step that still fails after its retries aborts
	// the plan before any service is restarted; service restart
	// failures are aggregated instead of stopping at the first one.
	Execute(ctx context.Context, plan RestorePlan, category string) error
}

// ControlSurface is the in-process API backing both the local Unix
// socket transport and any direct embedding.
type ControlSurface interface {
	// Status reports a summary snapshot of the daemon's state.
	Status(ctx context.Context) (map[string]any, error)

	// ConfirmChange moves a PendingChange to CONFIRMED.
	ConfirmChange(ctx context.Context, changeID string) error

	// CancelChange forces a PendingChange straight to REVERTING.
	CancelChange(ctx context.Context, changeID string) error

	// ListChanges returns all non-terminal PendingChanges.
	ListChanges(ctx context.Context) ([]PendingChange, error)

	// ListSnapshots returns snapshot metadata ordered newest first.
	ListSnapshots(ctx context.Context) ([]SnapshotMetadata, error)

	// CreateSnapshot takes a manual, retention-exempt snapshot.
	CreateSnapshot(ctx context.Context, paths []string, description string) (string, error)

	// RestoreSnapshot restores every path recorded in snapshot id,
	// grouping the writes by category so the right services are
	// restarted afterward.
	RestoreSnapshot(ctx context.Context, id string) error

	// SelfTest reports the host capabilities the daemon depends on
	// (distro family, init system, firewall/network tooling) as
	// detected by the Host Probe; "ok" is true when both a distro
	// family and an init system were detected. The snapshot location
	// is not checked.
	SelfTest(ctx context.Context) (map[string]any, error)
}
