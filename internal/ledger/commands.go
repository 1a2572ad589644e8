package ledger

import (
	"time"

	"github.com/meshadmin/revertit/internal/domain"
)

// changeEventCommand opens or coalesces a PendingChange for one
// observed filesystem write.
type changeEventCommand struct {
	path     string
	category string
	digest   string
	observed time.Time
}

func (changeEventCommand) Kind() string { return "on_change_event" }

// NewChangeEvent builds the command domain.Ledger.Submit expects for
// one observed filesystem write, for callers (the daemon's watcher
// pump) outside this package that only hold a domain.Ledger.
func NewChangeEvent(path, category, digest string, observed time.Time) domain.LedgerCommand {
	return changeEventCommand{path: path, category: category, digest: digest, observed: observed}
}

// confirmCommand moves a change to CONFIRMED.
type confirmCommand struct {
	changeID string
	actor    string
	done     chan error
}

func (confirmCommand) Kind() string { return "confirm" }

// NewConfirm builds the command domain.Ledger.Submit expects to move
// changeID to CONFIRMED, for callers (the Control Surface) outside
// this package that only hold a domain.Ledger.
func NewConfirm(changeID, actor string) domain.LedgerCommand {
	return confirmCommand{changeID: changeID, actor: actor, done: make(chan error, 1)}
}

// cancelCommand forces a change straight to REVERTING.
type cancelCommand struct {
	changeID string
	actor    string
	done     chan error
}

func (cancelCommand) Kind() string { return "cancel" }

// NewCancel builds the command domain.Ledger.Submit expects to force
// changeID straight into REVERTING.
func NewCancel(changeID, actor string) domain.LedgerCommand {
	return cancelCommand{changeID: changeID, actor: actor, done: make(chan error, 1)}
}

// snapshotReadyCommand lands once an OPEN change's pre-change
// snapshot finishes being written, so the owner goroutine attaches
// the snapshot id to the change through the same command path every
// other mutation uses (and so it is journaled for crash replay).
type snapshotReadyCommand struct {
	changeID   string
	snapshotID string
}

func (snapshotReadyCommand) Kind() string { return "snapshot_ready" }

// deadlineFiredCommand is posted by the Timeout Engine when a
// change's OPEN deadline elapses.
type deadlineFiredCommand struct {
	changeID string
}

func (deadlineFiredCommand) Kind() string { return "deadline_fired" }

// graceFiredCommand is posted when a change's GRACE deadline elapses.
type graceFiredCommand struct {
	changeID string
}

func (graceFiredCommand) Kind() string { return "grace_fired" }

// revertCompletedCommand is posted by the Ledger's revert goroutine
// once a revert attempt has finished, successfully or not.
type revertCompletedCommand struct {
	changeID string
	err      error
}

func (revertCompletedCommand) Kind() string { return "revert_completed" }

// acceptedDigestsCommand lands after a CONFIRMED change's affected
// paths have had their post-edit digests recomputed off the owner
// goroutine, so the Ledger can rotate last-accepted state.
type acceptedDigestsCommand struct {
	changeID string
	digests  map[string]string
}

func (acceptedDigestsCommand) Kind() string { return "accepted_digests" }

// reachabilityResultCommand carries a connectivity probe's outcome
// back into the owner goroutine so it can be logged against the
// change without the prober touching ledger state directly.
type reachabilityResultCommand struct {
	changeID  string
	reachable bool
}

func (reachabilityResultCommand) Kind() string { return "reachability_result" }
