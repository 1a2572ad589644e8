package domain

import "errors"

// Sentinel errors for every named error kind the control protocol and
// daemon surface distinguish. Callers branch on these with errors.Is;
// layers wrap them with fmt.Errorf("...: %w", err) to add context on
// the way up.
var (
	ErrConfigInvalid            = errors.New("config invalid")
	ErrUnclassifiedPath         = errors.New("unclassified path")
	ErrSnapshotCreateFailed     = errors.New("snapshot create failed")
	ErrSnapshotCorrupt          = errors.New("snapshot corrupt")
	ErrRestoreIOFailed          = errors.New("restore io failed")
	ErrServiceRestartTransient  = errors.New("service restart transient failure")
	ErrServiceRestartPermanent  = errors.New("service restart permanent failure")
	ErrWatcherDegraded          = errors.New("watcher degraded")
	ErrProbeFailed              = errors.New("reachability probe failed")
	ErrLedgerReplayInconsistent = errors.New("ledger replay inconsistent")
	ErrControlRequestInvalid    = errors.New("control request invalid")

	// ErrChangeNotFound and ErrChangeNotConfirmable back the CLI's
	// confirm exit codes (3 and 4 respectively).
	ErrChangeNotFound      = errors.New("change not found")
	ErrChangeNotConfirmable = errors.New("change not confirmable in its current state")

	ErrSnapshotNotFound = errors.New("snapshot not found")
)
