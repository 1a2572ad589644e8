package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/meshadmin/revertit/internal/domain"
)

// journalRecord is the on-disk shape of one applied command. Only the
// fields needed to replay state are persisted; commands with a done
// channel are recorded without it. At is the wall-clock time the
// owner goroutine applied the command - close enough to the original
// event's own timestamp to serve as the basis for recomputing
// deadlines on replay.
type journalRecord struct {
	Kind       string            `json:"kind"`
	At         time.Time         `json:"at"`
	Path       string            `json:"path,omitempty"`
	Category   string            `json:"category,omitempty"`
	Digest     string            `json:"digest,omitempty"`
	ChangeID   string            `json:"change_id,omitempty"`
	SnapshotID string            `json:"snapshot_id,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Digests    map[string]string `json:"digests,omitempty"`
	Err        string            `json:"err,omitempty"`
}

// Journal appends one JSON line per applied Ledger command to an
// append-only file. The file is not compacted: records are only ever
// appended.
type Journal struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// OpenJournal opens path for appending, creating it if necessary.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening ledger journal: %w", err)
	}
	return &Journal{path: path, file: f}, nil
}

// Append writes one record for cmd. Commands unrelated to durable
// change state (reachability results) are not journaled.
func (j *Journal) Append(cmd domain.LedgerCommand) error {
	rec, ok := toRecord(cmd)
	if !ok {
		return nil
	}
	rec.At = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return j.file.Sync()
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// ReadAll replays every record in the journal file at path, in
// order, for use by daemon startup recovery.
func ReadAll(path string) ([]journalRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []journalRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return records, fmt.Errorf("%w: %v", domain.ErrLedgerReplayInconsistent, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, err
	}
	return records, nil
}

func toRecord(cmd domain.LedgerCommand) (journalRecord, bool) {
	switch c := cmd.(type) {
	case changeEventCommand:
		return journalRecord{Kind: c.Kind(), Path: c.path, Category: c.category, Digest: c.digest}, true
	case confirmCommand:
		return journalRecord{Kind: c.Kind(), ChangeID: c.changeID, Actor: c.actor}, true
	case cancelCommand:
		return journalRecord{Kind: c.Kind(), ChangeID: c.changeID, Actor: c.actor}, true
	case deadlineFiredCommand:
		return journalRecord{Kind: c.Kind(), ChangeID: c.changeID}, true
	case graceFiredCommand:
		return journalRecord{Kind: c.Kind(), ChangeID: c.changeID}, true
	case revertCompletedCommand:
		rec := journalRecord{Kind: c.Kind(), ChangeID: c.changeID}
		if c.err != nil {
			rec.Err = c.err.Error()
		}
		return rec, true
	case acceptedDigestsCommand:
		return journalRecord{Kind: c.Kind(), ChangeID: c.changeID, Digests: c.digests}, true
	case snapshotReadyCommand:
		return journalRecord{Kind: c.Kind(), ChangeID: c.changeID, SnapshotID: c.snapshotID}, true
	default:
		return journalRecord{}, false
	}
}
