package control

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/meshadmin/revertit/internal/domain"
)

const maxFrameBytes = 1 << 20

// writeFrame writes a 4-byte big-endian length prefix followed by
// data, the wire shape both the server and client sides use.
func writeFrame(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readFrame reads one length-prefixed frame, rejecting anything
// larger than maxFrameBytes.
func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > maxFrameBytes {
		return nil, fmt.Errorf("%w: frame too large", domain.ErrControlRequestInvalid)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// request is the wire shape of one control-socket call.
type request struct {
	Op   string `json:"op"`
	Args map[string]string `json:"args,omitempty"`
}

// response is the wire shape of one control-socket reply. ErrorKind
// carries the sentinel error name (e.g. "change_not_found") since
// errors.Is identity does not survive a JSON round trip; the CLI maps
// it back to its exit-code contract.
type response struct {
	OK        bool   `json:"ok"`
	Value     any    `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

const (
	opStatus          = "status"
	opListChanges     = "list_changes"
	opConfirm         = "confirm"
	opCancel          = "cancel"
	opSnapshotsList   = "snapshots_list"
	opSnapshotsCreate = "snapshots_create"
	opSnapshotsRestore = "snapshots_restore"
	opSelfTest        = "self_test"
)
