package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client speaks the length-prefixed JSON control protocol from the
// CLI side. Each call opens a short-lived connection, matching the
// request/response shape of the protocol (no persistent session
// state is needed between CLI invocations).
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient constructs a Client bound to the socket at path.
func NewClient(path string) *Client {
	return &Client{path: path, timeout: 5 * time.Second}
}

// ErrorKind is returned by call() alongside a non-nil error so the CLI
// can map it back to its own exit-code contract.
type ErrorKind string

// CallError wraps a control-surface error with its wire-level kind.
type CallError struct {
	Message string
	Kind    ErrorKind
}

func (e *CallError) Error() string { return e.Message }

func (c *Client) call(op string, args map[string]string) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to control socket %s: %w", c.path, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	reqData, err := json.Marshal(request{Op: op, Args: args})
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, reqData); err != nil {
		return nil, fmt.Errorf("writing control request: %w", err)
	}

	respData, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("reading control response: %w", err)
	}
	var resp response
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &CallError{Message: resp.Error, Kind: ErrorKind(resp.ErrorKind)}
	}

	raw, err := json.Marshal(resp.Value)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Status calls status().
func (c *Client) Status() (map[string]any, error) {
	raw, err := c.call(opStatus, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListChanges calls list_changes().
func (c *Client) ListChanges() (json.RawMessage, error) {
	return c.call(opListChanges, nil)
}

// Confirm calls confirm(changeID).
func (c *Client) Confirm(changeID string) error {
	_, err := c.call(opConfirm, map[string]string{"change_id": changeID})
	return err
}

// Cancel calls cancel(changeID).
func (c *Client) Cancel(changeID string) error {
	_, err := c.call(opCancel, map[string]string{"change_id": changeID})
	return err
}

// SnapshotsList calls snapshots_list().
func (c *Client) SnapshotsList() (json.RawMessage, error) {
	return c.call(opSnapshotsList, nil)
}

// SnapshotsCreate calls snapshots_create(description).
func (c *Client) SnapshotsCreate(description string) (string, error) {
	raw, err := c.call(opSnapshotsCreate, map[string]string{"description": description})
	if err != nil {
		return "", err
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", err
	}
	return id, nil
}

// SnapshotsRestore calls snapshots_restore(id).
func (c *Client) SnapshotsRestore(id string) error {
	_, err := c.call(opSnapshotsRestore, map[string]string{"snapshot_id": id})
	return err
}

// SelfTest calls self_test().
func (c *Client) SelfTest() (json.RawMessage, error) {
	return c.call(opSelfTest, nil)
}

