package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// timeshiftIntegration shells out to the timeshift system-snapshot
// tool when present. It is an off-by-default escape hatch: its
// snapshot id is recorded in manifest metadata for operator awareness
// only and is never consulted by Restore.
type timeshiftIntegration struct {
	logger    *zap.Logger
	available bool
	bin       string
}

func newTimeshiftIntegration(logger *zap.Logger) *timeshiftIntegration {
	t := &timeshiftIntegration{logger: logger}
	if bin, err := exec.LookPath("timeshift"); err == nil {
		t.bin = bin
		t.available = true
	} else {
		logger.Debug("timeshift binary not found, system-level snapshots disabled")
	}
	return t
}

func (t *timeshiftIntegration) create(ctx context.Context, description string) (string, error) {
	if !t.available {
		return "", fmt.Errorf("timeshift not available on this host")
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	comment := description
	if comment == "" {
		comment = "meshadmin-revertit automatic snapshot"
	}

	cmd := exec.CommandContext(cctx, t.bin, "--create", "--comments", comment, "--scripted")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("timeshift --create failed: %w", err)
	}

	return parseTimeshiftSnapshotID(out.String()), nil
}

// parseTimeshiftSnapshotID extracts the dated snapshot directory name
// timeshift prints on success, e.g. "Snapshot saved successfully
// (2024-01-02_03-04-05)".
func parseTimeshiftSnapshotID(output string) string {
	start := strings.LastIndex(output, "(")
	end := strings.LastIndex(output, ")")
	if start == -1 || end == -1 || end <= start {
		return strings.TrimSpace(output)
	}
	return output[start+1 : end]
}
