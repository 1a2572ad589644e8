package hostprobe

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/meshadmin/revertit/internal/domain"
)

// serviceCapability is the restart-a-service strategy for one detected
// init system. Call sites take a capability value and never branch on
// distro or init-system strings themselves.
type serviceCapability interface {
	Name() string
	Restart(ctx context.Context, unit string) domain.ServiceRestartResult
}

type systemdCapability struct{ bin string }

func (c systemdCapability) Name() string { return "systemd" }

func (c systemdCapability) Restart(ctx context.Context, unit string) domain.ServiceRestartResult {
	cmd := exec.CommandContext(ctx, c.bin, "restart", unit)
	return classifyExit(cmd)
}

type sysvCapability struct{ bin string }

func (c sysvCapability) Name() string { return "sysv" }

func (c sysvCapability) Restart(ctx context.Context, unit string) domain.ServiceRestartResult {
	cmd := exec.CommandContext(ctx, c.bin, unit, "restart")
	return classifyExit(cmd)
}

type openrcCapability struct{ bin string }

func (c openrcCapability) Name() string { return "openrc" }

func (c openrcCapability) Restart(ctx context.Context, unit string) domain.ServiceRestartResult {
	cmd := exec.CommandContext(ctx, c.bin, unit, "restart")
	return classifyExit(cmd)
}

// noopCapability is used when no init system could be detected; every
// restart request is a PermanentFailure rather than a panic.
type noopCapability struct{}

func (noopCapability) Name() string { return "none" }

func (noopCapability) Restart(context.Context, string) domain.ServiceRestartResult {
	return domain.RestartPermanentFailure
}

func classifyExit(cmd *exec.Cmd) domain.ServiceRestartResult {
	var stderr bytes.Buffer
	cmd.Stdout = nil
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return domain.RestartOk
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.RestartTransientFailure
	}
	if errors.Is(err, exec.ErrNotFound) {
		return domain.RestartPermanentFailure
	}

	msg := stderr.String()
	if containsAny(msg, "not found", "not-found", "does not exist", "no such") {
		return domain.RestartUnknownService
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Most init-system CLIs use 0 for success and small positive
		// codes for both transient and permanent failures; without a
		// documented code table we treat anything else as transient
		// so the ledger retries before giving up.
		return domain.RestartTransientFailure
	}

	return domain.RestartPermanentFailure
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if bytesContainsFold(s, sub) {
			return true
		}
	}
	return false
}

func bytesContainsFold(s, sub string) bool {
	return bytes.Contains(bytes.ToLower([]byte(s)), bytes.ToLower([]byte(sub)))
}

// probeDeadline bounds how long a single Restart call may run before
// it is considered a TransientFailure.
const probeDeadline = 15 * time.Second
