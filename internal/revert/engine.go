// Package revert executes RestorePlans: files are written back before
// any dependent services are restarted. A file step that still fails
// after its retries aborts the plan; service restart failures are
// aggregated rather than stopping at the first one.
package revert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/domain"
)

const (
	defaultStepRetries = 2
	defaultBackoff     = 200 * time.Millisecond
)

// Engine implements domain.RevertEngine.
type Engine struct {
	logger   *zap.Logger
	watcher  domain.Watcher
	probe    domain.HostProbe
	services map[string][]string // category -> distinct service names to restart
	retries  int
	backoff  time.Duration
}

var _ domain.RevertEngine = (*Engine)(nil)

// New constructs an Engine. services maps a category name to the
// distinct services restarted after that category's files are
// restored.
func New(logger *zap.Logger, watcher domain.Watcher, probe domain.HostProbe, services map[string][]string) *Engine {
	return &Engine{
		logger:   logger,
		watcher:  watcher,
		probe:    probe,
		services: services,
		retries:  defaultStepRetries,
		backoff:  defaultBackoff,
	}
}

// Execute applies plan's file steps, then restarts the category's
// registered services. Files are restored before services restart:
// running services against already-restored files is safer than the
// reverse.
func (e *Engine) Execute(ctx context.Context, plan domain.RestorePlan, category string) error {
	suppressFor := 2 * e.backoff * time.Duration(e.retries+1)
	for _, step := range plan.Steps {
		e.watcher.Suppress(step.Path, suppressFor)
	}

	var errs error
	failed := false

	for _, step := range plan.Steps {
		if err := e.runStepWithRetry(ctx, step); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("restoring %s: %w", step.Path, err))
			failed = true
			e.logger.Error("restore step failed after retries, aborting plan",
				zap.String("path", step.Path), zap.Error(err))
			break
		}
	}

	if failed {
		return errs
	}

	for _, svc := range e.services[category] {
		if err := e.restartWithRetry(ctx, svc); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("restarting %s: %w", svc, err))
		}
	}

	return errs
}

func (e *Engine) runStepWithRetry(ctx context.Context, step domain.RestoreStep) error {
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := runStep(step); err != nil {
			lastErr = err
			e.logger.Warn("restore step attempt failed, retrying",
				zap.String("path", step.Path), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return nil
	}
	return lastErr
}

func runStep(step domain.RestoreStep) error {
	if step.Tombstone {
		if err := os.Remove(step.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: %v", domain.ErrRestoreIOFailed, err)
		}
		return nil
	}

	data, err := os.ReadFile(step.BlobPath)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRestoreIOFailed, err)
	}
	// Snapshot Store blobs are zstd frames; decode them back to the
	// captured bytes before writing.
	if bytes.HasPrefix(data, []byte{0x28, 0xb5, 0x2f, 0xfd}) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrRestoreIOFailed, err)
		}
		data, err = dec.DecodeAll(data, nil)
		dec.Close()
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrRestoreIOFailed, err)
		}
	}

	dir := filepath.Dir(step.Path)
	tmp, err := os.CreateTemp(dir, ".revertit-restore-*")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRestoreIOFailed, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", domain.ErrRestoreIOFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", domain.ErrRestoreIOFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRestoreIOFailed, err)
	}

	if step.Mode != 0 {
		if err := os.Chmod(tmpPath, os.FileMode(step.Mode)); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrRestoreIOFailed, err)
		}
	}
	if step.UID != 0 || step.GID != 0 {
		if err := os.Chown(tmpPath, step.UID, step.GID); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrRestoreIOFailed, err)
		}
	}

	if err := os.Rename(tmpPath, step.Path); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRestoreIOFailed, err)
	}
	return nil
}

func (e *Engine) restartWithRetry(ctx context.Context, name string) error {
	var lastResult domain.ServiceRestartResult
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastResult = e.probe.RestartService(ctx, name)
		switch lastResult {
		case domain.RestartOk:
			return nil
		case domain.RestartPermanentFailure, domain.RestartUnknownService:
			return fmt.Errorf("%w: service %s", domain.ErrServiceRestartPermanent, name)
		case domain.RestartTransientFailure:
			e.logger.Warn("service restart attempt failed, retrying",
				zap.String("service", name), zap.Int("attempt", attempt))
			continue
		}
	}
	return fmt.Errorf("%w: service %s", domain.ErrServiceRestartTransient, name)
}
