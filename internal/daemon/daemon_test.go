package daemon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshadmin/revertit/internal/domain"
)

type fakeWatcher struct {
	degraded atomic.Bool
}

func (w *fakeWatcher) Run(ctx context.Context) (<-chan domain.ChangeEvent, error) { return nil, nil }
func (w *fakeWatcher) Suppress(path string, d time.Duration)                     {}
func (w *fakeWatcher) Degraded() bool                                            { return w.degraded.Load() }

type fakeLedger struct {
	submitted chan domain.LedgerCommand
}

func (l *fakeLedger) Submit(ctx context.Context, cmd domain.LedgerCommand) error {
	l.submitted <- cmd
	return nil
}
func (l *fakeLedger) Get(id string) (*domain.PendingChange, bool) { return nil, false }
func (l *fakeLedger) List() []domain.PendingChange                { return nil }
func (l *fakeLedger) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestPumpSubmitsChangeEventsWhileHealthy(t *testing.T) {
	w := &fakeWatcher{}
	l := &fakeLedger{submitted: make(chan domain.LedgerCommand, 1)}
	events := make(chan domain.ChangeEvent, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pump(ctx, zap.NewNop(), w, l, events)

	events <- domain.ChangeEvent{Path: "/etc/ssh/sshd_config", Category: "ssh"}

	select {
	case cmd := <-l.submitted:
		assert.Equal(t, "on_change_event", cmd.Kind())
	case <-time.After(time.Second):
		t.Fatal("expected change event to be submitted to the ledger")
	}
}

func TestPumpRefusesNewChangesWhileDegraded(t *testing.T) {
	w := &fakeWatcher{}
	w.degraded.Store(true)
	l := &fakeLedger{submitted: make(chan domain.LedgerCommand, 1)}
	events := make(chan domain.ChangeEvent, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pump(ctx, zap.NewNop(), w, l, events)

	events <- domain.ChangeEvent{Path: "/etc/ssh/sshd_config", Category: "ssh"}

	select {
	case cmd := <-l.submitted:
		t.Fatalf("expected no submission while degraded, got %v", cmd)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPumpResumesAfterDegradedClears(t *testing.T) {
	w := &fakeWatcher{}
	w.degraded.Store(true)
	l := &fakeLedger{submitted: make(chan domain.LedgerCommand, 2)}
	events := make(chan domain.ChangeEvent, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pump(ctx, zap.NewNop(), w, l, events)

	events <- domain.ChangeEvent{Path: "/etc/ssh/sshd_config", Category: "ssh"}
	time.Sleep(50 * time.Millisecond)
	w.degraded.Store(false)
	events <- domain.ChangeEvent{Path: "/etc/ufw/ufw.conf", Category: "firewall"}

	require.Eventually(t, func() bool {
		select {
		case cmd := <-l.submitted:
			return cmd.Kind() == "on_change_event"
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
