//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/meshadmin/revertit/internal/domain"
	"github.com/meshadmin/revertit/internal/ledger"
	"github.com/meshadmin/revertit/internal/revert"
	"github.com/meshadmin/revertit/internal/snapshot"
	"github.com/meshadmin/revertit/internal/timeout"
)

// These specs exercise the confirm, timeout-to-revert, connectivity,
// coalescing, and crash-recovery scenarios end to end against real
// Snapshot Store, Timeout Scheduler, Revert Engine, and Ledger code,
// with every policy duration scaled from seconds to milliseconds so
// the suite runs without a multi-minute wait.

var _ = Describe("E1: SSH change confirmed before its deadline", func() {
	It("moves OPEN to CONFIRMED without restarting services and accepts the new baseline", func() {
		h := newHarness([]categorySpec{{
			name: "ssh",
			glob: "sshd_config",
			policy: domain.Policy{
				Name: "ssh", Timeout: 500 * time.Millisecond, GracePeriod: 200 * time.Millisecond,
				RestartServices: []string{"sshd"},
			},
		}}, time.Second)
		defer h.stop()

		sshdConfig := h.path("sshd_config")
		h.writeFile(sshdConfig, "PermitRootLogin no\n")
		h.run()

		h.edit(sshdConfig, "ssh", "PermitRootLogin no\nPasswordAuthentication no\n")

		Eventually(func() bool {
			_, ok := h.change("ssh_1")
			return ok
		}, "1s", "10ms").Should(BeTrue())

		Expect(h.confirm("ssh_1")).To(Succeed())

		pc, ok := h.change("ssh_1")
		Expect(ok).To(BeTrue())
		Expect(pc.State).To(Equal(domain.StateConfirmed))
		Expect(h.probe.restartCount()).To(Equal(0))

		// the post-edit digest is now the accepted baseline. Give the
		// confirm-triggered digest-recompute goroutine time to land
		// (a sha256 of a few bytes completes far sooner than this),
		// then repeat the identical write: it must be dropped as a
		// no-op rather than opening ssh_2.
		time.Sleep(200 * time.Millisecond)
		h.edit(sshdConfig, "ssh", "PermitRootLogin no\nPasswordAuthentication no\n")
		Consistently(func() bool {
			_, found := h.change("ssh_2")
			return found
		}, "150ms", "10ms").Should(BeFalse())
	})
})

var _ = Describe("E2: firewall change auto-reverts when the host is unreachable", func() {
	It("runs OPEN -> GRACE -> REVERTING -> REVERTED and restarts the service once", func() {
		h := newHarness([]categorySpec{{
			name: "firewall",
			glob: "rules.v4",
			policy: domain.Policy{
				Name: "firewall", Timeout: 150 * time.Millisecond, GracePeriod: 150 * time.Millisecond,
				ConnectivityRequired: true, RestartServices: []string{"iptables-restore"},
			},
		}}, time.Second)
		defer h.stop()

		rules := h.path("rules.v4")
		original := "-A INPUT -j ACCEPT\n"
		h.writeFile(rules, original)
		h.run()
		h.probe.setReachable(false)

		h.edit(rules, "firewall", "-A INPUT -j DROP\n")

		Eventually(func() domain.ChangeState {
			pc, ok := h.change("firewall_1")
			if !ok {
				return ""
			}
			return pc.State
		}, "1s", "10ms").Should(Equal(domain.StateGrace))

		Eventually(func() domain.ChangeState {
			pc, ok := h.change("firewall_1")
			if !ok {
				return ""
			}
			return pc.State
		}, "1s", "10ms").Should(Equal(domain.StateReverted))

		content, err := os.ReadFile(rules)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(Equal(original))
		Expect(h.probe.restartCount()).To(Equal(1))
	})
})

var _ = Describe("E3: network change still reverts even when reachable during grace", func() {
	It("treats grace as a human window, not a connectivity window", func() {
		h := newHarness([]categorySpec{{
			name: "network",
			glob: "01-netcfg.yaml",
			policy: domain.Policy{
				Name: "network", Timeout: 120 * time.Millisecond, GracePeriod: 150 * time.Millisecond,
				ConnectivityRequired: true,
			},
		}}, time.Second)
		defer h.stop()

		netplan := h.path("01-netcfg.yaml")
		original := "network:\n  version: 2\n"
		h.writeFile(netplan, original)
		h.run()
		h.probe.setReachable(true)

		h.edit(netplan, "network", "network:\n  version: 2\n  ethernets: {}\n")

		Eventually(func() domain.ChangeState {
			pc, ok := h.change("network_1")
			if !ok {
				return ""
			}
			return pc.State
		}, "1s", "10ms").Should(Equal(domain.StateReverted))

		content, err := os.ReadFile(netplan)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(Equal(original))
	})
})

var _ = Describe("E4: edits within the coalescing window share one change", func() {
	It("extends the path set without pushing the deadline back", func() {
		h := newHarness([]categorySpec{{
			name: "services",
			glob: "*.service",
			policy: domain.Policy{
				Name: "services", Timeout: 400 * time.Millisecond, GracePeriod: 150 * time.Millisecond,
			},
		}}, 5*time.Second)
		defer h.stop()

		a := h.path("a.service")
		b := h.path("b.service")
		h.writeFile(a, "[Service]\nExecStart=/bin/a\n")
		h.writeFile(b, "[Service]\nExecStart=/bin/b\n")
		h.run()

		h.edit(a, "services", "[Service]\nExecStart=/bin/a --flag\n")

		var initialDeadline time.Time
		Eventually(func() bool {
			pc, ok := h.change("services_1")
			if !ok {
				return false
			}
			initialDeadline = pc.Deadline
			return true
		}, "1s", "10ms").Should(BeTrue())

		time.Sleep(60 * time.Millisecond)
		h.edit(b, "services", "[Service]\nExecStart=/bin/b --flag\n")

		Eventually(func() int {
			pc, ok := h.change("services_1")
			if !ok {
				return 0
			}
			return len(pc.Paths)
		}, "1s", "10ms").Should(Equal(2))

		pc, ok := h.change("services_1")
		Expect(ok).To(BeTrue())
		Expect(pc.Paths).To(HaveKey(a))
		Expect(pc.Paths).To(HaveKey(b))
		Expect(pc.Deadline).To(Equal(initialDeadline))

		_, found := h.change("services_2")
		Expect(found).To(BeFalse())
	})
})

var _ = Describe("E5: a crash mid-revert resumes and completes on restart", func() {
	It("replays the REVERTING change, no-ops the already-restored file, and finishes the service restart", func() {
		h := newHarness([]categorySpec{{
			name: "firewall",
			glob: "rules.v4",
			policy: domain.Policy{
				Name: "firewall", Timeout: 100 * time.Millisecond, GracePeriod: 100 * time.Millisecond,
				RestartServices: []string{"iptables-restore"},
			},
		}}, time.Second)
		// The simulated crash leaves h's service-restart call blocked
		// forever (the "process" never returns to run it), so h is
		// deliberately never stopped - there is nothing to gracefully
		// shut down after a crash.
		h.run()

		rules := h.path("rules.v4")
		original := "-A INPUT -j ACCEPT\n"
		h.writeFile(rules, original)

		started, _ := h.probe.armBlock()
		h.edit(rules, "firewall", "-A INPUT -j DROP\n")

		// Wait until the revert has rewritten the file and is blocked
		// inside the service restart call, standing in for a daemon
		// killed after the file is restored but before the restart
		// command runs.
		Eventually(started, "1s", "10ms").Should(BeClosed())
		Eventually(func() string {
			content, _ := os.ReadFile(rules)
			return string(content)
		}, "1s", "10ms").Should(Equal(original))

		records, err := ledger.ReadAll(h.journalPath)
		Expect(err).NotTo(HaveOccurred())

		// "Restart" onto a fresh journal writer, scheduler, revert
		// engine, and probe, sharing the same scratch files and
		// Snapshot Store the crashed process was using - mirroring
		// internal/daemon.New's own startup-replay sequence.
		freshJournal, err := ledger.OpenJournal(h.journalPath)
		Expect(err).NotTo(HaveOccurred())
		defer freshJournal.Close()

		freshProbe := newFakeProbe()
		sched := timeout.New(h.logger)
		go func() { _ = sched.Run(h.ctx) }()
		engine := revert.New(h.logger, noopWatcher{}, freshProbe, servicesFromPolicies(h.policies))

		resumed := ledger.New(ledger.Config{
			Logger:       h.logger,
			Snapshots:    h.store,
			Timeouts:     sched,
			Reverter:     engine,
			Probe:        freshProbe,
			Policies:     h.policies,
			WatchedByCat: h.watchedByCat,
			Journal:      freshJournal,
		})
		resumed.Replay(h.ctx, records)
		go func() { _ = resumed.Run(h.ctx) }()

		Eventually(func() domain.ChangeState {
			pc, ok := resumed.Get("firewall_1")
			if !ok {
				return ""
			}
			return pc.State
		}, "1s", "10ms").Should(Equal(domain.StateReverted))

		content, err := os.ReadFile(rules)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(Equal(original))
		Expect(freshProbe.restartCount()).To(Equal(1))
	})
})

var _ = Describe("shutdown persistence", func() {
	It("resumes an OPEN change with its original deadline after a graceful restart", func() {
		h := newHarness([]categorySpec{{
			name: "ssh",
			glob: "sshd_config",
			policy: domain.Policy{
				Name: "ssh", Timeout: 300 * time.Millisecond, GracePeriod: 150 * time.Millisecond,
				RestartServices: []string{"sshd"},
			},
		}}, time.Second)
		defer h.stop()

		sshdConfig := h.path("sshd_config")
		h.writeFile(sshdConfig, "PermitRootLogin no\n")
		h.run()

		h.edit(sshdConfig, "ssh", "PermitRootLogin yes\n")

		var deadlineBeforeRestart time.Time
		Eventually(func() bool {
			pc, ok := h.change("ssh_1")
			if !ok {
				return false
			}
			deadlineBeforeRestart = pc.Deadline
			return true
		}, "1s", "10ms").Should(BeTrue())

		h.restartDaemon()

		pc, ok := h.change("ssh_1")
		Expect(ok).To(BeTrue())
		Expect(pc.State).To(Equal(domain.StateOpen))
		Expect(pc.Deadline).To(Equal(deadlineBeforeRestart))

		Expect(h.confirm("ssh_1")).To(Succeed())
		pc, ok = h.change("ssh_1")
		Expect(ok).To(BeTrue())
		Expect(pc.State).To(Equal(domain.StateConfirmed))
	})
})

var _ = Describe("E6: manual snapshots survive retention", func() {
	It("keeps the manual snapshot plus only the newest auto snapshots up to max_snapshots", func() {
		dir, err := os.MkdirTemp("", "revertit-e6-*")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		target := filepath.Join(dir, "watched.conf")
		Expect(os.WriteFile(target, []byte("v0"), 0644)).To(Succeed())

		store := snapshot.New(testLogger(), filepath.Join(dir, "store"), false, 3, 0)
		ctx := context.Background()

		var autoIDs []string
		var manualID string
		for i := 0; i < 5; i++ {
			Expect(os.WriteFile(target, []byte("auto-"+string(rune('a'+i))), 0644)).To(Succeed())
			id, err := store.Create(ctx, []string{target}, domain.OriginAuto, "")
			Expect(err).NotTo(HaveOccurred())
			autoIDs = append(autoIDs, id)
			time.Sleep(2 * time.Millisecond) // distinct creation order

			if i == 2 {
				Expect(os.WriteFile(target, []byte("manual-snap"), 0644)).To(Succeed())
				manualID, err = store.Create(ctx, []string{target}, domain.OriginManual, "operator checkpoint")
				Expect(err).NotTo(HaveOccurred())
				time.Sleep(2 * time.Millisecond)
			}
		}

		removed, err := store.Prune(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(removed).To(ConsistOf(autoIDs[0], autoIDs[1]))

		remaining, err := store.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(remaining).To(HaveLen(4))

		var remainingIDs []string
		for _, m := range remaining {
			remainingIDs = append(remainingIDs, m.ID)
		}
		Expect(remainingIDs).To(ContainElement(manualID))
		Expect(remainingIDs).To(ContainElements(autoIDs[2], autoIDs[3], autoIDs[4]))
		Expect(remainingIDs).NotTo(ContainElement(autoIDs[0]))
		Expect(remainingIDs).NotTo(ContainElement(autoIDs[1]))
	})
})
