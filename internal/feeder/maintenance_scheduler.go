// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package feeder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/innfeed/internal/config"
)

// StatusWriter is implemented by the status package; kept as a narrow
// interface here so the scheduler doesn't need to import status directly.
type StatusWriter interface {
	Write(ctx context.Context) error
}

// MaintenanceScheduler runs the feeder's three housekeeping cron jobs —
// backlog checkpointing, peer DNS refresh, and status-file regeneration —
// each on its own independently configured schedule.
type MaintenanceScheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu     sync.Mutex
	peers  map[string]*Peer
	status StatusWriter
}

// NewMaintenanceScheduler builds a Scheduler registering jobs for every
// non-empty cron expression in sched. An empty expression skips that job
// entirely, matching the teacher's per-entry registration pattern.
func NewMaintenanceScheduler(sched config.Schedule, peers map[string]*Peer, status StatusWriter, logger *slog.Logger) (*MaintenanceScheduler, error) {
	m := &MaintenanceScheduler{
		logger: logger,
		peers:  peers,
		status: status,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	if sched.CheckpointCron != "" {
		if _, err := c.AddFunc(sched.CheckpointCron, m.runCheckpoints); err != nil {
			return nil, fmt.Errorf("feeder: adding checkpoint cron %q: %w", sched.CheckpointCron, err)
		}
	}
	if sched.DNSRefreshCron != "" {
		if _, err := c.AddFunc(sched.DNSRefreshCron, m.runDNSRefresh); err != nil {
			return nil, fmt.Errorf("feeder: adding dns-refresh cron %q: %w", sched.DNSRefreshCron, err)
		}
	}
	if sched.StatusWriteCron != "" && status != nil {
		if _, err := c.AddFunc(sched.StatusWriteCron, m.runStatusWrite); err != nil {
			return nil, fmt.Errorf("feeder: adding status-write cron %q: %w", sched.StatusWriteCron, err)
		}
	}

	m.cron = c
	return m, nil
}

// Start begins running registered jobs on their schedules.
func (m *MaintenanceScheduler) Start() {
	m.logger.Info("maintenance scheduler started", "jobs", len(m.cron.Entries()))
	m.cron.Start()
}

// Stop waits for in-flight jobs to finish, up to ctx's deadline.
func (m *MaintenanceScheduler) Stop(ctx context.Context) {
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
		m.logger.Info("maintenance scheduler stopped gracefully")
	case <-ctx.Done():
		m.logger.Warn("maintenance scheduler stop timed out")
	}
}

// runCheckpoints rewrites every peer's PEER.input checkpoint line so a
// restart resumes near where it left off instead of replaying the backlog.
func (m *MaintenanceScheduler) runCheckpoints() {
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	for _, p := range peers {
		if err := p.tape.Checkpoint(); err != nil {
			m.logger.Warn("checkpoint failed", "peer", p.name, "error", err)
		}
	}
}

// runDNSRefresh re-resolves every peer's configured address, logging
// when resolution fails. Dialing itself always re-resolves via
// net.Dialer; this job exists to surface stale or failing DNS before a
// connection attempt needs it.
func (m *MaintenanceScheduler) runDNSRefresh() {
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	for _, p := range peers {
		addrs, err := net.DefaultResolver.LookupHost(context.Background(), p.cfg.Address)
		if err != nil {
			m.logger.Warn("dns refresh failed", "peer", p.name, "host", p.cfg.Address, "error", err)
			continue
		}
		m.logger.Debug("dns refresh", "peer", p.name, "host", p.cfg.Address, "addrs", addrs)
	}
}

func (m *MaintenanceScheduler) runStatusWrite() {
	if err := m.status.Write(context.Background()); err != nil {
		m.logger.Warn("status file write failed", "error", err)
	}
}

// SnapshotNow writes the status file immediately, outside the cron
// schedule, for a SIGINT-triggered state dump. It is a no-op when no
// StatusWriter was configured.
func (m *MaintenanceScheduler) SnapshotNow(ctx context.Context) error {
	if m.status == nil {
		return nil
	}
	return m.status.Write(ctx)
}
