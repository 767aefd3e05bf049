// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package feeder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nishisan-dev/innfeed/internal/archive"
	"github.com/nishisan-dev/innfeed/internal/article"
	"github.com/nishisan-dev/innfeed/internal/config"
	"github.com/nishisan-dev/innfeed/internal/logging"
	"github.com/nishisan-dev/innfeed/internal/tape"
)

// FunnelFilePollInterval is how long the funnel-file reader sleeps after
// hitting EOF before checking for more appended input (spec §4.5).
const FunnelFilePollInterval = time.Second

// BlockedPeerRetryInterval is how often a peer whose backlog lockfile was
// held by another process when the dispatcher started is retried.
const BlockedPeerRetryInterval = 2 * time.Minute

// Dispatcher owns the process-wide shared state named in the concurrency
// model: the Article interning table, the peer set, the dropped-article
// log, and the pid file — and turns dispatcher command lines into Holders
// offered to the named peers.
type Dispatcher struct {
	cfg     *config.FeederConfig
	table   *article.Table
	cache   *article.Cache
	dropped *tape.DroppedLog
	logger  *slog.Logger

	allowDynamicPeers bool
	logMissing        bool

	mu    sync.RWMutex
	peers map[string]*Peer

	blockedMu sync.Mutex
	blocked   []config.PeerConfig // peers whose Tape lockfile was held at startup

	blockedStopCh chan struct{}
	blockedWg     sync.WaitGroup

	sched *MaintenanceScheduler
}

// NewDispatcher builds the Dispatcher's shared state and one Peer per
// configured entry. newStatus, if non-nil, is called once the peer set
// exists to build the status-file writer — it takes a callback rather than
// a ready StatusWriter because the status package's Writer needs the peer
// map that only exists after this constructor has built it, and status
// depends on feeder so feeder cannot hand it a *Peer map before it exists
// the other way around. Pass nil to disable the status-file job.
func NewDispatcher(ctx context.Context, cfg *config.FeederConfig, allowDynamicPeers, logMissing bool, newStatus func(map[string]*Peer) StatusWriter, logger *slog.Logger) (*Dispatcher, error) {
	dropped, err := tape.OpenDroppedLog(cfg.Paths.DroppedLog)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:               cfg,
		table:             article.NewTable(),
		cache:             article.NewCache(cfg.Limits.ArticleCacheRaw),
		dropped:           dropped,
		logger:            logger,
		allowDynamicPeers: allowDynamicPeers,
		logMissing:        logMissing,
		peers:             make(map[string]*Peer),
		blockedStopCh:     make(chan struct{}),
	}

	for _, pc := range cfg.Peers {
		if err := d.addPeer(ctx, pc); err != nil {
			if errors.Is(err, tape.ErrLocked) {
				d.logger.Warn("peer backlog locked by another process, will retry", "peer", pc.Name)
				d.blocked = append(d.blocked, pc)
				continue
			}
			return nil, err
		}
	}

	var sw StatusWriter
	if newStatus != nil {
		sw = newStatus(d.peers)
	}

	sched, err := NewMaintenanceScheduler(cfg.Scheduler, d.peers, sw, logger)
	if err != nil {
		return nil, err
	}
	d.sched = sched

	return d, nil
}

// Peers returns the live peer set, keyed by name. Callers must not mutate
// the returned map; it is exposed read-only for status reporting.
func (d *Dispatcher) Peers() map[string]*Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]*Peer, len(d.peers))
	for k, v := range d.peers {
		out[k] = v
	}
	return out
}

func (d *Dispatcher) defaults() config.PeerDefaults {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Defaults
}

func (d *Dispatcher) backlogDir() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Paths.BacklogDir
}

func (d *Dispatcher) addPeer(ctx context.Context, pc config.PeerConfig) error {
	var archiver tape.Archiver
	if pc.ArchiveBucket != "" {
		uploader, err := archive.NewUploader(ctx, pc.ArchiveBucket, pc.ArchivePrefix, d.logger)
		if err != nil {
			return fmt.Errorf("feeder: building archiver for peer %s: %w", pc.Name, err)
		}
		archiver = uploader
	}

	p, err := NewPeer(pc, d.table, d.cache, d.backlogDir(), d.dropped, archiver, d.logger)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.peers[pc.Name] = p
	d.mu.Unlock()
	return nil
}

// Start launches every peer's connection pool and drain loop plus the
// maintenance scheduler.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.RLock()
	peers := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.RUnlock()

	for _, p := range peers {
		p.Start(ctx)
	}
	d.sched.Start()

	d.blockedWg.Add(1)
	go d.retryBlockedLoop(ctx)
}

// Stop signals the scheduler, the blocked-peer retry loop, and every peer
// to shut down in order, and closes the dropped-article log.
func (d *Dispatcher) Stop(ctx context.Context) {
	close(d.blockedStopCh)
	d.blockedWg.Wait()

	d.sched.Stop(ctx)

	d.mu.RLock()
	peers := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.RUnlock()

	for _, p := range peers {
		p.Stop()
	}
	d.dropped.Close()
}

// retryBlockedLoop periodically retries opening the Tape for every peer
// still on the blocked list (its lockfile was held by another process the
// last time addPeer tried), per spec §7's lock-contention row: a locked
// peer is retried rather than aborting the whole daemon's startup.
func (d *Dispatcher) retryBlockedLoop(ctx context.Context) {
	defer d.blockedWg.Done()

	ticker := time.NewTicker(BlockedPeerRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.blockedStopCh:
			return
		case <-ticker.C:
			d.retryBlockedPeers(ctx)
		}
	}
}

func (d *Dispatcher) retryBlockedPeers(ctx context.Context) {
	d.blockedMu.Lock()
	pending := d.blocked
	d.blocked = nil
	d.blockedMu.Unlock()

	var stillBlocked []config.PeerConfig
	for _, pc := range pending {
		if err := d.addPeer(ctx, pc); err != nil {
			if errors.Is(err, tape.ErrLocked) {
				stillBlocked = append(stillBlocked, pc)
				continue
			}
			d.logger.Error("failed to add previously blocked peer", "peer", pc.Name, "error", err)
			continue
		}
		d.mu.RLock()
		p := d.peers[pc.Name]
		d.mu.RUnlock()
		p.Start(ctx)
		d.logger.Info("peer backlog lock cleared, peer started", "peer", pc.Name)
	}

	if len(stillBlocked) > 0 {
		d.blockedMu.Lock()
		d.blocked = append(d.blocked, stillBlocked...)
		d.blockedMu.Unlock()
	}
}

// Snapshot writes the status file immediately, for a SIGINT-triggered
// state dump (spec §5). It does not stop the daemon.
func (d *Dispatcher) Snapshot(ctx context.Context) error {
	return d.sched.SnapshotNow(ctx)
}

// checkRotationHints asks every peer to check for a hand-dropped rotation
// hint file and rotate out-of-cycle if one is present (spec §5's SIGALRM:
// "mark the funnel input for rotation").
func (d *Dispatcher) checkRotationHints() {
	for _, p := range d.Peers() {
		p.CheckRotationHint()
	}
}

// flushAllTapes fsyncs every peer's backlog Tape (spec §5's SIGIOT: "flush
// all tapes now").
func (d *Dispatcher) flushAllTapes() {
	for _, p := range d.Peers() {
		p.FlushTape()
	}
}

// QueueLen sums every peer's in-memory queue depth, for drain-then-exit
// polling.
func (d *Dispatcher) QueueLen() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, p := range d.peers {
		total += p.QueueLen()
	}
	return total
}

// HandleLine parses one dispatcher command line — `<filename> <msgid>
// <peer>[ <peer>...]` — interns the article once, and offers a retained
// reference to each named peer. An unknown peer name is either created
// dynamically (when allowDynamicPeers is set, the `-y` flag) or logged and
// skipped.
func (d *Dispatcher) HandleLine(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return fmt.Errorf("feeder: malformed dispatcher line %q: need filename, message-id, and at least one peer", line)
	}
	filename, msgid, peerNames := fields[0], fields[1], fields[2:]

	a, err := d.table.Intern(msgid, filename)
	if err != nil {
		return fmt.Errorf("feeder: interning %q: %w", msgid, err)
	}

	offered := 0
	for _, name := range peerNames {
		p, ok := d.resolvePeer(ctx, name)
		if !ok {
			d.logger.Warn("unknown peer in dispatcher line, skipping", "peer", name, "msgid", msgid)
			continue
		}

		ref := a
		if offered > 0 {
			ref = a.Retain()
		}
		offered++
		p.Offer(article.NewHolder(ref))
	}

	if offered == 0 {
		// No peer accepted a reference to a; release the one Intern gave us.
		a.Release()
		if d.logMissing {
			d.logger.Warn("article offered to no peer", "msgid", msgid, "filename", filename)
		}
	}
	return nil
}

func (d *Dispatcher) resolvePeer(ctx context.Context, name string) (*Peer, bool) {
	d.mu.RLock()
	p, ok := d.peers[name]
	d.mu.RUnlock()
	if ok {
		return p, true
	}
	if !d.allowDynamicPeers {
		return nil, false
	}

	defs := d.defaults()
	pc := config.PeerConfig{Name: name, Address: name, Streaming: defs.Streaming, DropDeferred: defs.DropDeferred}
	if err := pc.ApplyDefaults(defs); err != nil {
		d.logger.Error("failed to default dynamic peer", "peer", name, "error", err)
		return nil, false
	}
	if err := d.addPeer(ctx, pc); err != nil {
		d.logger.Error("failed to create dynamic peer", "peer", name, "error", err)
		return nil, false
	}
	d.logger.Info("created peer dynamically", "peer", name)

	d.mu.RLock()
	p = d.peers[name]
	d.mu.RUnlock()
	p.Start(ctx)
	return p, true
}

// RunStdin reads dispatcher command lines from r until EOF, handling each
// one in turn. Used for the default (pipe/stdin) input mode.
func (d *Dispatcher) RunStdin(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := d.HandleLine(ctx, scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// RunFunnelFile implements funnel-file mode (spec §4.5): path is a regular
// file instead of a pipe, so on EOF the reader sleeps and re-reads from its
// last offset instead of treating EOF as end-of-input.
func (d *Dispatcher) RunFunnelFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("feeder: opening funnel file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("feeder: reading funnel file: %w", err)
		}
		line = strings.TrimRight(line, "\n")
		if line != "" {
			if herr := d.HandleLine(ctx, line); herr != nil {
				d.logger.Error("malformed funnel-file line", "error", herr)
			}
		}
		if err == io.EOF {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(FunnelFilePollInterval):
			}
		}
	}
}

// DrainAndExit implements the `-x` flag: accept no new input, wait for
// every peer's in-memory queues to empty (their backlogs may still hold
// entries; those simply wait for the next invocation), then shut down.
func (d *Dispatcher) DrainAndExit(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.QueueLen() == 0 {
				return
			}
		}
	}
}

// RunDaemon wires signal handling around Start/Stop, per spec §5:
// SIGTERM/SIGQUIT drain and exit, SIGINT snapshots internal state to the
// status file without exiting, SIGHUP reloads peer configuration, SIGALRM
// checks every peer's rotation hint, SIGIOT flushes every peer's Tape,
// SIGUSR1/SIGUSR2 raise/lower log verbosity. Grounded on the teacher's
// RunDaemon signal loop in daemon.go, generalized from one reload target
// (agent config) to the feeder's peer set.
func RunDaemon(ctx context.Context, configPath string, d *Dispatcher, levelVar *slog.LevelVar, pidFile string) error {
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
			d.logger.Warn("writing pid file failed", "error", err)
		}
		defer os.Remove(pidFile)
	}

	d.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGHUP,
		syscall.SIGALRM, syscall.SIGIOT, syscall.SIGUSR1, syscall.SIGUSR2,
	)
	defer signal.Stop(sigCh)

	drainAndExit := func() error {
		d.logger.Info("draining and shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		d.Stop(stopCtx)
		cancel()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return drainAndExit()

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				logging.RaiseVerbosity(levelVar)
			case syscall.SIGUSR2:
				logging.LowerVerbosity(levelVar)
			case syscall.SIGINT:
				d.logger.Info("received SIGINT, snapshotting state")
				snapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := d.Snapshot(snapCtx); err != nil {
					d.logger.Warn("snapshot failed", "error", err)
				}
				cancel()
			case syscall.SIGALRM:
				d.logger.Info("received SIGALRM, checking rotation hints")
				d.checkRotationHints()
			case syscall.SIGIOT:
				d.logger.Info("received SIGIOT, flushing tapes")
				d.flushAllTapes()
			case syscall.SIGHUP:
				d.logger.Info("received SIGHUP, reloading config", "path", configPath)
				newCfg, err := config.LoadFeederConfig(configPath)
				if err != nil {
					d.logger.Error("reload failed, keeping current config", "error", err)
					continue
				}
				d.reloadPeers(ctx, newCfg)
			case syscall.SIGTERM, syscall.SIGQUIT:
				d.logger.Info("received signal, shutting down", "signal", sig)
				return drainAndExit()
			default:
				d.logger.Info("received unhandled signal, shutting down", "signal", sig)
				return drainAndExit()
			}
		}
	}
}

// reloadPeers adds any peer present in newCfg but not yet running. Existing
// peers keep their live connections; their tunables take effect on the next
// process restart, matching the teacher's reload semantics for in-flight
// backup jobs (running work is not interrupted by a reload).
func (d *Dispatcher) reloadPeers(ctx context.Context, newCfg *config.FeederConfig) {
	d.mu.RLock()
	existing := make(map[string]bool, len(d.peers))
	for name := range d.peers {
		existing[name] = true
	}
	d.mu.RUnlock()

	for _, pc := range newCfg.Peers {
		if existing[pc.Name] {
			continue
		}
		if err := d.addPeer(ctx, pc); err != nil {
			d.logger.Error("failed to add peer on reload", "peer", pc.Name, "error", err)
			continue
		}
		d.mu.RLock()
		p := d.peers[pc.Name]
		d.mu.RUnlock()
		p.Start(ctx)
		d.logger.Info("added peer on reload", "peer", pc.Name)
	}

	d.mu.Lock()
	d.cfg = newCfg
	d.mu.Unlock()
}
