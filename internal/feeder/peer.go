// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package feeder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/innfeed/internal/article"
	"github.com/nishisan-dev/innfeed/internal/config"
	"github.com/nishisan-dev/innfeed/internal/protocol"
	"github.com/nishisan-dev/innfeed/internal/tape"
)

// Peer owns one remote news server's connection pool, backlog Tape, and
// dynamic sizing, and is the Owner every Connection reports outcomes to.
type Peer struct {
	name   string
	cfg    config.PeerConfig
	table  *article.Table
	cache  *article.Cache
	tape   *tape.Tape
	dropped *tape.DroppedLog
	logger *slog.Logger

	mu          sync.Mutex
	conns       []*Connection
	maxConns    int // current operating ceiling, grown/shrunk by Sizer
	nextIdx     int // round-robin cursor for the default dispatch policy
	spoolMode   bool

	// queued holds Holders that lost a dispatch race (every connection's
	// queue was full) and are waiting for room, without yet paying the
	// cost of a Tape append. It spills to the Tape once it reaches the
	// peer's high-water queue size.
	queued []*article.Holder

	// deferredQ holds Holders a peer answered with 431/436, sorted by
	// RequeueAt ascending, so only the earliest deadline needs a timer.
	deferredQ      []*article.Holder
	wakeDeferredCh chan struct{}

	apsEWMA       float64
	acceptEWMA    float64
	lastOutcomeAt time.Time

	sizer *Sizer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPeer builds a Peer's pool and backlog. Connections are created but not
// started until Start is called. archiver may be nil; it is only attached
// to the Tape when the peer configures an archive_bucket.
func NewPeer(cfg config.PeerConfig, table *article.Table, cache *article.Cache, spoolDir string, dropped *tape.DroppedLog, archiver tape.Archiver, logger *slog.Logger) (*Peer, error) {
	t, err := tape.Open(spoolDir, cfg.Name, tape.Options{
		LowWaterBytes:     cfg.BacklogLimitRaw,
		HighWaterBytes:    cfg.BacklogLimitHighRaw,
		MinRotateInterval: cfg.RotationInterval,
		NoBacklog:         cfg.NoBacklog,
	}, dropped)
	if err != nil {
		return nil, fmt.Errorf("feeder: opening tape for peer %s: %w", cfg.Name, err)
	}
	if cfg.ArchiveBucket != "" && archiver != nil {
		t.SetArchiver(archiver)
	}

	p := &Peer{
		name:    cfg.Name,
		cfg:     cfg,
		table:   table,
		cache:   cache,
		tape:    t,
		dropped: dropped,
		logger:  logger.With("peer", cfg.Name),
		maxConns:       cfg.InitialConnections,
		stopCh:         make(chan struct{}),
		wakeDeferredCh: make(chan struct{}, 1),
	}

	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	for i := 0; i < cfg.InitialConnections; i++ {
		p.conns = append(p.conns, NewConnection(i, cfg.Name, addr, cfg, p, cache, p.logger, nil))
	}
	p.sizer = NewSizer(p, cfg.SizingMethod, cfg.MaxConnections, highWaterQueueSize(cfg), p.logger)

	return p, nil
}

func highWaterQueueSize(cfg config.PeerConfig) int {
	if cfg.MaxQueueSize > 0 {
		return cfg.MaxQueueSize
	}
	return 200
}

// Start launches every connection goroutine plus the backlog drain loop.
func (p *Peer) Start(ctx context.Context) {
	p.mu.Lock()
	for _, c := range p.conns {
		c.Start(ctx)
	}
	p.mu.Unlock()

	p.wg.Add(2)
	go p.drainLoop(ctx)
	go p.deferredLoop(ctx)
}

// Stop signals every connection, the drain loop, and the deferred-retry
// loop to exit, spools whatever is still waiting in memory back to the
// Tape so nothing is lost, and closes the Tape.
func (p *Peer) Stop() {
	close(p.stopCh)
	p.mu.Lock()
	conns := append([]*Connection(nil), p.conns...)
	p.mu.Unlock()
	for _, c := range conns {
		c.Stop()
	}
	p.wg.Wait()

	p.mu.Lock()
	remaining := append(append([]*article.Holder(nil), p.queued...), p.deferredQ...)
	p.queued, p.deferredQ = nil, nil
	p.mu.Unlock()
	for _, h := range remaining {
		p.spool(h)
	}

	p.tape.Close()
}

// Offer hands a freshly-interned article to this peer: tries to dispatch it
// directly to a connection, falling back to the in-memory queued list (and,
// once that fills, the Tape) if every connection's queue is full or the
// peer is in spool mode (set after a 400 greeting).
func (p *Peer) Offer(h *article.Holder) {
	if !p.spooling() && p.dispatch(h) {
		return
	}
	p.enqueueWaiting(h)
}

// enqueueWaiting appends h to the in-memory queued list, or spools it
// straight to the Tape once that list has grown past the peer's
// configured high-water queue size.
func (p *Peer) enqueueWaiting(h *article.Holder) {
	p.mu.Lock()
	if len(p.queued) >= highWaterQueueSize(p.cfg) {
		p.mu.Unlock()
		p.spool(h)
		return
	}
	p.queued = append(p.queued, h)
	p.mu.Unlock()
}

// drainQueued pops one Holder off the in-memory queued list and retries
// dispatch, falling back to the Tape if the pool is still full. Returns
// false when the queue was empty, so the caller can fall through to
// draining the Tape backlog instead.
func (p *Peer) drainQueued() bool {
	p.mu.Lock()
	if len(p.queued) == 0 {
		p.mu.Unlock()
		return false
	}
	h := p.queued[0]
	p.queued = p.queued[1:]
	p.mu.Unlock()

	if p.spooling() || !p.dispatch(h) {
		p.spool(h)
	}
	return true
}

func (p *Peer) spooling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spoolMode
}

func (p *Peer) spool(h *article.Holder) {
	if err := p.tape.Append(h.Article.Filename(), h.Article.MessageID()); err != nil {
		p.logger.Warn("spooling article failed", "error", err, "msgid", h.Article.MessageID())
	}
	h.Done()
}

// dispatch offers h to one connection per the peer's dispatch policy.
// Returns false if no connection accepted it (all queues full).
func (p *Peer) dispatch(h *article.Holder) bool {
	p.mu.Lock()
	conns := p.activeConnsLocked()
	policy := p.cfg.DispatchPolicy
	start := p.nextIdx
	p.nextIdx = (p.nextIdx + 1) % max(1, len(conns))
	p.mu.Unlock()

	if len(conns) == 0 {
		return false
	}

	if policy == "min-queue" {
		best := conns[0]
		bestDepth := best.QueueDepth()
		for _, c := range conns[1:] {
			if d := c.QueueDepth(); d < bestDepth {
				best, bestDepth = c, d
			}
		}
		return best.Offer(h)
	}

	for i := 0; i < len(conns); i++ {
		c := conns[(start+i)%len(conns)]
		if c.Offer(h) {
			return true
		}
	}
	return false
}

func (p *Peer) activeConnsLocked() []*Connection {
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		if c.State() != StateDead {
			out = append(out, c)
		}
	}
	return out
}

// drainLoop feeds backlogged articles from the Tape back into the
// connection pool as capacity allows, and drives periodic rotation and
// pool-size evaluation.
func (p *Peer) drainLoop(ctx context.Context) {
	defer p.wg.Done()

	rotateTicker := time.NewTicker(p.cfg.RotationInterval)
	defer rotateTicker.Stop()
	sizeTicker := time.NewTicker(30 * time.Second)
	defer sizeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-rotateTicker.C:
			if err := p.tape.MaybeRotate(); err != nil {
				p.logger.Warn("tape rotation failed", "error", err)
			}
		case <-sizeTicker.C:
			p.sizer.Evaluate()
		default:
		}

		if p.drainQueued() {
			continue
		}

		entry, ok, err := p.tape.Next()
		if err != nil {
			p.logger.Warn("reading backlog entry failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		a, err := p.table.Intern(entry.MsgID, entry.Filename)
		if err != nil {
			p.dropped.Record(p.name, entry.Filename, entry.MsgID, "bad-message-id")
			continue
		}
		p.Offer(article.NewHolder(a))
	}
}

// deferredLoop wakes either when a new Holder is deferred with an earlier
// deadline than the one it was sleeping toward, or when the current
// earliest deadline arrives, and retries everything now due. A single
// timer tracking only the queue's head is enough because the queue stays
// sorted by RequeueAt.
func (p *Peer) deferredLoop(ctx context.Context) {
	defer p.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		resetTimer(timer, p.deferredWait())

		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-p.wakeDeferredCh:
		case <-timer.C:
		}

		p.retryDueDeferred()
	}
}

// deferredWait returns how long until the deferred queue's head is ready,
// or an hour if the queue is empty (the loop will be woken early by
// wakeDeferredCh the instant something is enqueued).
func (p *Peer) deferredWait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.deferredQ) == 0 {
		return time.Hour
	}
	if d := time.Until(p.deferredQ[0].RequeueAt); d > 0 {
		return d
	}
	return 0
}

// enqueueDeferred inserts h into the deferred queue in RequeueAt order and
// wakes deferredLoop if h's deadline may now be the earliest.
func (p *Peer) enqueueDeferred(h *article.Holder) {
	p.mu.Lock()
	i := sort.Search(len(p.deferredQ), func(i int) bool {
		return p.deferredQ[i].RequeueAt.After(h.RequeueAt)
	})
	p.deferredQ = append(p.deferredQ, nil)
	copy(p.deferredQ[i+1:], p.deferredQ[i:])
	p.deferredQ[i] = h
	p.mu.Unlock()

	select {
	case p.wakeDeferredCh <- struct{}{}:
	default:
	}
}

// retryDueDeferred pops every Holder at the head of the deferred queue
// that is now Ready and re-offers it to the pool.
func (p *Peer) retryDueDeferred() {
	now := time.Now()

	p.mu.Lock()
	i := 0
	for i < len(p.deferredQ) && p.deferredQ[i].Ready(now) {
		i++
	}
	due := append([]*article.Holder(nil), p.deferredQ[:i]...)
	p.deferredQ = p.deferredQ[i:]
	p.mu.Unlock()

	for _, h := range due {
		p.Offer(h)
	}
}

// backoffFor seeds a per-peer retry delay from the holder's attempt count.
// This hand-rolled NNTP subset's 431/436 responses carry no wire-level
// "retry after" hint the way some real feeds do, so attempts are backed
// off exponentially from the peer's configured initial_sleep, capped at 30
// minutes, standing in for a peer-specified wait.
func (p *Peer) backoffFor(h *article.Holder) time.Duration {
	base := p.cfg.InitialSleep
	if base <= 0 {
		base = 30 * time.Second
	}
	const maxDelay = 30 * time.Minute
	d := base
	for i := 0; i < h.Attempts && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// --- Owner ---

// ReportOutcome records a terminal outcome (accepted/refused/rejected) for
// one article and releases the Holder's reference.
func (p *Peer) ReportOutcome(h *article.Holder, outcome protocol.Outcome) {
	p.recordRate(outcome == protocol.OutcomeAccepted)

	switch outcome {
	case protocol.OutcomeAccepted:
		p.logger.Debug("article accepted", "msgid", h.Article.MessageID())
	case protocol.OutcomeRefused:
		p.logger.Debug("article refused", "msgid", h.Article.MessageID())
	case protocol.OutcomeRejected:
		p.dropped.Record(p.name, h.Article.Filename(), h.Article.MessageID(), "rejected")
	}
	h.Done()
}

// ReportDeferred handles a 431/436 try-later response. If the peer's
// drop_deferred setting is on, the article is logged as lost; otherwise it
// waits in the in-memory deferred queue until its backoff elapses, rather
// than going straight to the Tape.
func (p *Peer) ReportDeferred(h *article.Holder, dropDeferred bool) {
	if dropDeferred {
		p.dropped.Record(p.name, h.Article.Filename(), h.Article.MessageID(), "dropped-deferred")
		h.Done()
		return
	}
	h.Defer(time.Now().Add(p.backoffFor(h)))
	p.enqueueDeferred(h)
}

// ReportMissing logs an article whose backing file could not be read and
// releases its Holder; it is never retried.
func (p *Peer) ReportMissing(h *article.Holder) {
	p.dropped.Record(p.name, h.Article.Filename(), h.Article.MessageID(), "missing-file")
	h.Done()
}

// ReportAsleep logs a connection entering its backoff sleep.
func (p *Peer) ReportAsleep(connIdx int, reason string) {
	p.logger.Info("connection sleeping", "conn", connIdx, "reason", reason)

	if strings.Contains(reason, "greeting refused: 400") {
		p.mu.Lock()
		p.spoolMode = true
		p.mu.Unlock()
	}
}

// ReportDead logs a connection's final exit.
func (p *Peer) ReportDead(connIdx int) {
	p.logger.Info("connection dead", "conn", connIdx)
}

// ReportStreamingMode logs whether a connection negotiated MODE STREAM.
func (p *Peer) ReportStreamingMode(connIdx int, streaming bool) {
	p.logger.Debug("streaming negotiated", "conn", connIdx, "streaming", streaming)
}

// ReportNoCheckMode logs a connection's adaptive no-CHECK filter flipping.
func (p *Peer) ReportNoCheckMode(connIdx int, noCheck bool) {
	p.logger.Info("no-check mode changed", "conn", connIdx, "no_check", noCheck)
}

// recordRate updates the EWMA articles-per-second and accept-percentage
// signals the Sizer reads from ArticlesPerSecond/AcceptPercent.
func (p *Peer) recordRate(accepted bool) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	dt := now.Sub(p.lastOutcomeAt).Seconds()
	if p.lastOutcomeAt.IsZero() || dt <= 0 {
		dt = 1
	}
	instantRate := 1 / dt
	const apsAlpha = 0.3
	p.apsEWMA = apsAlpha*instantRate + (1-apsAlpha)*p.apsEWMA

	sample := 0.0
	if accepted {
		sample = 1
	}
	const acceptAlpha = 0.1
	p.acceptEWMA = acceptAlpha*sample + (1-acceptAlpha)*p.acceptEWMA

	p.lastOutcomeAt = now
}

// CheckRotationHint triggers an out-of-cycle Tape rotation when a
// hand-dropped PEER hint file is present, instead of waiting for the next
// periodic rotation tick.
func (p *Peer) CheckRotationHint() {
	if !p.tape.CheckHint() {
		return
	}
	if err := p.tape.MaybeRotate(); err != nil {
		p.logger.Warn("hint-triggered rotation failed", "error", err)
	}
}

// FlushTape fsyncs this peer's Tape output file.
func (p *Peer) FlushTape() {
	if err := p.tape.Flush(); err != nil {
		p.logger.Warn("tape flush failed", "error", err)
	}
}

// --- PoolController ---

func (p *Peer) QueueLen() int {
	p.mu.Lock()
	conns := append([]*Connection(nil), p.conns...)
	total := len(p.queued) + len(p.deferredQ)
	p.mu.Unlock()
	for _, c := range conns {
		total += c.QueueDepth()
	}
	return total
}

func (p *Peer) ActiveConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeConnsLocked())
}

func (p *Peer) MaxConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxConns
}

func (p *Peer) AbsoluteMaxConnections() int { return p.cfg.MaxConnections }

// BytesSent sums cumulative bytes written across every connection's
// bandwidth-capped writer, for the status file's per-peer throughput
// figure. Peers with no bandwidth_cap configured always report 0.
func (p *Peer) BytesSent() int64 {
	p.mu.Lock()
	conns := append([]*Connection(nil), p.conns...)
	p.mu.Unlock()

	var total int64
	for _, c := range conns {
		total += c.BytesSent()
	}
	return total
}

// Name returns the peer's configured name, for status reporting.
func (p *Peer) Name() string { return p.name }

// SpoolMode reports whether this peer is currently refusing direct
// dispatch and spooling every article to its Tape (set after a 400
// greeting, cleared only by process restart).
func (p *Peer) SpoolMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spoolMode
}

func (p *Peer) ArticlesPerSecond() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.apsEWMA
}

func (p *Peer) AcceptPercent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acceptEWMA
}

func (p *Peer) GrowBy(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr := net.JoinHostPort(p.cfg.Address, strconv.Itoa(p.cfg.Port))
	for i := 0; i < n; i++ {
		idx := len(p.conns)
		c := NewConnection(idx, p.cfg.Name, addr, p.cfg, p, p.cache, p.logger, nil)
		c.Start(context.Background())
		p.conns = append(p.conns, c)
	}
	p.maxConns += n
}

func (p *Peer) ShrinkBy(n int) {
	p.mu.Lock()
	floor := max(p.cfg.InitialConnections, 0)
	if n > len(p.conns)-floor {
		n = max(len(p.conns)-floor, 0)
	}
	victims := p.conns[len(p.conns)-n:]
	p.conns = p.conns[:len(p.conns)-n]
	p.maxConns -= n
	p.mu.Unlock()

	for _, c := range victims {
		go c.Stop()
	}
}
