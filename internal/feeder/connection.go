// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package feeder implements the Connection state machine and Peer pool
// dispatcher that offer articles to remote NNTP peers.
package feeder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/innfeed/internal/article"
	"github.com/nishisan-dev/innfeed/internal/config"
	"github.com/nishisan-dev/innfeed/internal/protocol"
)

// State is one of the Connection lifecycle states.
type State string

const (
	StateStarting    State = "starting"
	StateWaiting     State = "waiting"
	StateConnecting  State = "connecting"
	StateIdle        State = "idle"
	StateIdleTimeout State = "idle-timeout"
	StateFeeding     State = "feeding"
	StateSleeping    State = "sleeping"
	StateFlushing    State = "flushing"
	StateClosing     State = "closing"
	StateDead        State = "dead"
)

// Owner is the subset of Peer a Connection reports outcomes and lifecycle
// events to.
type Owner interface {
	ReportOutcome(h *article.Holder, outcome protocol.Outcome)
	ReportDeferred(h *article.Holder, dropDeferred bool)
	ReportMissing(h *article.Holder)
	ReportAsleep(connIdx int, reason string)
	ReportDead(connIdx int)
	ReportStreamingMode(connIdx int, streaming bool)
	ReportNoCheckMode(connIdx int, noCheck bool)
}

// Dialer abstracts net.Dial so tests can substitute net.Pipe.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Connection is one socket to a peer, running the NNTP state machine
// described in the component design: four article queues, adaptive
// no-CHECK mode, and the five timers that govern its lifecycle.
type Connection struct {
	index  int
	peer   string
	addr   string
	cfg    config.PeerConfig
	owner  Owner
	cache  *article.Cache
	logger *slog.Logger
	dial   Dialer

	state atomic.Value // State

	mu         sync.Mutex
	checkQ     []*article.Holder
	checkRespQ []*article.Holder
	takeQ      []*article.Holder
	takeRespQ  []*article.Holder

	doesStreaming bool
	noCheckMode   bool
	filter        float64
	fOn, fOff     float64
	tau           float64

	articleCh chan *article.Holder
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	conn    net.Conn
	wireW   io.Writer
	throttle atomic.Pointer[ThrottledWriter] // set only when the peer has a bandwidth_cap; read from other goroutines via BytesSent
	writeMu sync.Mutex
	respCh  chan protocol.Response
	errCh   chan error

	sleepDelay time.Duration

	accepted, refused, rejected, deferredCount uint64
}

// NewConnection builds a Connection in the Starting state. dial defaults
// to net.Dialer.DialContext when nil.
func NewConnection(index int, peer, addr string, cfg config.PeerConfig, owner Owner, cache *article.Cache, logger *slog.Logger, dial Dialer) *Connection {
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	c := &Connection{
		index:      index,
		peer:       peer,
		addr:       addr,
		cfg:        cfg,
		owner:      owner,
		cache:      cache,
		logger:     logger.With("peer", peer, "conn", index),
		dial:       dial,
		articleCh:  make(chan *article.Holder, cfg.MaxQueueSize),
		stopCh:     make(chan struct{}),
		sleepDelay: cfg.InitialSleep,
		tau:        cfg.NoCheckTau,
	}
	if c.tau > 0 {
		c.fOn = cfg.NoCheckHigh * c.tau / 100
		c.fOff = cfg.NoCheckLow * c.tau / 100
	}
	c.state.Store(StateStarting)
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State { return c.state.Load().(State) }

func (c *Connection) setState(s State) { c.state.Store(s) }

// Offer hands an article to this Connection's queue. Returns false if the
// queue is at capacity; the caller should try another Connection or spool
// to the Tape.
func (c *Connection) Offer(h *article.Holder) bool {
	select {
	case c.articleCh <- h:
		return true
	default:
		return false
	}
}

// QueueDepth reports the total number of holders across all four queues
// plus the articles still waiting in the hand-off channel,
// used by the Peer's default dispatch policy and min-queue comparisons.
func (c *Connection) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.checkQ) + len(c.checkRespQ) + len(c.takeQ) + len(c.takeRespQ) + len(c.articleCh)
}

// BytesSent reports cumulative bytes written to the peer through this
// connection's bandwidth-capped writer, or 0 if the peer has no
// bandwidth_cap configured.
func (c *Connection) BytesSent() int64 {
	tw := c.throttle.Load()
	if tw == nil {
		return 0
	}
	return tw.BytesSent()
}

// Start runs the Connection's event loop until ctx is cancelled or Stop is
// called.
func (c *Connection) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop signals the event loop to drain and exit.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Connection) run(ctx context.Context) {
	defer c.wg.Done()
	c.setState(StateWaiting)

	for {
		select {
		case <-ctx.Done():
			c.closeAndReportDead()
			return
		case <-c.stopCh:
			c.closeAndReportDead()
			return
		case h := <-c.articleCh:
			c.enqueue(h)
			if !c.connected() {
				if err := c.connectAndFeed(ctx, h); err != nil {
					c.logger.Warn("connect failed", "error", err)
					c.sleepAndDeferAll(ctx, "connect failed")
					continue
				}
			}
			c.feedLoop(ctx)
		}
	}
}

func (c *Connection) connected() bool { return c.conn != nil }

// connectAndFeed dials the peer, negotiates MODE STREAM, and starts the
// response reader goroutine. Whether MODE STREAM is sent depends only on
// cfg.Streaming; the holder argument is not used. Queue draining itself
// happens in feedLoop.
func (c *Connection) connectAndFeed(ctx context.Context, _ *article.Holder) error {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	conn, err := c.dial(dialCtx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("feeder: dialing %s: %w", c.addr, err)
	}

	br := bufio.NewReader(conn)
	greeting, err := protocol.ReadResponse(br)
	if err != nil {
		conn.Close()
		return fmt.Errorf("feeder: reading greeting: %w", err)
	}

	switch greeting.Code {
	case protocol.CodeGreetingOK, protocol.CodeGreetingNoPost:
	case protocol.CodeServerRefusing, protocol.CodePermissionDenied, protocol.CodeNoTalk:
		conn.Close()
		c.owner.ReportAsleep(c.index, fmt.Sprintf("greeting refused: %d", greeting.Code))
		c.setState(StateSleeping)
		return fmt.Errorf("feeder: peer refused connection with %d", greeting.Code)
	default:
		conn.Close()
		return fmt.Errorf("feeder: unexpected greeting code %d", greeting.Code)
	}

	if c.cfg.Streaming {
		if err := protocol.WriteModeStream(conn); err != nil {
			conn.Close()
			return err
		}
		modeResp, err := protocol.ReadResponse(br)
		if err != nil {
			conn.Close()
			return fmt.Errorf("feeder: reading MODE STREAM response: %w", err)
		}
		c.doesStreaming = modeResp.Code == protocol.CodeStreamingOK
	}
	c.owner.ReportStreamingMode(c.index, c.doesStreaming)

	c.conn = conn
	c.wireW = NewThrottledWriter(ctx, conn, c.cfg.BandwidthCapRaw)
	if tw, ok := c.wireW.(*ThrottledWriter); ok {
		c.throttle.Store(tw)
	}
	c.sleepDelay = c.cfg.InitialSleep
	c.setState(StateIdle)

	respCh := make(chan protocol.Response, 64)
	errCh := make(chan error, 1)
	go c.readLoop(br, respCh, errCh)
	c.respCh, c.errCh = respCh, errCh

	return nil
}

func (c *Connection) readLoop(br *bufio.Reader, respCh chan<- protocol.Response, errCh chan<- error) {
	for {
		resp, err := protocol.ReadResponse(br)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}
}

// feedLoop drains queued articles onto the wire and matches incoming
// responses to the head of the appropriate queue until the connection
// sleeps, flushes, or is closed.
func (c *Connection) feedLoop(ctx context.Context) {
	articleTimer := time.NewTimer(c.cfg.ArticleTimeout)
	defer articleTimer.Stop()
	responseTimer := time.NewTimer(c.cfg.ResponseTimeout)
	defer responseTimer.Stop()
	flushTimer := time.NewTimer(c.cfg.FlushInterval)
	defer flushTimer.Stop()

	if err := c.flushWrites(); err != nil {
		c.sleepAndDeferAll(ctx, err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			c.closeAndReportDead()
			return
		case <-c.stopCh:
			c.closeAndReportDead()
			return

		case h := <-c.articleCh:
			c.enqueue(h)
			if err := c.flushWrites(); err != nil {
				c.sleepAndDeferAll(ctx, err.Error())
				return
			}
			resetTimer(articleTimer, c.cfg.ArticleTimeout)

		case resp := <-c.respCh:
			resetTimer(responseTimer, c.cfg.ResponseTimeout)
			if err := c.handleResponse(resp); err != nil {
				c.logger.Error("protocol error", "error", err)
				c.sleepAndDeferAll(ctx, err.Error())
				return
			}
			if err := c.flushWrites(); err != nil {
				c.sleepAndDeferAll(ctx, err.Error())
				return
			}
			if c.queuesEmpty() {
				c.setState(StateIdle)
				resetTimer(articleTimer, c.cfg.ArticleTimeout)
			}

		case err := <-c.errCh:
			c.logger.Warn("connection read error", "error", err)
			c.sleepAndDeferAll(ctx, err.Error())
			return

		case <-articleTimer.C:
			// Idle too long: free the file descriptor.
			c.quitAndClose()
			c.setState(StateWaiting)
			return

		case <-responseTimer.C:
			c.sleepAndDeferAll(ctx, "response timeout")
			return

		case <-flushTimer.C:
			c.setState(StateFlushing)
			c.quitAndClose()
			c.setState(StateWaiting)
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if d <= 0 {
		d = time.Minute
	}
	t.Reset(d)
}

// enqueue places a freshly-offered holder on the check queue (streaming)
// or directly the take queue (non-streaming IHAVE, or no-CHECK mode).
// Routing is decided from the peer's configured mode (cfg.Streaming), not
// the live negotiated c.doesStreaming: the very first article on a fresh
// connection is enqueued before connectAndFeed has dialed and negotiated
// MODE STREAM, so doesStreaming is still its zero value at that point.
func (c *Connection) enqueue(h *article.Holder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Streaming && !c.noCheckMode {
		c.checkQ = append(c.checkQ, h)
	} else {
		c.takeQ = append(c.takeQ, h)
	}
	c.setState(StateFeeding)
}

func (c *Connection) queuesEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.checkQ) == 0 && len(c.checkRespQ) == 0 && len(c.takeQ) == 0 && len(c.takeRespQ) == 0
}

// flushWrites writes any pending CHECK commands, any pending TAKETHIS
// headers with their bodies, and any pending IHAVE commands (whose bodies
// handleResponse writes once the peer answers 335) in one pass, moving each holder from its
// not-yet-sent queue to its response-pending queue. On a write error the
// holders not yet written (including the one that failed) are pushed back
// onto the front of their original queue, and the error is returned so the
// caller can sleep the connection and defer everything still queued rather
// than silently losing track of the failure.
func (c *Connection) flushWrites() error {
	c.mu.Lock()
	toCheck := c.checkQ
	c.checkQ = nil
	toTake := c.takeQ
	c.takeQ = nil
	c.mu.Unlock()

	if len(toCheck) == 0 && len(toTake) == 0 {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.resetWriteDeadline()

	checkIdx := 0
	var writeErr error
	for ; checkIdx < len(toCheck); checkIdx++ {
		h := toCheck[checkIdx]
		if h.Article.Bad() {
			c.owner.ReportMissing(h)
			continue
		}
		if err := protocol.WriteCheck(c.wireW, h.Article.MessageID()); err != nil {
			writeErr = fmt.Errorf("write CHECK: %w", err)
			break
		}
		c.mu.Lock()
		c.checkRespQ = append(c.checkRespQ, h)
		c.mu.Unlock()
	}

	takeIdx := 0
	for ; writeErr == nil && takeIdx < len(toTake); takeIdx++ {
		h := toTake[takeIdx]
		if h.Article.Bad() {
			c.owner.ReportMissing(h)
			continue
		}
		if c.doesStreaming {
			if err := protocol.WriteTakeThisHeader(c.wireW, h.Article.MessageID()); err != nil {
				writeErr = fmt.Errorf("write TAKETHIS: %w", err)
				break
			}
		} else {
			if err := protocol.WriteIHave(c.wireW, h.Article.MessageID()); err != nil {
				writeErr = fmt.Errorf("write IHAVE: %w", err)
				break
			}
			c.mu.Lock()
			c.checkRespQ = append(c.checkRespQ, h) // awaiting 335/435/436
			c.mu.Unlock()
			continue
		}
		if err := c.writeBody(h); err != nil {
			writeErr = fmt.Errorf("write body: %w", err)
			break
		}
		c.mu.Lock()
		c.takeRespQ = append(c.takeRespQ, h)
		c.mu.Unlock()
	}

	if writeErr == nil {
		return nil
	}

	c.logger.Warn("flush failed", "error", writeErr)
	c.mu.Lock()
	c.checkQ = append(append([]*article.Holder{}, toCheck[checkIdx:]...), c.checkQ...)
	c.takeQ = append(append([]*article.Holder{}, toTake[takeIdx:]...), c.takeQ...)
	c.mu.Unlock()
	return writeErr
}

func (c *Connection) writeBody(h *article.Holder) error {
	wire, err := h.Article.WireBody(c.cache, 80)
	if err != nil {
		c.owner.ReportMissing(h)
		return nil
	}
	return protocol.WriteWireBody(c.wireW, wire)
}

// handleResponse matches an incoming status line to the head of the
// appropriate queue and reports the outcome to the owning Peer.
func (c *Connection) handleResponse(resp protocol.Response) error {
	if c.doesStreaming && protocol.IsNonStreamingResponse(resp.Code) {
		return fmt.Errorf("protocol error: received non-streaming response %d on a streaming connection", resp.Code)
	}
	if !c.doesStreaming && protocol.IsStreamingResponse(resp.Code) {
		return fmt.Errorf("protocol error: received streaming response %d on a non-streaming connection", resp.Code)
	}

	switch resp.Code {
	case protocol.CodeClosing:
		return nil
	case protocol.CodeCheckSendIt:
		h, err := c.popHead(&c.checkRespQ, resp)
		if err != nil {
			return err
		}
		c.updateFilter(true)
		c.mu.Lock()
		c.takeQ = append(c.takeQ, h)
		c.mu.Unlock()
		return nil

	case protocol.CodeIHaveSendIt:
		h, err := c.popHead(&c.checkRespQ, resp)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.takeRespQ = append(c.takeRespQ, h) // awaiting 235/436/437
		c.mu.Unlock()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		c.resetWriteDeadline()
		return c.writeBody(h)

	case protocol.CodeIHaveBodyOK, protocol.CodeTakeThisOK:
		h, err := c.popHead(&c.takeRespQ, resp)
		if err != nil {
			return err
		}
		c.updateFilter(true)
		atomic.AddUint64(&c.accepted, 1)
		c.owner.ReportOutcome(h, protocol.OutcomeAccepted)
		return nil

	case protocol.CodeIHaveNotWanted, protocol.CodeCheckNotWanted:
		h, err := c.popHead(&c.checkRespQ, resp)
		if err != nil {
			return err
		}
		c.updateFilter(false)
		atomic.AddUint64(&c.refused, 1)
		c.owner.ReportOutcome(h, protocol.OutcomeRefused)
		return nil

	case protocol.CodeIHaveBodyRejected, protocol.CodeTakeThisRejected:
		h, err := c.popHead(&c.takeRespQ, resp)
		if err != nil {
			return err
		}
		atomic.AddUint64(&c.rejected, 1)
		c.owner.ReportOutcome(h, protocol.OutcomeRejected)
		return nil

	case protocol.CodeCheckTryLater, protocol.CodeIHaveTryLater:
		q := &c.checkRespQ
		h, err := c.popHead(q, resp)
		if err != nil {
			return err
		}
		atomic.AddUint64(&c.deferredCount, 1)
		c.owner.ReportDeferred(h, c.cfg.DropDeferred)
		return nil

	case protocol.CodeServerRefusing, protocol.CodePermissionDenied, protocol.CodeNoTalk:
		return fmt.Errorf("peer sent %d mid-session", resp.Code)

	default:
		return fmt.Errorf("unrecognized response code %d", resp.Code)
	}
}

// popHead removes and returns the head of queue, verifying its message-id
// matches the response. A mismatch, an empty queue, or a missing
// message-id is a protocol error (spec §4.1).
func (c *Connection) popHead(queue *[]*article.Holder, resp protocol.Response) (*article.Holder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(*queue) == 0 {
		return nil, fmt.Errorf("response %d %q arrived with an empty queue", resp.Code, resp.Rest)
	}
	h := (*queue)[0]
	msgid := resp.MessageID()
	if msgid == "" || msgid != h.Article.MessageID() {
		return nil, fmt.Errorf("response %d message-id %q does not match queue head %q", resp.Code, msgid, h.Article.MessageID())
	}
	*queue = (*queue)[1:]
	return h, nil
}

// updateFilter maintains the adaptive no-CHECK low-pass filter and flips
// noCheckMode when it crosses a threshold.
func (c *Connection) updateFilter(accepted bool) {
	if c.tau <= 0 || !c.doesStreaming {
		return
	}
	if accepted {
		c.filter++
	} else {
		c.filter *= 1 - 1/c.tau
	}

	switch {
	case !c.noCheckMode && c.filter > c.fOn:
		c.noCheckMode = true
		c.owner.ReportNoCheckMode(c.index, true)
	case c.noCheckMode && c.filter < c.fOff:
		c.noCheckMode = false
		c.owner.ReportNoCheckMode(c.index, false)
	}
}

// sleepAndDeferAll transitions to Sleeping, defers every queued article
// back to the Peer, and closes the socket. The caller's goroutine then
// waits out the backoff delay before returning to Waiting.
func (c *Connection) sleepAndDeferAll(ctx context.Context, reason string) {
	c.setState(StateSleeping)
	c.owner.ReportAsleep(c.index, reason)

	c.mu.Lock()
	all := append(append(append(c.checkQ, c.checkRespQ...), c.takeQ...), c.takeRespQ...)
	c.checkQ, c.checkRespQ, c.takeQ, c.takeRespQ = nil, nil, nil, nil
	c.mu.Unlock()

	for _, h := range all {
		c.owner.ReportDeferred(h, false)
	}

	c.closeConn()

	delay := c.sleepDelay
	select {
	case <-ctx.Done():
	case <-c.stopCh:
	case <-time.After(delay):
	}
	c.sleepDelay *= 2
	if c.sleepDelay > c.cfg.MaxSleep {
		c.sleepDelay = c.cfg.MaxSleep
	}
	c.setState(StateWaiting)
}

func (c *Connection) quitAndClose() {
	if c.conn != nil {
		c.writeMu.Lock()
		c.resetWriteDeadline()
		protocol.WriteQuit(c.conn)
		c.writeMu.Unlock()
	}
	c.closeConn()
}

// resetWriteDeadline bounds how long the next write on this connection may
// block before it fails, per the peer's configured write_timeout (spec §4.1's
// Write timer). Called under writeMu immediately before any write.
func (c *Connection) resetWriteDeadline() {
	if c.conn == nil || c.cfg.WriteTimeout <= 0 {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
}

func (c *Connection) closeConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.wireW = nil
	}
}

func (c *Connection) closeAndReportDead() {
	c.setState(StateClosing)

	c.mu.Lock()
	all := append(append(append(c.checkQ, c.checkRespQ...), c.takeQ...), c.takeRespQ...)
	c.checkQ, c.checkRespQ, c.takeQ, c.takeRespQ = nil, nil, nil, nil
	c.mu.Unlock()

	for _, h := range all {
		c.owner.ReportDeferred(h, false)
	}

	c.quitAndClose()
	c.setState(StateDead)
	c.owner.ReportDead(c.index)
}
