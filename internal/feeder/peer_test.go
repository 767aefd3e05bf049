// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package feeder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/innfeed/internal/article"
	"github.com/nishisan-dev/innfeed/internal/config"
	"github.com/nishisan-dev/innfeed/internal/tape"
)

func testPeerCfg(name, dispatchPolicy string) config.PeerConfig {
	return config.PeerConfig{
		Name:               name,
		Address:            "news.example.test",
		Port:               119,
		Streaming:          true,
		InitialConnections: 3,
		MaxConnections:     3,
		MaxQueueSize:       16,
		DispatchPolicy:     dispatchPolicy,
		SizingMethod:       config.SizingStatic,
		ArticleTimeout:     5 * time.Second,
		ResponseTimeout:    5 * time.Second,
		WriteTimeout:       5 * time.Second,
		FlushInterval:      time.Hour,
		InitialSleep:       10 * time.Millisecond,
		MaxSleep:           50 * time.Millisecond,
		RotationInterval:   time.Hour,
		BacklogLimitRaw:    1 << 20,
	}
}

func newTestPeer(t *testing.T, cfg config.PeerConfig) *Peer {
	t.Helper()
	dir := t.TempDir()
	droppedPath := filepath.Join(dir, "dropped.log")
	dropped, err := tape.OpenDroppedLog(droppedPath)
	if err != nil {
		t.Fatalf("opening dropped log: %v", err)
	}
	t.Cleanup(func() { dropped.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	p, err := NewPeer(cfg, article.NewTable(), article.NewCache(1<<20), dir, dropped, nil, logger)
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	return p
}

// TestPeer_DispatchMinQueuePicksShallowest confirms the "min-queue" dispatch
// policy routes an offer to whichever connection currently holds the fewest
// queued articles, rather than rotating round-robin.
func TestPeer_DispatchMinQueuePicksShallowest(t *testing.T) {
	p := newTestPeer(t, testPeerCfg("mq.example.test", "min-queue"))

	// Fill the first two connections' check queues directly so the third
	// is the shallowest, without spinning up real network I/O.
	table := article.NewTable()
	for i, c := range p.conns[:2] {
		for j := 0; j < 2; j++ {
			h := newTestArticle(t, table, fmt.Sprintf("<mq-fill-%d-%d@example>", i, j), "body\r\n")
			c.enqueue(h)
		}
	}

	h := newTestArticle(t, table, "<mq-target@example>", "body\r\n")
	if !p.dispatch(h) {
		t.Fatal("dispatch should have found room on the shallowest connection")
	}

	if depth := p.conns[2].QueueDepth(); depth != 1 {
		t.Errorf("expected the emptiest connection to receive the article, got depth %d on conns[2]", depth)
	}
	if depth := p.conns[0].QueueDepth(); depth != 2 {
		t.Errorf("expected conns[0] to remain untouched at depth 2, got %d", depth)
	}
}

// TestPeer_DispatchRoundRobinRotates confirms the default dispatch policy
// advances its cursor across successive Offer calls instead of always
// targeting the first connection.
func TestPeer_DispatchRoundRobinRotates(t *testing.T) {
	p := newTestPeer(t, testPeerCfg("rr.example.test", ""))
	table := article.NewTable()

	for i := 0; i < 3; i++ {
		h := newTestArticle(t, table, fmt.Sprintf("<rr-%d@example>", i), "body\r\n")
		if !p.dispatch(h) {
			t.Fatalf("dispatch %d should have found room", i)
		}
	}

	for i, c := range p.conns {
		if depth := c.QueueDepth(); depth != 1 {
			t.Errorf("conns[%d]: expected round-robin to give each connection exactly one article, got depth %d", i, depth)
		}
	}
}

// TestPeer_ReportAsleepGreetingRefusedEntersSpoolMode confirms a connection
// reporting a 400 greeting refusal flips the peer into spool mode, so
// further offers bypass dispatch entirely (spec's "peer-refuses" row).
func TestPeer_ReportAsleepGreetingRefusedEntersSpoolMode(t *testing.T) {
	p := newTestPeer(t, testPeerCfg("refuse.example.test", ""))

	if p.SpoolMode() {
		t.Fatal("peer should not start in spool mode")
	}

	p.ReportAsleep(0, "greeting refused: 400 go away")

	if !p.SpoolMode() {
		t.Fatal("expected ReportAsleep with a 400 greeting reason to enter spool mode")
	}
}

// TestPeer_ReportDeferredDropVsSpool confirms ReportDeferred holds the
// article in the in-memory deferred queue (not the Tape) when drop_deferred
// is false, and records it as dropped (touching neither) when
// drop_deferred is true.
func TestPeer_ReportDeferredDropVsSpool(t *testing.T) {
	p := newTestPeer(t, testPeerCfg("defer.example.test", ""))
	table := article.NewTable()

	h := newTestArticle(t, table, "<defer-spool@example>", "body\r\n")
	p.ReportDeferred(h, false)

	if n := len(p.deferredQ); n != 1 {
		t.Fatalf("expected the deferred article to land in the in-memory deferred queue, got %d entries", n)
	}
	if h.Attempts != 1 {
		t.Errorf("expected ReportDeferred to bump Attempts, got %d", h.Attempts)
	}
	if _, ok, err := p.tape.Next(); err != nil {
		t.Fatalf("reading backlog: %v", err)
	} else if ok {
		t.Fatal("expected a non-dropped deferral to wait in memory, not be spooled to the tape immediately")
	}

	h2 := newTestArticle(t, table, "<defer-drop@example>", "body\r\n")
	p.ReportDeferred(h2, true)

	if n := len(p.deferredQ); n != 1 {
		t.Fatalf("expected drop_deferred=true to skip the deferred queue, got %d entries", n)
	}
	if _, ok, err := p.tape.Next(); err != nil {
		t.Fatalf("reading backlog after drop: %v", err)
	} else if ok {
		t.Fatal("expected drop_deferred=true to skip spooling, but the tape produced another entry")
	}
}

// TestPeer_RetryDueDeferredOnlyMovesReadyHolders confirms retryDueDeferred
// pops only the holders whose RequeueAt has elapsed, leaving later
// deadlines in the queue.
func TestPeer_RetryDueDeferredOnlyMovesReadyHolders(t *testing.T) {
	p := newTestPeer(t, testPeerCfg("defer-retry.example.test", ""))
	table := article.NewTable()

	past := newTestArticle(t, table, "<defer-past@example>", "body\r\n")
	past.Defer(time.Now().Add(-time.Minute))
	p.enqueueDeferred(past)

	future := newTestArticle(t, table, "<defer-future@example>", "body\r\n")
	future.Defer(time.Now().Add(time.Hour))
	p.enqueueDeferred(future)

	p.retryDueDeferred()

	if n := len(p.deferredQ); n != 1 {
		t.Fatalf("expected the not-yet-ready holder to remain queued, got %d entries", n)
	}
	if p.deferredQ[0] != future {
		t.Error("expected the future-deadline holder to be the one left behind")
	}

	if depth := p.QueueLen() - len(p.deferredQ); depth == 0 {
		t.Error("expected the ready holder to have been re-offered somewhere (connection or in-memory queue)")
	}
}
