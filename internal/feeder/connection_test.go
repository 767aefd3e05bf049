// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package feeder

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/innfeed/internal/article"
	"github.com/nishisan-dev/innfeed/internal/config"
	"github.com/nishisan-dev/innfeed/internal/protocol"
)

// fakeOwner records every callback a Connection makes, for assertion
// without needing a real Peer.
type fakeOwner struct {
	mu       sync.Mutex
	accepted []string
	refused  []string
	rejected []string
	deferred []string
	missing  []string
	asleep   []string
	dead     int
}

func (f *fakeOwner) ReportOutcome(h *article.Holder, outcome protocol.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch outcome {
	case protocol.OutcomeAccepted:
		f.accepted = append(f.accepted, h.Article.MessageID())
	case protocol.OutcomeRefused:
		f.refused = append(f.refused, h.Article.MessageID())
	case protocol.OutcomeRejected:
		f.rejected = append(f.rejected, h.Article.MessageID())
	}
	h.Done()
}

func (f *fakeOwner) ReportDeferred(h *article.Holder, dropDeferred bool) {
	f.mu.Lock()
	f.deferred = append(f.deferred, h.Article.MessageID())
	f.mu.Unlock()
	h.Done()
}

func (f *fakeOwner) ReportMissing(h *article.Holder) {
	f.mu.Lock()
	f.missing = append(f.missing, h.Article.MessageID())
	f.mu.Unlock()
	h.Done()
}

func (f *fakeOwner) ReportAsleep(connIdx int, reason string) {
	f.mu.Lock()
	f.asleep = append(f.asleep, reason)
	f.mu.Unlock()
}

func (f *fakeOwner) ReportDead(connIdx int) {
	f.mu.Lock()
	f.dead++
	f.mu.Unlock()
}

func (f *fakeOwner) ReportStreamingMode(connIdx int, streaming bool) {}
func (f *fakeOwner) ReportNoCheckMode(connIdx int, noCheck bool)     {}

func (f *fakeOwner) acceptedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accepted)
}

func (f *fakeOwner) deferredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deferred)
}

func testPeerConfig() config.PeerConfig {
	return config.PeerConfig{
		Name:            "news.example.test",
		Address:         "news.example.test",
		Port:            119,
		Streaming:       true,
		MaxQueueSize:    16,
		ArticleTimeout:  5 * time.Second,
		ResponseTimeout: 5 * time.Second,
		WriteTimeout:    5 * time.Second,
		FlushInterval:   time.Hour,
		InitialSleep:    10 * time.Millisecond,
		MaxSleep:        50 * time.Millisecond,
	}
}

// newTestArticle writes body to a temp file and interns it, returning a
// ready-to-offer Holder.
func newTestArticle(t *testing.T, table *article.Table, msgid, body string) *article.Holder {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "article")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing test article: %v", err)
	}
	a, err := table.Intern(msgid, path)
	if err != nil {
		t.Fatalf("interning %q: %v", msgid, err)
	}
	return article.NewHolder(a)
}

// dialPipe returns a Dialer that hands back one end of a net.Pipe, giving
// the test the other end to act as the remote peer.
func dialPipe(serverConn net.Conn) Dialer {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		return serverConn, nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestConnection_StreamingCheckTakeThisAccepted drives a full streaming
// handshake: greeting, MODE STREAM, CHECK, TAKETHIS, and confirms the
// article is reported accepted once TAKETHIS succeeds (spec §4.1's
// streaming happy path).
func TestConnection_StreamingCheckTakeThisAccepted(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	owner := &fakeOwner{}
	table := article.NewTable()
	cache := article.NewCache(1 << 20)
	cfg := testPeerConfig()

	c := NewConnection(0, "news.example.test", "news.example.test:119", cfg, owner, cache, discardLogger(), dialPipe(clientConn))

	go func() {
		br := bufio.NewReader(serverConn)
		serverConn.Write([]byte("200 hello\r\n"))

		line, _ := br.ReadString('\n') // MODE STREAM
		_ = line
		serverConn.Write([]byte("203 streaming OK\r\n"))

		line, _ = br.ReadString('\n') // CHECK <msgid>
		_ = line
		serverConn.Write([]byte("238 <test1@example> send it\r\n"))

		br.ReadString('\n') // TAKETHIS <msgid>
		for {
			l, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if l == ".\r\n" || l == ".\n" {
				break
			}
		}
		serverConn.Write([]byte("239 <test1@example> ok\r\n"))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	h := newTestArticle(t, table, "<test1@example>", "a test article\nwith a body\n")
	if !c.Offer(h) {
		t.Fatal("Offer should have succeeded on an empty queue")
	}

	deadline := time.After(2 * time.Second)
	for owner.acceptedCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for article to be reported accepted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestConnection_GreetingRefused confirms a 400 greeting moves the
// Connection to Sleeping and reports the refusal reason to the owner
// rather than treating it as a transport error (spec §7's "peer-refuses"
// row).
func TestConnection_GreetingRefused(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	owner := &fakeOwner{}
	table := article.NewTable()
	cache := article.NewCache(1 << 20)
	cfg := testPeerConfig()

	c := NewConnection(0, "news.example.test", "news.example.test:119", cfg, owner, cache, discardLogger(), dialPipe(clientConn))

	go func() {
		serverConn.Write([]byte("400 go away\r\n"))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	h := newTestArticle(t, table, "<test2@example>", "body\r\n")
	c.Offer(h)

	deadline := time.After(2 * time.Second)
	for {
		owner.mu.Lock()
		n := len(owner.asleep)
		owner.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for ReportAsleep")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestConnection_ResponseMismatchDefersQueue confirms an unexpected
// message-id on a response is treated as a protocol error: the connection
// sleeps and every in-flight holder is deferred back to the Peer rather
// than being matched to the wrong article (testable property 4, spec §8).
func TestConnection_ResponseMismatchDefersQueue(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	owner := &fakeOwner{}
	table := article.NewTable()
	cache := article.NewCache(1 << 20)
	cfg := testPeerConfig()

	c := NewConnection(0, "news.example.test", "news.example.test:119", cfg, owner, cache, discardLogger(), dialPipe(clientConn))

	go func() {
		br := bufio.NewReader(serverConn)
		serverConn.Write([]byte("200 hello\r\n"))
		br.ReadString('\n') // MODE STREAM
		serverConn.Write([]byte("203 streaming OK\r\n"))
		br.ReadString('\n') // CHECK <msgid>
		// Respond with the wrong message-id at the head of the queue.
		serverConn.Write([]byte("238 <not-the-right-one@example> send it\r\n"))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	h := newTestArticle(t, table, "<test3@example>", "body\r\n")
	c.Offer(h)

	deadline := time.After(2 * time.Second)
	for owner.deferredCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the mismatched article to be deferred")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
