// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package article

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempArticle(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writeTempArticle: %v", err)
	}
	return path
}

func TestTableInternSharesHandle(t *testing.T) {
	dir := t.TempDir()
	path := writeTempArticle(t, dir, "a1", "Subject: x\n\nbody\n")

	table := NewTable()
	a1, err := table.Intern("<a1@example>", path)
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	a2, err := table.Intern("<a1@example>", path)
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	if a1 != a2 {
		t.Fatal("expected the same Article instance for the same message-id")
	}
	if table.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", table.Len())
	}

	a1.Release()
	if table.Len() != 1 {
		t.Fatalf("Len() after one release = %d, want 1 (still referenced)", table.Len())
	}
	a2.Release()
	if table.Len() != 0 {
		t.Fatalf("Len() after both released = %d, want 0", table.Len())
	}
}

func TestInternRejectsBadMessageID(t *testing.T) {
	table := NewTable()
	if _, err := table.Intern("no-brackets", "/dev/null"); err == nil {
		t.Fatal("expected error for malformed message-id")
	}
}

func TestWireBodyEncodesAndCaches(t *testing.T) {
	dir := t.TempDir()
	path := writeTempArticle(t, dir, "a2", "Subject: x\n\n.leading\nplain\n")

	table := NewTable()
	a, err := table.Intern("<a2@example>", path)
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	defer a.Release()

	cache := NewCache(1 << 20)
	wire, err := a.WireBody(cache, 0)
	if err != nil {
		t.Fatalf("WireBody: %v", err)
	}
	want := "Subject: x\r\n\r\n..leading\r\nplain\r\n.\r\n"
	if string(wire) != want {
		t.Errorf("WireBody() = %q, want %q", string(wire), want)
	}
	if cache.CurrentBytes() != int64(len(want)) {
		t.Errorf("CurrentBytes() = %d, want %d", cache.CurrentBytes(), len(want))
	}

	// Second call should hit the cache and return the identical slice.
	wire2, err := a.WireBody(cache, 0)
	if err != nil {
		t.Fatalf("WireBody (cached): %v", err)
	}
	if &wire[0] != &wire2[0] {
		t.Error("expected cached WireBody call to return the same backing array")
	}
}

func TestWireBodyMissingFile(t *testing.T) {
	table := NewTable()
	a, err := table.Intern("<a3@example>", filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	defer a.Release()

	cache := NewCache(1 << 20)
	if _, err := a.WireBody(cache, 0); err == nil {
		t.Fatal("expected error for missing file")
	}
	if a.Status() != StatusMissing {
		t.Errorf("Status() = %v, want StatusMissing", a.Status())
	}
	if !a.Bad() {
		t.Error("expected Bad() to be true for a missing file")
	}
}

func TestWireBodyEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTempArticle(t, dir, "empty", "")

	table := NewTable()
	a, err := table.Intern("<a4@example>", path)
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	defer a.Release()

	cache := NewCache(1 << 20)
	if _, err := a.WireBody(cache, 0); err != ErrEmptyArticle {
		t.Fatalf("WireBody() error = %v, want ErrEmptyArticle", err)
	}
	if a.Status() != StatusEmpty {
		t.Errorf("Status() = %v, want StatusEmpty", a.Status())
	}
	if !a.Bad() {
		t.Error("expected Bad() to be true for an empty file")
	}
}

func TestCacheEvictsUnderByteCap(t *testing.T) {
	dir := t.TempDir()
	table := NewTable()
	cache := NewCache(40) // small cap forces eviction

	var handles []*Article
	for i := 0; i < 4; i++ {
		name := filepath.Join(dir, string(rune('a'+i)))
		body := "0123456789\n" // 11 bytes raw, 15 bytes wire-encoded ("0123456789\r\n.\r\n")
		if err := os.WriteFile(name, []byte(body), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		a, err := table.Intern("<art"+string(rune('0'+i))+"@example>", name)
		if err != nil {
			t.Fatalf("Intern: %v", err)
		}
		if _, err := a.WireBody(cache, 0); err != nil {
			t.Fatalf("WireBody: %v", err)
		}
		handles = append(handles, a)
	}

	if cache.CurrentBytes() > 40 {
		t.Errorf("CurrentBytes() = %d, want <= 40 after eviction", cache.CurrentBytes())
	}

	// The earliest article's cached body should have been evicted, but
	// WireBody must still succeed by re-reading from disk.
	first := handles[0]
	if _, err := first.WireBody(cache, 0); err != nil {
		t.Fatalf("WireBody after eviction: %v", err)
	}

	for _, a := range handles {
		a.Release()
	}
}

func TestHolderDeferAndReady(t *testing.T) {
	dir := t.TempDir()
	path := writeTempArticle(t, dir, "h1", "body\n")
	table := NewTable()
	a, err := table.Intern("<h1@example>", path)
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}

	h := NewHolder(a)

	if !h.Ready(h.RequeueAt) {
		t.Error("freshly created Holder should be Ready")
	}

	future := h.RequeueAt.Add(1)
	h.Defer(future)
	if h.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", h.Attempts)
	}
	if h.Ready(future.Add(-1)) {
		t.Error("Holder should not be Ready before its RequeueAt")
	}
	if !h.Ready(future) {
		t.Error("Holder should be Ready at its RequeueAt")
	}

	h.Done()
	if table.Len() != 0 {
		t.Errorf("Len() after Done() = %d, want 0", table.Len())
	}
}
