// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package tape

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRotationRoundTrip(t *testing.T) {
	dir := t.TempDir()

	tp, err := Open(dir, "news.example.org", Options{MinRotateInterval: 0}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tp.Close()

	lines := []string{
		"/spool/a <a@example>",
		"/spool/b <b@example>",
		"/spool/c <c@example>",
	}
	for _, l := range lines {
		fields := splitLine(l)
		if err := tp.Append(fields[0], fields[1]); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := tp.MaybeRotate(); err != nil {
		t.Fatalf("MaybeRotate: %v", err)
	}

	inputPath := filepath.Join(dir, "news.example.org.input")
	data, err := os.ReadFile(inputPath)
	if err != nil {
		t.Fatalf("reading rotated input: %v", err)
	}
	want := "/spool/a <a@example>\n/spool/b <b@example>\n/spool/c <c@example>\n"
	if string(data) != want {
		t.Errorf("input after rotation = %q, want %q", string(data), want)
	}

	outputPath := filepath.Join(dir, "news.example.org.output")
	outData, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("reading fresh output: %v", err)
	}
	if len(outData) != 0 {
		t.Errorf("output after rotation = %q, want empty", string(outData))
	}

	for _, l := range lines {
		fields := splitLine(l)
		entry, ok, err := tp.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			t.Fatal("Next returned ok=false before input was exhausted")
		}
		if entry.Filename != fields[0] || entry.MsgID != fields[1] {
			t.Errorf("Next() = %+v, want filename=%s msgid=%s", entry, fields[0], fields[1])
		}
	}

	if _, ok, err := tp.Next(); err != nil || ok {
		t.Errorf("Next() after exhausting input: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestCheckpointResume(t *testing.T) {
	dir := t.TempDir()

	tp, err := Open(dir, "peer1", Options{MinRotateInterval: 0}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tp.Append("/spool/a", "<a@example>"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := tp.Append("/spool/b", "<b@example>"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := tp.MaybeRotate(); err != nil {
		t.Fatalf("MaybeRotate: %v", err)
	}

	if _, ok, err := tp.Next(); err != nil || !ok {
		t.Fatalf("Next (first): ok=%v err=%v", ok, err)
	}
	if err := tp.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	tp.Close()

	tp2, err := Open(dir, "peer1", Options{MinRotateInterval: 0}, nil)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer tp2.Close()

	entry, ok, err := tp2.Next()
	if err != nil {
		t.Fatalf("Next after reopen: %v", err)
	}
	if !ok {
		t.Fatal("expected an entry to remain after checkpoint resume")
	}
	if entry.Filename != "/spool/b" || entry.MsgID != "<b@example>" {
		t.Errorf("resumed entry = %+v, want /spool/b <b@example>", entry)
	}
}

func TestShrinkDiscardsOldestLines(t *testing.T) {
	dir := t.TempDir()
	dropped, err := OpenDroppedLog(filepath.Join(dir, "dropped.log"))
	if err != nil {
		t.Fatalf("OpenDroppedLog: %v", err)
	}
	defer dropped.Close()

	tp, err := Open(dir, "peer2", Options{
		LowWaterBytes:  20,
		HighWaterBytes: 40,
	}, dropped)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tp.Close()

	for i := 0; i < 10; i++ {
		if err := tp.Append("/spool/x", "<x@example>"); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "peer2.output"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if int64(len(data)) > 40 {
		t.Errorf("output size = %d, want <= high-water after shrink", len(data))
	}
}

func TestNoBacklogDropsImmediately(t *testing.T) {
	dir := t.TempDir()
	dropped, err := OpenDroppedLog(filepath.Join(dir, "dropped.log"))
	if err != nil {
		t.Fatalf("OpenDroppedLog: %v", err)
	}
	defer dropped.Close()

	tp, err := Open(dir, "peer3", Options{NoBacklog: true}, dropped)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tp.Close()

	if err := tp.Append("/spool/a", "<a@example>"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "peer3.output"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("output with NoBacklog set = %q, want empty", string(data))
	}
}

func TestLockPreventsSecondOpen(t *testing.T) {
	dir := t.TempDir()

	tp, err := Open(dir, "peer4", Options{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tp.Close()

	if _, err := Open(dir, "peer4", Options{}, nil); err != ErrLocked {
		t.Fatalf("second Open error = %v, want ErrLocked", err)
	}
}

func TestStaleLockIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "peer5.lock")

	// A pid that (almost certainly) does not exist.
	if err := os.WriteFile(lockPath, []byte("999999\n"), 0o644); err != nil {
		t.Fatalf("seeding stale lock: %v", err)
	}

	tp, err := Open(dir, "peer5", Options{}, nil)
	if err != nil {
		t.Fatalf("Open with stale lock: %v", err)
	}
	defer tp.Close()
}

func splitLine(l string) [2]string {
	for i := range l {
		if l[i] == ' ' {
			return [2]string{l[:i], l[i+1:]}
		}
	}
	return [2]string{l, ""}
}
