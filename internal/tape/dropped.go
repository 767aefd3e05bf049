// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package tape

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// DroppedLog is the process-wide append-only record of articles that could
// not be sent and could not be spooled either — the one place the feeder
// guarantees an article is never lost silently.
type DroppedLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenDroppedLog opens (creating if necessary) the dropped-article log at
// path for append.
func OpenDroppedLog(path string) (*DroppedLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tape: opening dropped-article log: %w", err)
	}
	return &DroppedLog{file: f}, nil
}

// Record appends one line naming the peer, filename, message-id, and
// reason an article was dropped.
func (d *DroppedLog) Record(peer, filename, msgid, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	line := fmt.Sprintf("%s peer=%s file=%s msgid=%s reason=%s\n",
		time.Now().UTC().Format(time.RFC3339), peer, filename, msgid, reason)
	d.file.WriteString(line)
}

// Close closes the underlying file handle.
func (d *DroppedLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}
