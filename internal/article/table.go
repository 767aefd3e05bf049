// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package article

import (
	"sync"

	"github.com/nishisan-dev/innfeed/internal/protocol"
)

// Table interns Article handles by message-id so that the same article
// offered to several peers at once shares one cached wire-format encoding
// and one refcount, instead of being read and encoded once per peer.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Article
}

// NewTable creates an empty interning table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Article)}
}

// Intern returns the Article for msgid, creating it (backed by filename) if
// this is the first time the table has seen the message-id, and always
// incrementing its refcount before returning. Callers must call Release
// when done with the handle.
func (t *Table) Intern(msgid, filename string) (*Article, error) {
	if err := protocol.ValidateMessageID(msgid); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.entries[msgid]; ok {
		// Increment inline rather than via a.Retain(): Retain locks t.mu
		// itself and sync.Mutex is not reentrant.
		a.refcount++
		return a, nil
	}

	a := &Article{table: t, msgid: msgid, filename: filename, refcount: 1}
	t.entries[msgid] = a
	return a, nil
}

// Lookup returns the already-interned Article for msgid without creating
// one, retaining it if found.
func (t *Table) Lookup(msgid string) (*Article, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.entries[msgid]
	if ok {
		a.refcount++
	}
	return a, ok
}

// Len reports how many articles are currently interned.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// release drops a's reference under the table lock, removing it from the
// table in the same critical section if the count reaches zero. Sharing
// the lock with Intern/Lookup is what prevents a concurrent interner from
// retaining a handle the instant before it would otherwise be forgotten.
func (t *Table) release(a *Article) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a.refcount--
	if a.refcount == 0 {
		delete(t.entries, a.msgid)
	}
}
