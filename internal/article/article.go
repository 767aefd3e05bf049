// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package article manages interned, reference-counted handles to articles
// offered to peers, their wire-format (dot-stuffed) encodings, and the
// process-wide cache that bounds how much of that encoded form is held in
// memory at once.
package article

import (
	"os"
	"sync"

	"github.com/nishisan-dev/innfeed/internal/protocol"
)

// Status records why an Article can no longer be offered, once known.
type Status int32

const (
	// StatusUnknown means the backing file has not been checked yet.
	StatusUnknown Status = iota
	// StatusOK means the file was readable at last check.
	StatusOK
	// StatusMissing means the backing file did not exist.
	StatusMissing
	// StatusEmpty means the backing file existed but had zero length.
	StatusEmpty
	// StatusBadFile means the path exists but is not a regular file.
	StatusBadFile
)

// Article is an interned, reference-counted handle to one on-disk article.
// A single Article may be queued for several peers simultaneously; it is
// freed back to the table only when every holder has dropped its reference.
type Article struct {
	table    *Table
	msgid    string
	filename string

	refcount int32 // guarded by table.mu, not atomic: see Table.release

	mu           sync.Mutex
	status       Status
	wireBody     []byte // cached dot-stuffed, CRLF-terminated encoding
	inWireFormat bool    // filename already held CRLF line endings on disk
	cacheBytes   int64   // size charged against the process-wide cache cap

	listElem any // *list.Element owned by the cache; nil when not cached
}

// MessageID returns the article's interned message-id, including the
// enclosing angle brackets.
func (a *Article) MessageID() string { return a.msgid }

// Filename returns the spool-relative path of the backing file.
func (a *Article) Filename() string { return a.filename }

// Status reports the last-known health of the backing file.
func (a *Article) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Bad reports whether the article is permanently unusable (missing, empty,
// or not a regular file) and should be refused without ever contacting a
// peer.
func (a *Article) Bad() bool {
	s := a.Status()
	return s == StatusMissing || s == StatusEmpty || s == StatusBadFile
}

// Retain increments the reference count and returns the same handle, for
// call sites that want to hand the Article to another queue without
// re-interning it. The caller must already hold a live reference (e.g. one
// just returned by Intern or Lookup, or handed off by another Retain) —
// retaining a handle whose last reference has already been Released is a
// caller bug, not something Retain can safely detect.
func (a *Article) Retain() *Article {
	a.table.mu.Lock()
	a.refcount++
	a.table.mu.Unlock()
	return a
}

// Release drops a reference. When the count reaches zero the Article is
// removed from its Table in the same locked section as the decrement, so a
// concurrent Intern or Lookup for the same message-id can never retain a
// handle that is about to be forgotten.
func (a *Article) Release() {
	a.table.release(a)
}

// WireBody returns the dot-stuffed, CRLF-terminated encoding of the
// article body, reading and encoding it from disk on first use and
// registering the result with the process-wide cache. estimatedCharsPerLine
// is passed through to protocol.EncodeDotStuffed as a sizing hint.
func (a *Article) WireBody(cache *Cache, estimatedCharsPerLine int) ([]byte, error) {
	a.mu.Lock()
	if a.wireBody != nil {
		body := a.wireBody
		a.mu.Unlock()
		cache.touch(a)
		return body, nil
	}
	a.mu.Unlock()

	raw, err := os.ReadFile(a.filename)
	if err != nil {
		a.markBad(err)
		return nil, err
	}
	if len(raw) == 0 {
		a.mu.Lock()
		a.status = StatusEmpty
		a.mu.Unlock()
		return nil, ErrEmptyArticle
	}

	var wire []byte
	if protocol.IsWireFormat(raw) {
		wire = raw
	} else {
		wire = protocol.EncodeDotStuffed(raw, estimatedCharsPerLine)
	}

	a.mu.Lock()
	a.wireBody = wire
	a.inWireFormat = protocol.IsWireFormat(raw)
	a.status = StatusOK
	a.cacheBytes = int64(len(wire))
	a.mu.Unlock()

	cache.insert(a, int64(len(wire)))
	return wire, nil
}

// markBad classifies a read failure into a Status so the caller never
// retries a permanently bad article against a peer.
func (a *Article) markBad(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case os.IsNotExist(err):
		a.status = StatusMissing
	default:
		if fi, statErr := os.Stat(a.filename); statErr == nil && !fi.Mode().IsRegular() {
			a.status = StatusBadFile
		} else {
			a.status = StatusMissing
		}
	}
}

// dropCache clears the cached wire-format buffer, reclaiming its memory.
// Called by Cache when evicting under the byte cap; safe to call again
// later, which simply re-reads and re-encodes from disk.
func (a *Article) dropCache() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	freed := a.cacheBytes
	a.wireBody = nil
	a.cacheBytes = 0
	a.listElem = nil
	return freed
}
