// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package article

import "time"

// Holder is one entry on a peer's check/take queue: a retained Article
// reference plus bookkeeping for deferred retry. A peer that receives a
// 431/436 response reschedules the same Holder for RequeueAt instead of
// re-interning the article.
type Holder struct {
	Article *Article

	// RequeueAt is non-zero when this Holder was deferred by a peer and
	// should not be retried before that time.
	RequeueAt time.Time

	// Attempts counts how many times this Holder has been deferred; the
	// Peer uses it to lengthen the retry backoff. There is no retry limit:
	// a deferred article is retried until it gets a final answer.
	Attempts int
}

// NewHolder wraps an already-retained Article for queueing. The caller is
// transferring ownership of the one reference it holds; Done releases it.
func NewHolder(a *Article) *Holder {
	return &Holder{Article: a}
}

// Ready reports whether the holder's deferral window has elapsed.
func (h *Holder) Ready(now time.Time) bool {
	return h.RequeueAt.IsZero() || !now.Before(h.RequeueAt)
}

// Defer marks the holder for retry no sooner than at, bumping Attempts.
func (h *Holder) Defer(at time.Time) {
	h.RequeueAt = at
	h.Attempts++
}

// Done releases the holder's reference to its Article. Call exactly once
// per Holder, when the article has reached a terminal outcome for this
// peer (accepted, refused, rejected, or dropped).
func (h *Holder) Done() {
	h.Article.Release()
}
