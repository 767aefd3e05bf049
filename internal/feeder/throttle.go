// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package feeder

import (
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// maxBurstSize bounds a single token-bucket reservation so a peer with a
// large bandwidth_cap doesn't let one write monopolize the limiter for an
// extended stretch. Write splits larger buffers into reservations of at
// most this size.
const maxBurstSize = 256 * 1024

// ThrottledWriter wraps a Connection's socket writer with a token-bucket
// rate limit enforcing a peer's configured bandwidth_cap, and tallies
// cumulative bytes sent so the status file can report live per-peer
// throughput (internal/status.PeerSnapshot.BytesSent) without the
// Connection needing to track byte counts itself.
type ThrottledWriter struct {
	w           io.Writer
	limiter     *rate.Limiter
	ctx         context.Context
	bytesPerSec int64
	sent        int64 // atomic
}

// NewThrottledWriter returns a writer capped at bytesPerSec. If
// bytesPerSec <= 0 the original writer is returned unmodified (no peer
// configures a cap by default), and byte-sent accounting is unavailable —
// callers type-assert for *ThrottledWriter to read it.
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &ThrottledWriter{
		w:           w,
		limiter:     rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:         ctx,
		bytesPerSec: bytesPerSec,
	}
}

// Write implements io.Writer, splitting writes larger than the burst size
// into chunks so the limiter drains gradually instead of all at once.
func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	totalWritten := 0

	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}

		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return totalWritten, err
		}

		n, err := tw.w.Write(p[:chunk])
		totalWritten += n
		if err != nil {
			atomic.AddInt64(&tw.sent, int64(n))
			return totalWritten, err
		}

		p = p[n:]
	}

	atomic.AddInt64(&tw.sent, int64(totalWritten))
	return totalWritten, nil
}

// BytesSent reports the cumulative number of bytes written through this
// writer since it was created.
func (tw *ThrottledWriter) BytesSent() int64 {
	return atomic.LoadInt64(&tw.sent)
}

// Limit reports the configured bandwidth cap in bytes per second.
func (tw *ThrottledWriter) Limit() int64 {
	return tw.bytesPerSec
}
