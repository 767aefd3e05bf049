// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package feeder

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/innfeed/internal/config"
)

// PoolController is the subset of Peer a Sizer needs: enough to read the
// current pool shape and queue pressure, and to grow or shrink it.
type PoolController interface {
	QueueLen() int
	ActiveConnections() int
	MaxConnections() int
	AbsoluteMaxConnections() int
	ArticlesPerSecond() float64
	AcceptPercent() float64
	GrowBy(n int)
	ShrinkBy(n int)
}

// SizerSnapshot is the last evaluation's result, exported for status
// reporting.
type SizerSnapshot struct {
	Method         config.SizingMethod
	BacklogFilter  float64
	MaxConnections int
	LastAction     string
	EvaluatedAt    time.Time
}

// sizerEWMAAlpha weights the previous backlog-filter sample against the
// newest one.
const sizerEWMAAlpha = 0.75

// Sizer periodically evaluates a Peer's queue pressure and accept rate and
// grows or shrinks its connection pool between initial and absolute-max,
// per the four methods described for dynamic pool sizing. The Sizer itself
// only floors a shrink at one connection; the Peer's ShrinkBy keeps the
// pool at or above its initial connection count.
type Sizer struct {
	pool   PoolController
	method config.SizingMethod
	logger *slog.Logger

	absoluteMax        int
	highWatermark      float64
	lowWatermark       float64
	hysteresis         int
	queueHighWaterSize int // "highwater" in the queue-ratio formula

	mu             sync.Mutex
	backlogFilter  float64
	scaleUpCount   int
	scaleDownCount int
	prevAPS        float64
	lastSnapshot   SizerSnapshot
}

// NewSizer builds a Sizer for one peer's pool.
func NewSizer(pool PoolController, method config.SizingMethod, absoluteMax, queueHighWaterSize int, logger *slog.Logger) *Sizer {
	return &Sizer{
		pool:               pool,
		method:             method,
		logger:             logger,
		absoluteMax:        absoluteMax,
		highWatermark:      0.8,
		lowWatermark:       0.3,
		hysteresis:         3,
		queueHighWaterSize: queueHighWaterSize,
	}
}

// Snapshot returns a copy of the last evaluation.
func (s *Sizer) Snapshot() SizerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSnapshot
}

// Evaluate runs one sizing decision. The owning Peer drives this on its
// own periodic timer, a fixed 30s ticker; the interval does not grow.
func (s *Sizer) Evaluate() {
	switch s.method {
	case config.SizingStatic:
		s.record("no-op (static)")
		return
	case config.SizingAPS:
		s.evaluateAPS()
	case config.SizingCombined:
		s.evaluateCombined()
	default:
		s.evaluateQueue()
	}
}

// evaluateQueue implements the IIR-filtered backlog-ratio method.
func (s *Sizer) evaluateQueue() {
	ratio := s.queueRatio()
	s.mu.Lock()
	s.backlogFilter = sizerEWMAAlpha*s.backlogFilter + (1-sizerEWMAAlpha)*ratio
	bf := s.backlogFilter
	s.mu.Unlock()

	s.decide(bf)
}

// evaluateAPS grows when the current articles-per-second rate exceeds the
// previous sample by a threshold, shrinks when it drops.
func (s *Sizer) evaluateAPS() {
	current := s.pool.ArticlesPerSecond()

	s.mu.Lock()
	prev := s.prevAPS
	s.prevAPS = current
	s.mu.Unlock()

	if prev <= 0 {
		s.record("no-op (no prior aps sample)")
		return
	}

	delta := (current - prev) / prev
	switch {
	case delta > 0.2:
		s.grow("aps rate increased")
	case delta < -0.2:
		s.shrink("aps rate decreased")
	default:
		s.resetHysteresis()
		s.record("stable (aps)")
	}
}

// evaluateCombined blends the queue-ratio and aps signals, weighting the
// aps component by the square of the peer's recent accept percentage so a
// peer refusing most articles doesn't get scaled up on throughput alone.
func (s *Sizer) evaluateCombined() {
	ratio := s.queueRatio()
	accept := s.pool.AcceptPercent()
	current := s.pool.ArticlesPerSecond()

	s.mu.Lock()
	s.backlogFilter = sizerEWMAAlpha*s.backlogFilter + (1-sizerEWMAAlpha)*ratio
	bf := s.backlogFilter
	prev := s.prevAPS
	s.prevAPS = current
	s.mu.Unlock()

	apsSignal := 0.0
	if prev > 0 {
		apsSignal = (current - prev) / prev
	}

	blended := bf + apsSignal*(accept*accept)
	s.decide(blended)
}

// queueRatio computes queued_len / highwater, penalising entries above the
// high-water mark so the filter doesn't pin at the ceiling.
func (s *Sizer) queueRatio() float64 {
	if s.queueHighWaterSize <= 0 {
		return 0
	}
	ratio := float64(s.pool.QueueLen()) / float64(s.queueHighWaterSize)
	if ratio > 1 {
		return (ratio + 1) / 2
	}
	return ratio
}

func (s *Sizer) decide(signal float64) {
	switch {
	case signal > s.highWatermark:
		s.grow("backlog filter above high-watermark")
	case signal < s.lowWatermark:
		s.shrink("backlog filter below low-watermark")
	default:
		s.resetHysteresis()
		s.record("stable")
	}
}

func (s *Sizer) grow(reason string) {
	s.mu.Lock()
	s.scaleDownCount = 0
	s.scaleUpCount++
	ready := s.scaleUpCount >= s.hysteresis
	if ready {
		s.scaleUpCount = 0
	}
	s.mu.Unlock()

	if !ready {
		s.record("accumulating grow hysteresis: " + reason)
		return
	}

	current := s.pool.MaxConnections()
	next := current * 2
	if next <= current {
		next = current + 1
	}
	if next > s.absoluteMax {
		next = s.absoluteMax
	}
	if next <= current {
		s.record("already at absolute-max")
		return
	}
	s.pool.GrowBy(next - current)
	if s.logger != nil {
		s.logger.Info("peer pool grown", "reason", reason, "from", current, "to", next)
	}
	s.record("grew: " + reason)
}

func (s *Sizer) shrink(reason string) {
	s.mu.Lock()
	s.scaleUpCount = 0
	s.scaleDownCount++
	ready := s.scaleDownCount >= s.hysteresis
	if ready {
		s.scaleDownCount = 0
	}
	s.mu.Unlock()

	if !ready {
		s.record("accumulating shrink hysteresis: " + reason)
		return
	}

	current := s.pool.MaxConnections()
	next := current / 2
	if next < 1 {
		next = 1
	}
	if next >= current {
		s.record("already at minimum")
		return
	}
	s.pool.ShrinkBy(current - next)
	if s.logger != nil {
		s.logger.Info("peer pool shrunk", "reason", reason, "from", current, "to", next)
	}
	s.record("shrunk: " + reason)
}

func (s *Sizer) resetHysteresis() {
	s.mu.Lock()
	s.scaleUpCount = 0
	s.scaleDownCount = 0
	s.mu.Unlock()
}

func (s *Sizer) record(action string) {
	s.mu.Lock()
	s.lastSnapshot = SizerSnapshot{
		Method:         s.method,
		BacklogFilter:  s.backlogFilter,
		MaxConnections: s.pool.MaxConnections(),
		LastAction:     action,
		EvaluatedAt:    time.Now(),
	}
	s.mu.Unlock()
}
