// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"strings"
	"time"
)

// SizingMethod selects how a Peer grows or shrinks its connection pool.
type SizingMethod string

const (
	SizingStatic   SizingMethod = "static"
	SizingQueue    SizingMethod = "queue"
	SizingAPS      SizingMethod = "aps"
	SizingCombined SizingMethod = "combined"
)

// PeerConfig is one peer's address, transfer mode, and backlog settings.
// Unset fields fall back to FeederConfig.Defaults at load time.
type PeerConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	Streaming          bool   `yaml:"streaming"`
	MaxConnections     int    `yaml:"max_connections"`
	InitialConnections int    `yaml:"initial_connections"`
	MaxQueueSize       int    `yaml:"max_queue_size"`
	DispatchPolicy     string `yaml:"dispatch_policy"` // "default" or "min-queue"

	SizingMethod SizingMethod `yaml:"sizing_method"`

	// NoCheckLow/NoCheckHigh/NoCheckTau parameterize the adaptive
	// no-CHECK low-pass filter (spec §4.1). Zero means the feature is
	// disabled for this peer.
	NoCheckLow  float64 `yaml:"no_check_low"`
	NoCheckHigh float64 `yaml:"no_check_high"`
	NoCheckTau  float64 `yaml:"no_check_tau"`

	ArticleTimeout  time.Duration `yaml:"article_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	InitialSleep    time.Duration `yaml:"initial_sleep"`
	MaxSleep        time.Duration `yaml:"max_sleep"`

	DropDeferred bool `yaml:"drop_deferred"`

	BacklogLimit     string `yaml:"backlog_limit"`
	BacklogFactor    float64 `yaml:"backlog_factor"`
	BacklogLimitHigh string `yaml:"backlog_limit_high"` // overrides limit*factor when set
	NoBacklog        bool    `yaml:"no_backlog"`
	RotationInterval time.Duration `yaml:"rotation_interval"`

	// BandwidthCap throttles each of this peer's connections to this rate,
	// e.g. "5mb" meaning 5MB/s per connection; the peer's total is not
	// capped as a whole. Empty disables throttling.
	BandwidthCap string `yaml:"bandwidth_cap"`

	// ArchiveBucket, when set, mirrors the backlog segments this peer's
	// Tape discards under its size bound to S3 for offline audit. Drained
	// input removed at rotation is not archived.
	ArchiveBucket string `yaml:"archive_bucket"`
	ArchivePrefix string `yaml:"archive_prefix"`

	// Resolved at validate() time.
	BacklogLimitRaw     int64 `yaml:"-"`
	BacklogLimitHighRaw int64 `yaml:"-"`
	BandwidthCapRaw     int64 `yaml:"-"`
}

// ApplyDefaults validates and fills in a peer created after startup (the
// `-y` dynamic-peer-creation flag) the same way a config-file entry is
// filled in at load time.
func (p *PeerConfig) ApplyDefaults(d PeerDefaults) error {
	return p.applyDefaultsAndValidate(d, -1)
}

func (p *PeerConfig) applyDefaultsAndValidate(d PeerDefaults, index int) error {
	if p.Name == "" {
		return fmt.Errorf("peers[%d].name is required", index)
	}
	if p.Address == "" {
		return fmt.Errorf("peers[%d].address is required", index)
	}
	if p.Port <= 0 {
		p.Port = d.Port
	}
	if p.Port <= 0 {
		p.Port = 119
	}

	if p.InitialConnections <= 0 {
		p.InitialConnections = d.InitialConnections
	}
	if p.MaxConnections <= 0 {
		p.MaxConnections = d.MaxConnections
	}
	if p.MaxConnections < p.InitialConnections {
		return fmt.Errorf("peers[%d].max_connections (%d) must be >= initial_connections (%d)", index, p.MaxConnections, p.InitialConnections)
	}
	if p.MaxQueueSize <= 0 {
		p.MaxQueueSize = 200
	}

	p.DispatchPolicy = strings.ToLower(strings.TrimSpace(p.DispatchPolicy))
	if p.DispatchPolicy == "" {
		p.DispatchPolicy = "default"
	}
	if p.DispatchPolicy != "default" && p.DispatchPolicy != "min-queue" {
		return fmt.Errorf("peers[%d].dispatch_policy must be \"default\" or \"min-queue\", got %q", index, p.DispatchPolicy)
	}

	if p.SizingMethod == "" {
		p.SizingMethod = SizingQueue
	}
	switch p.SizingMethod {
	case SizingStatic, SizingQueue, SizingAPS, SizingCombined:
	default:
		return fmt.Errorf("peers[%d].sizing_method %q is not one of static/queue/aps/combined", index, p.SizingMethod)
	}

	if p.ArticleTimeout <= 0 {
		p.ArticleTimeout = d.ArticleTimeout
	}
	if p.ResponseTimeout <= 0 {
		p.ResponseTimeout = d.ResponseTimeout
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = p.ResponseTimeout
	}
	if p.FlushInterval <= 0 {
		p.FlushInterval = 10 * time.Minute
	}
	if p.InitialSleep <= 0 {
		p.InitialSleep = d.InitialSleep
	}
	if p.MaxSleep <= 0 {
		p.MaxSleep = d.MaxSleep
	}
	if p.RotationInterval <= 0 {
		p.RotationInterval = 10 * time.Minute
	}

	if p.BacklogLimit == "" {
		p.BacklogLimit = d.BacklogLimit
	}
	limit, err := ParseByteSize(p.BacklogLimit)
	if err != nil {
		return fmt.Errorf("peers[%d].backlog_limit: %w", index, err)
	}
	p.BacklogLimitRaw = limit

	if p.BacklogFactor <= 0 {
		p.BacklogFactor = d.BacklogFactor
	}

	if p.BacklogLimitHigh != "" {
		high, err := ParseByteSize(p.BacklogLimitHigh)
		if err != nil {
			return fmt.Errorf("peers[%d].backlog_limit_high: %w", index, err)
		}
		p.BacklogLimitHighRaw = high
	} else {
		p.BacklogLimitHighRaw = int64(float64(limit) * p.BacklogFactor)
	}
	if p.BacklogLimitHighRaw < p.BacklogLimitRaw {
		return fmt.Errorf("peers[%d]: backlog high-water (%d) must be >= low-water (%d)", index, p.BacklogLimitHighRaw, p.BacklogLimitRaw)
	}

	if p.BandwidthCap != "" {
		cap, err := ParseByteSize(p.BandwidthCap)
		if err != nil {
			return fmt.Errorf("peers[%d].bandwidth_cap: %w", index, err)
		}
		p.BandwidthCapRaw = cap
	}

	if p.ArchiveBucket != "" && p.ArchivePrefix == "" {
		p.ArchivePrefix = "innfeed/" + p.Name
	}

	return nil
}
