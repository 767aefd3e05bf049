// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the feeder's YAML configuration:
// global daemon options plus one entry per peer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FeederConfig is the top-level daemon configuration: spool paths, file
// descriptor limits, default peer parameters, and the list of peers.
type FeederConfig struct {
	Paths     PathsInfo    `yaml:"paths"`
	Limits    LimitsInfo   `yaml:"limits"`
	Defaults  PeerDefaults `yaml:"defaults"`
	Peers     []PeerConfig `yaml:"peers"`
	Logging   LoggingInfo  `yaml:"logging"`
	Scheduler Schedule     `yaml:"scheduler"`
}

// PathsInfo locates the feeder's persistent state on disk.
type PathsInfo struct {
	BacklogDir string `yaml:"backlog_dir"`
	SpoolDir   string `yaml:"spool_dir"`
	StatusFile string `yaml:"status_file"`
	PidFile    string `yaml:"pid_file"`
	DroppedLog string `yaml:"dropped_log"`
}

// LimitsInfo bounds process-wide resources.
type LimitsInfo struct {
	MaxOpenFiles     int    `yaml:"max_open_files"`
	ArticleCacheSize string `yaml:"article_cache_size"` // e.g. "256mb"
	ArticleCacheRaw  int64  `yaml:"-"`
}

// PeerDefaults supplies fallback values for peer entries and for peers
// created dynamically (the -y command-line flag). Streaming and
// DropDeferred are copied only into dynamically created peers; a peer
// entry's own values for those two are used as written.
type PeerDefaults struct {
	Port               int           `yaml:"port"`
	InitialConnections int           `yaml:"initial_connections"`
	MaxConnections     int           `yaml:"max_connections"`
	Streaming          bool          `yaml:"streaming"`
	ArticleTimeout     time.Duration `yaml:"article_timeout"`
	ResponseTimeout    time.Duration `yaml:"response_timeout"`
	InitialSleep       time.Duration `yaml:"initial_sleep"`
	MaxSleep           time.Duration `yaml:"max_sleep"`
	BacklogLimit       string        `yaml:"backlog_limit"`
	BacklogFactor      float64       `yaml:"backlog_factor"`
	DropDeferred       bool          `yaml:"drop_deferred"`
}

// Schedule configures the cron-driven maintenance jobs (tape checkpoint,
// DNS re-resolution sweep, status-file refresh).
type Schedule struct {
	CheckpointCron  string `yaml:"checkpoint_cron"`
	DNSRefreshCron  string `yaml:"dns_refresh_cron"`
	StatusWriteCron string `yaml:"status_write_cron"`
}

// LoggingInfo contains slog handler configuration.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LoadFeederConfig reads and validates the feeder's YAML configuration.
func LoadFeederConfig(path string) (*FeederConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading feeder config: %w", err)
	}

	var cfg FeederConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing feeder config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating feeder config: %w", err)
	}

	return &cfg, nil
}

func (c *FeederConfig) validate() error {
	if c.Paths.BacklogDir == "" {
		return fmt.Errorf("paths.backlog_dir is required")
	}
	if c.Paths.SpoolDir == "" {
		return fmt.Errorf("paths.spool_dir is required")
	}
	if c.Paths.DroppedLog == "" {
		c.Paths.DroppedLog = c.Paths.BacklogDir + "/dropped.log"
	}

	if c.Limits.MaxOpenFiles <= 0 {
		c.Limits.MaxOpenFiles = 1024
	}
	if c.Limits.ArticleCacheSize == "" {
		c.Limits.ArticleCacheSize = "256mb"
	}
	parsed, err := ParseByteSize(c.Limits.ArticleCacheSize)
	if err != nil {
		return fmt.Errorf("limits.article_cache_size: %w", err)
	}
	c.Limits.ArticleCacheRaw = parsed

	if c.Defaults.InitialConnections <= 0 {
		c.Defaults.InitialConnections = 1
	}
	if c.Defaults.MaxConnections <= 0 {
		c.Defaults.MaxConnections = 4
	}
	if c.Defaults.ArticleTimeout <= 0 {
		c.Defaults.ArticleTimeout = 10 * time.Minute
	}
	if c.Defaults.ResponseTimeout <= 0 {
		c.Defaults.ResponseTimeout = 1 * time.Minute
	}
	if c.Defaults.InitialSleep <= 0 {
		c.Defaults.InitialSleep = 10 * time.Second
	}
	if c.Defaults.MaxSleep <= 0 {
		c.Defaults.MaxSleep = 20 * time.Minute
	}
	if c.Defaults.BacklogLimit == "" {
		c.Defaults.BacklogLimit = "1mb"
	}
	if c.Defaults.BacklogFactor <= 0 {
		c.Defaults.BacklogFactor = 1.5
	}

	if len(c.Peers) == 0 {
		return fmt.Errorf("peers must have at least one entry")
	}
	seen := make(map[string]bool, len(c.Peers))
	for i := range c.Peers {
		if err := c.Peers[i].applyDefaultsAndValidate(c.Defaults, i); err != nil {
			return err
		}
		if seen[c.Peers[i].Name] {
			return fmt.Errorf("peers[%d]: duplicate peer name %q", i, c.Peers[i].Name)
		}
		seen[c.Peers[i].Name] = true
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Scheduler.CheckpointCron == "" {
		c.Scheduler.CheckpointCron = "@every 1m"
	}
	if c.Scheduler.DNSRefreshCron == "" {
		c.Scheduler.DNSRefreshCron = "@every 5m"
	}
	if c.Scheduler.StatusWriteCron == "" {
		c.Scheduler.StatusWriteCron = "@every 30s"
	}

	return nil
}

// ParseByteSize converts human-readable size strings like "256mb" or "1gb"
// into a byte count. Suffixes are matched longest-first so "mb" is never
// mistaken for "b".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
