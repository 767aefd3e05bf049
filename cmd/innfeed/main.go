// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/nishisan-dev/innfeed/internal/config"
	"github.com/nishisan-dev/innfeed/internal/feeder"
	"github.com/nishisan-dev/innfeed/internal/logging"
	"github.com/nishisan-dev/innfeed/internal/status"
)

// version is set via ldflags at build time (-X main.version=x.y.z).
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("c", "/etc/innfeed/innfeed.yaml", "path to config file")
	backlogDir := flag.String("b", "", "override backlog directory")
	spoolDir := flag.String("a", "", "override article-spool root")
	subprocess := flag.String("s", "", "run this subprocess and read dispatcher lines from its stdout")
	drainExit := flag.Bool("x", false, "accept no new input; wait for in-memory peer queues to empty then exit (backlog files are left on disk)")
	dynamicPeers := flag.Bool("y", false, "create peers dynamically for unknown names in dispatcher lines")
	logLevel := flag.String("d", "", "override log level (debug/info/warn/error)")
	tapeSizeCap := flag.String("e", "", "override every peer's backlog_limit, e.g. 5mb")
	logFile := flag.String("l", "", "redirect log output to this file in addition to stdout")
	logMissing := flag.Bool("m", false, "log articles offered to no configured peer")
	_ = flag.Bool("M", false, "disable mmap (no-op: innfeed never memory-maps article files)")
	pidFile := flag.String("p", "", "override pid file path")
	showVersion := flag.Bool("v", false, "print version and exit")
	checkConfig := flag.Bool("C", false, "parse config, report errors, and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("innfeed", version)
		return 0
	}

	cfg, err := config.LoadFeederConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "innfeed: loading config: %v\n", err)
		return 1
	}
	applyOverrides(cfg, *backlogDir, *spoolDir, *tapeSizeCap, *pidFile)

	if *checkConfig {
		fmt.Println("innfeed: config OK:", *configPath)
		return 0
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logFilePath := cfg.Logging.File
	if *logFile != "" {
		logFilePath = *logFile
	}
	logger, levelVar, closer := logging.NewLogger(level, cfg.Logging.Format, logFilePath)
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if free, derr := status.DirFreeBytes(ctx, cfg.Paths.SpoolDir); derr != nil {
		logger.Error("article spool directory unavailable", "dir", cfg.Paths.SpoolDir, "error", derr)
		return 1
	} else if free == 0 {
		logger.Error("article spool filesystem reports no free space", "dir", cfg.Paths.SpoolDir)
		return 1
	}

	newStatus := func(peers map[string]*feeder.Peer) feeder.StatusWriter {
		if cfg.Paths.StatusFile == "" {
			return nil
		}
		return status.NewWriter(cfg.Paths.StatusFile, cfg.Paths.BacklogDir, peers, logger)
	}

	d, err := feeder.NewDispatcher(ctx, cfg, *dynamicPeers, *logMissing, newStatus, logger)
	if err != nil {
		logger.Error("building dispatcher", "error", err)
		return 1
	}

	if *drainExit {
		d.Start(ctx)
		d.DrainAndExit(ctx)
		d.Stop(context.Background())
		return 0
	}

	inputPath := flag.Arg(0)

	var readInput func(context.Context) error
	switch {
	case *subprocess != "":
		readInput = func(ctx context.Context) error { return runSubprocess(ctx, d, *subprocess, logger) }
	case inputPath != "":
		readInput = func(ctx context.Context) error { return d.RunFunnelFile(ctx, inputPath) }
	default:
		readInput = func(ctx context.Context) error { return d.RunStdin(ctx, os.Stdin) }
	}

	go func() {
		if err := readInput(ctx); err != nil && ctx.Err() == nil {
			logger.Error("input reader stopped", "error", err)
		}
		cancel()
	}()

	if err := feeder.RunDaemon(ctx, *configPath, d, levelVar, cfg.Paths.PidFile); err != nil {
		logger.Error("daemon error", "error", err)
		return 1
	}
	return 0
}

// applyOverrides layers command-line flags on top of the loaded config,
// flags taking precedence, the same order the teacher's CLI applies
// --config overrides before daemon startup.
func applyOverrides(cfg *config.FeederConfig, backlogDir, spoolDir, tapeSizeCap, pidFile string) {
	if backlogDir != "" {
		cfg.Paths.BacklogDir = backlogDir
	}
	if spoolDir != "" {
		cfg.Paths.SpoolDir = spoolDir
	}
	if pidFile != "" {
		cfg.Paths.PidFile = pidFile
	}
	if tapeSizeCap == "" {
		return
	}
	raw, err := config.ParseByteSize(tapeSizeCap)
	if err != nil {
		return
	}
	for i := range cfg.Peers {
		cfg.Peers[i].BacklogLimitRaw = raw
		high := int64(float64(raw) * cfg.Peers[i].BacklogFactor)
		if cfg.Peers[i].BacklogLimitHighRaw < raw {
			cfg.Peers[i].BacklogLimitHighRaw = high
		}
	}
}

// runSubprocess runs cmdLine via the shell and feeds its stdout to the
// dispatcher line by line, the `-s` flag's replacement for reading
// dispatcher commands from stdin.
func runSubprocess(ctx context.Context, d *feeder.Dispatcher, cmdLine string, logger *slog.Logger) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdLine)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("innfeed: wiring subprocess stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("innfeed: starting subprocess %q: %w", cmdLine, err)
	}

	runErr := d.RunStdin(ctx, stdout)
	waitErr := cmd.Wait()
	if runErr != nil {
		return runErr
	}
	if waitErr != nil {
		logger.Warn("subprocess exited with error", "cmd", cmdLine, "error", waitErr)
	}
	return nil
}
