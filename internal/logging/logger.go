// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging builds the feeder's structured logger and exposes its
// level for runtime adjustment via SIGUSR1/SIGUSR2.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a slog.Logger at the given level and format ("json"
// default, or "text"). If filePath is non-empty, logs go to stdout and the
// file (io.MultiWriter); otherwise stdout only. The returned LevelVar can
// be adjusted at runtime (see RaiseVerbosity/LowerVerbosity) and the io.Closer must
// be called on shutdown to flush and close the log file, if any.
func NewLogger(level, format, filePath string) (*slog.Logger, *slog.LevelVar, io.Closer) {
	levelVar := &slog.LevelVar{}
	levelVar.Set(parseLevel(level))
	opts := &slog.HandlerOptions{Level: levelVar}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), levelVar, closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// levelSteps are the slog levels SIGUSR1/SIGUSR2 cycle through, from
// quietest to loudest.
var levelSteps = []slog.Level{slog.LevelError, slog.LevelWarn, slog.LevelInfo, slog.LevelDebug}

// RaiseVerbosity moves the logger one step louder (SIGUSR1), clamping at
// the loudest configured level.
func RaiseVerbosity(lv *slog.LevelVar) {
	idx := stepIndex(lv.Level())
	if idx < len(levelSteps)-1 {
		lv.Set(levelSteps[idx+1])
	}
}

// LowerVerbosity moves the logger one step quieter (SIGUSR2), clamping at
// the quietest configured level.
func LowerVerbosity(lv *slog.LevelVar) {
	idx := stepIndex(lv.Level())
	if idx > 0 {
		lv.Set(levelSteps[idx-1])
	}
}

func stepIndex(l slog.Level) int {
	for i, step := range levelSteps {
		if l == step {
			return i
		}
	}
	return 2 // closest to info if the level didn't land on a step
}
