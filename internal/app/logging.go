// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"io"
	"log/slog"
	"strings"

	"github.com/mobiletoly/go-boatsync/config"
)

// NewLogger builds the process logger from the log section of the config
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
