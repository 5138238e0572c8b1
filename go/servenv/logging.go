// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package servenv wires up the process environment shared by the
// command-line tools: structured logging configured through flags.
package servenv

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Logger owns the slog configuration of one process.
type Logger struct {
	v *viper.Viper

	loggerOnce sync.Once
	loggerMu   sync.Mutex
	logger     *slog.Logger
}

// NewLogger creates a logger backed by the given viper instance.
func NewLogger(v *viper.Viper) *Logger {
	return &Logger{v: v}
}

// RegisterFlags registers logging-related command line flags.
// This must be called before flag parsing.
func (lg *Logger) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("log-format", "json", "Log format (json, text)")
	fs.String("log-output", "stdout", "Log output (stdout, stderr, or file path)")
	for _, name := range []string{"log-level", "log-format", "log-output"} {
		_ = lg.v.BindPFlag(name, fs.Lookup(name))
	}
}

// SetupLogging initializes the logger based on the configured flags.
// This should be called after flags are parsed but before any logging
// occurs.
func (lg *Logger) SetupLogging() {
	lg.loggerOnce.Do(func() {
		var level slog.Level
		levelStr := lg.v.GetString("log-level")
		switch strings.ToLower(levelStr) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		var output io.Writer
		outputStr := lg.v.GetString("log-output")
		switch strings.ToLower(outputStr) {
		case "", "stdout":
			output = os.Stdout
		case "stderr":
			output = os.Stderr
		default:
			file, err := os.OpenFile(outputStr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				output = os.Stdout
			} else {
				output = file
			}
		}

		var handler slog.Handler
		switch strings.ToLower(lg.v.GetString("log-format")) {
		case "text":
			handler = slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
		default:
			handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
		}

		newLogger := slog.New(handler)
		slog.SetDefault(newLogger)

		lg.loggerMu.Lock()
		lg.logger = newLogger
		lg.loggerMu.Unlock()

		newLogger.Info("logging initialized",
			"level", levelStr,
			"format", lg.v.GetString("log-format"),
			"output", outputStr,
		)
	})
}

// GetLogger returns the configured logger instance.
// SetupLogging must be called before this function.
func (lg *Logger) GetLogger() *slog.Logger {
	lg.loggerMu.Lock()
	defer lg.loggerMu.Unlock()
	if lg.logger == nil {
		return slog.Default()
	}
	return lg.logger
}
