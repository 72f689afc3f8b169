// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below slog.LevelDebug for pion's packet-level trace
// output.
const LevelTrace = slog.LevelDebug - 4

// PionLoggerFactory routes pion's ICE, DTLS, and SCTP logging into an
// slog.Logger, tagging each record with the pion scope.
type PionLoggerFactory struct {
	Logger *slog.Logger
}

var _ logging.LoggerFactory = PionLoggerFactory{}

// NewLogger implements logging.LoggerFactory.
func (f PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &pionLogger{logger: logger.With("pion", scope)}
}

type pionLogger struct {
	logger *slog.Logger
}

func (l *pionLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *pionLogger) logf(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Trace(msg string)                  { l.log(LevelTrace, msg) }
func (l *pionLogger) Tracef(format string, args ...any) { l.logf(LevelTrace, format, args...) }
func (l *pionLogger) Debug(msg string)                  { l.log(slog.LevelDebug, msg) }
func (l *pionLogger) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l *pionLogger) Info(msg string)                   { l.log(slog.LevelInfo, msg) }
func (l *pionLogger) Infof(format string, args ...any)  { l.logf(slog.LevelInfo, format, args...) }
func (l *pionLogger) Warn(msg string)                   { l.log(slog.LevelWarn, msg) }
func (l *pionLogger) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l *pionLogger) Error(msg string)                  { l.log(slog.LevelError, msg) }
func (l *pionLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
