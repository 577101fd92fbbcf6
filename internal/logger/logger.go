// Copyright 2024 Paul Betts. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the process-wide leveled logger. Everything is
// written through a single factory so that switching to a rotating log file
// after daemonizing retargets every consumer, including the fuse library's
// debug and error loggers.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity names accepted in configuration, from most to least verbose.
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// Custom levels surrounding the slog built-ins.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

// InBackgroundMode names the variable that the parent sets to "true" in the
// daemon's environment. Nothing in the child reads it back.
const InBackgroundMode = "VCACHEFS_IN_BACKGROUND_MODE"

// RotateConfig mirrors cfg's log-rotate section without importing it.
type RotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

type loggerFactory struct {
	// If non-nil, log to this rotating file instead of stderr.
	file            *lumberjack.Logger
	format          string
	level           string
	levelVar        *slog.LevelVar
	rotateCfg       RotateConfig
}

var defaultLoggerFactory = &loggerFactory{
	format:   "json",
	level:    INFO,
	levelVar: new(slog.LevelVar),
}

var defaultLogger = defaultLoggerFactory.newLogger()

func (f *loggerFactory) writer() io.Writer {
	if f.file != nil {
		return f.file
	}
	return os.Stderr
}

func (f *loggerFactory) newLogger() *slog.Logger {
	setLoggingLevel(f.level, f.levelVar)
	return slog.New(f.createJsonOrTextHandler(f.writer(), f.levelVar, ""))
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: renameSeverity,
	}
	if f.format == "text" {
		return &prefixHandler{slog.NewTextHandler(w, opts), prefix}
	}
	return &prefixHandler{slog.NewJSONHandler(w, opts), prefix}
}

// renameSeverity maps slog's level key and names onto the severity set used
// in our configuration surface.
func renameSeverity(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		a.Key = "severity"
		switch a.Value.Any().(slog.Level) {
		case LevelTrace:
			a.Value = slog.StringValue(TRACE)
		case LevelWarn:
			a.Value = slog.StringValue(WARNING)
		}
	}
	if a.Key == slog.MessageKey {
		a.Key = "message"
	}
	return a
}

type prefixHandler struct {
	slog.Handler
	prefix string
}

func (h *prefixHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = h.prefix + r.Message
	return h.Handler.Handle(ctx, r)
}

func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch level {
	case TRACE:
		programLevel.Set(LevelTrace)
	case DEBUG:
		programLevel.Set(LevelDebug)
	case WARNING:
		programLevel.Set(LevelWarn)
	case ERROR:
		programLevel.Set(LevelError)
	case OFF:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

// SetLogFormat rebuilds the default logger with the given format ("text" or
// "json").
func SetLogFormat(format string) {
	if format == "" {
		format = "json"
	}
	defaultLoggerFactory.format = format
	defaultLogger = defaultLoggerFactory.newLogger()
}

// InitLogFile redirects the default logger to filePath with rotation. Call
// after daemonizing, before mounting.
func InitLogFile(filePath string, format string, severity string, rotate RotateConfig) error {
	if filePath == "" {
		return fmt.Errorf("no log file path given")
	}
	defaultLoggerFactory.file = &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    rotate.MaxFileSizeMB,
		MaxBackups: rotate.BackupFileCount,
		Compress:   rotate.Compress,
	}
	defaultLoggerFactory.format = format
	defaultLoggerFactory.level = severity
	defaultLoggerFactory.rotateCfg = rotate
	defaultLogger = defaultLoggerFactory.newLogger()
	return nil
}

// SetLogSeverity adjusts the default logger's threshold in place.
func SetLogSeverity(severity string) {
	defaultLoggerFactory.level = severity
	setLoggingLevel(severity, defaultLoggerFactory.levelVar)
}

// NewLegacyLogger returns a *log.Logger that forwards into the default
// logger at the given level, for libraries that want the standard interface
// (the fuse MountConfig's ErrorLogger and DebugLogger).
func NewLegacyLogger(level slog.Level, prefix string) *log.Logger {
	return log.New(&legacyWriter{level: level, prefix: prefix}, "", 0)
}

type legacyWriter struct {
	level  slog.Level
	prefix string
}

func (w *legacyWriter) Write(p []byte) (int, error) {
	defaultLogger.Log(context.Background(), w.level, w.prefix+string(p))
	return len(p), nil
}

func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...interface{}) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

func Info(msg string) {
	defaultLogger.Info(msg)
}

func Infof(format string, v ...interface{}) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...interface{}) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...interface{}) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}
