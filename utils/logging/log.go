// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gopkg.in/natefinch/lumberjack.v2"
)

var _ Logger = (*log)(nil)

// Logger defines the interface that is used to keep a record of all events
// that happen to the program
type Logger interface {
	// Fatal that the program is reaching an unrecoverable state
	Fatal(msg string, fields ...zap.Field)
	// Error that the program is in an unexpected state
	Error(msg string, fields ...zap.Field)
	// Warn that the program entered an unexpected state that it can recover
	// from
	Warn(msg string, fields ...zap.Field)
	// Info highlights of the execution of the program
	Info(msg string, fields ...zap.Field)
	// Debug messages useful when debugging the execution of the program
	Debug(msg string, fields ...zap.Field)

	// With returns a logger that attaches [fields] to every entry
	With(fields ...zap.Field) Logger

	// Stop the logger, flushing any buffered messages
	Stop()
}

type log struct {
	internal *zap.Logger
}

// Config describes where and how verbosely a logger writes.
type Config struct {
	// Directory to write rotated log files into. Empty disables file output.
	Directory string
	// LogLevel is the minimum level written to disk.
	LogLevel zapcore.Level
	// DisplayLevel is the minimum level written to stdout.
	DisplayLevel zapcore.Level
	// MaxSizeMB and MaxFiles bound the rotated files.
	MaxSizeMB int
	MaxFiles  int
}

// NewLogger returns a logger named [name] that writes to stdout and, if
// configured, to a size-rotated file [name].log.
func NewLogger(name string, config Config) Logger {
	consoleEnc := zapcore.NewConsoleEncoder(newEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stdout), config.DisplayLevel),
	}
	if config.Directory != "" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.Directory + "/" + name + ".log",
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxFiles,
			Compress:   true,
		})
		fileEnc := zapcore.NewJSONEncoder(newEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEnc, fileWriter, config.LogLevel))
	}
	internal := zap.New(
		zapcore.NewTee(cores...),
		zap.WithCaller(true),
	).Named(name)
	return &log{internal: internal}
}

func newEncoderConfig() zapcore.EncoderConfig {
	config := zap.NewProductionEncoderConfig()
	config.EncodeLevel = zapcore.CapitalLevelEncoder
	config.EncodeTime = zapcore.RFC3339TimeEncoder
	return config
}

func (l *log) Fatal(msg string, fields ...zap.Field) {
	l.internal.Fatal(msg, fields...)
}

func (l *log) Error(msg string, fields ...zap.Field) {
	l.internal.Error(msg, fields...)
}

func (l *log) Warn(msg string, fields ...zap.Field) {
	l.internal.Warn(msg, fields...)
}

func (l *log) Info(msg string, fields ...zap.Field) {
	l.internal.Info(msg, fields...)
}

func (l *log) Debug(msg string, fields ...zap.Field) {
	l.internal.Debug(msg, fields...)
}

func (l *log) With(fields ...zap.Field) Logger {
	return &log{internal: l.internal.With(fields...)}
}

func (l *log) Stop() {
	_ = l.internal.Sync()
}
