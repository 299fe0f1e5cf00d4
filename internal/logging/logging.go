/*
Copyright 2026 The Codeguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging constructs the process-wide logr.Logger, backed by
// zap, that every constructor in this module accepts. Components never
// import zap directly; they depend on the logr.Logger interface so
// that the backend stays swappable.
package logging

import (
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logr.Logger at the given level ("debug", "info", "warn",
// "error"; unrecognized values fall back to "info").
func New(level string) logr.Logger {
	zapLevel := parseLevel(level)

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zl, err := cfg.Build()
	if err != nil {
		// Building a logger should never fail for the production
		// config; if it does we still need something to log with.
		zl = zap.NewNop()
	}
	return zapr.NewLogger(zl)
}

// NoOp returns a logger that discards everything, for tests that don't
// care about log output.
func NoOp() logr.Logger {
	return zapr.NewLogger(zap.NewNop())
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
