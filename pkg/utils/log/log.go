// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package log centralizes logger construction. Packages obtain named child
// loggers from Log at init time; the root core is swapped in place when
// InitLogger runs, so configuration applies to children created earlier.
package log

import (
	"flag"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const FlagName = "log-verbosity"

var (
	root = newSwappableCore(defaultCore())

	// Log is the root logger. It is usable before InitLogger runs (it then
	// logs at info level to stderr) and follows the configuration installed
	// by InitLogger.
	Log logr.Logger = zapr.NewLogger(zap.New(root))

	verbosity = flag.Int(FlagName, 0, "Verbosity level of logs (-2=Error, -1=Warn, 0=Info, >0=Debug)")

	initOnce sync.Once
)

// BindFlags attaches logging flags to the given flag set.
func BindFlags(flags *pflag.FlagSet) {
	flags.AddGoFlag(flag.Lookup(FlagName))
}

type logBuilder struct {
	verbosity   *int
	development bool
	logDir      string
}

// Option represents log configuration options.
type Option func(*logBuilder)

// WithVerbosity sets the log verbosity level.
// Standard levels: 1 → Debug, 0 → Info, -1 → Warn, -2 → Error; values
// above 1 increase debug verbosity further.
func WithVerbosity(v int) Option {
	return func(lb *logBuilder) { lb.verbosity = &v }
}

// WithDevelopmentMode switches to a colorized console encoder.
func WithDevelopmentMode(enabled bool) Option {
	return func(lb *logBuilder) { lb.development = enabled }
}

// WithLogDir duplicates log output to {dir}/certkeeper.log in addition to stderr.
func WithLogDir(dir string) Option {
	return func(lb *logBuilder) { lb.logDir = dir }
}

// InitLogger initializes the global logger. Subsequent calls are no-ops.
func InitLogger(opts ...Option) {
	initOnce.Do(func() {
		lb := &logBuilder{verbosity: verbosity}
		for _, opt := range opts {
			opt(lb)
		}
		root.swap(buildCore(lb))
	})
}

func buildCore(lb *logBuilder) zapcore.Core {
	level := determineLogLevel(lb.verbosity)

	var encoder zapcore.Encoder
	if lb.development {
		conf := zap.NewDevelopmentEncoderConfig()
		conf.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(conf)
	} else {
		conf := zap.NewProductionEncoderConfig()
		conf.MessageKey = "message"
		conf.TimeKey = "@timestamp"
		conf.LevelKey = "log.level"
		conf.NameKey = "log.logger"
		conf.StacktraceKey = "error.stack_trace"
		conf.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(conf)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	if lb.logDir != "" {
		if f, err := os.OpenFile(filepath.Join(lb.logDir, "certkeeper.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err == nil {
			core = zapcore.NewTee(core, zapcore.NewCore(encoder, zapcore.Lock(f), level))
		}
	}
	return core
}

// determineLogLevel maps the verbosity flag onto zap levels; values above 1
// become increasingly verbose custom debug levels.
func determineLogLevel(v *int) zap.AtomicLevel {
	switch {
	case v == nil:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case *v > 1:
		return zap.NewAtomicLevelAt(zapcore.Level(-*v))
	case *v == 1:
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case *v == -1:
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case *v < -1:
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

func defaultCore() zapcore.Core {
	conf := zap.NewProductionEncoderConfig()
	conf.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(zapcore.NewJSONEncoder(conf), zapcore.Lock(os.Stderr), zapcore.InfoLevel)
}

// swappableCore delegates to an atomically replaceable inner core. Child
// loggers built before InitLogger keep pointing here and observe the swap.
type swappableCore struct {
	inner atomic.Pointer[zapcore.Core]
}

func newSwappableCore(core zapcore.Core) *swappableCore {
	s := &swappableCore{}
	s.inner.Store(&core)
	return s
}

func (s *swappableCore) swap(core zapcore.Core) { s.inner.Store(&core) }

func (s *swappableCore) load() zapcore.Core { return *s.inner.Load() }

func (s *swappableCore) Enabled(level zapcore.Level) bool { return s.load().Enabled(level) }

// With snapshots the current core; loggers carrying structured context
// created before InitLogger will not observe the swap, which is acceptable
// for the short pre-init window.
func (s *swappableCore) With(fields []zapcore.Field) zapcore.Core { return s.load().With(fields) }

func (s *swappableCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return checked.AddCore(entry, s)
	}
	return checked
}

func (s *swappableCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return s.load().Write(entry, fields)
}

func (s *swappableCore) Sync() error { return s.load().Sync() }
