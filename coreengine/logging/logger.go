// Package logging provides the structured Logger used across the engine.
//
// Components log snake_case event names with key/value pairs:
//
//	logger.Info("phase_committed", "phase", name, "phase_index", i)
//
// The production implementation is backed by zap. Output goes to stderr
// so that stdout stays reserved for machine-readable command results.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Bind(keysAndValues ...any) Logger
}

// Options configures a ZapLogger.
type Options struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string
	// Format is "json" or "console". Default: console.
	Format string
	// Output receives encoded entries. Default: os.Stderr.
	Output io.Writer
}

// ZapLogger implements Logger on top of a zap SugaredLogger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a ZapLogger from options.
func New(opts Options) (*ZapLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	core := zapcore.NewCore(newEncoder(opts.Format), zapcore.Lock(zapcore.AddSync(out)), level)
	return FromZap(zap.New(core)), nil
}

// FromZap wraps an existing zap logger.
func FromZap(z *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: z.Sugar()}
}

// ParseLevel converts a level name into a zap level. Empty means info.
func ParseLevel(name string) (zapcore.Level, error) {
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(strings.ToLower(name))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return level, nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "json" {
		return zapcore.NewJSONEncoder(encoderCfg)
	}
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encoderCfg)
}

func (l *ZapLogger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *ZapLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *ZapLogger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *ZapLogger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Bind returns a child logger carrying the given fields.
func (l *ZapLogger) Bind(keysAndValues ...any) Logger {
	return &ZapLogger{sugar: l.sugar.With(keysAndValues...)}
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	err := l.sugar.Sync()
	// stderr/stdout report EINVAL or ENOTTY on sync for terminals and pipes
	if err != nil && (errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)) {
		return nil
	}
	return err
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return FromZap(zap.NewNop())
}

// Ensure ZapLogger implements Logger.
var _ Logger = (*ZapLogger)(nil)
