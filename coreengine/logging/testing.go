package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// NewObserved returns a Logger whose entries are captured in memory.
// Intended for tests that assert on emitted events and fields.
func NewObserved(level zapcore.Level) (Logger, *observer.ObservedLogs) {
	core, observed := observer.New(level)
	return FromZap(zap.New(core)), observed
}
