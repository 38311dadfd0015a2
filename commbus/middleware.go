package commbus

import (
	"context"

	"github.com/guardkit/agentbridge/coreengine/logging"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs every event at debug and subscriber failures at warn.
type LoggingMiddleware struct {
	logger logging.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LoggingMiddleware{logger: logger.Bind("component", "commbus")}
}

// Before logs event receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, event Event) (Event, error) {
	m.logger.Debug("event_published", "event", event.EventName())
	return event, nil
}

// After logs subscriber failures. It never changes the error.
func (m *LoggingMiddleware) After(ctx context.Context, event Event, err error) error {
	if err != nil {
		m.logger.Warn("event_subscriber_failed", "event", event.EventName(), "error", err.Error())
	}
	return err
}

// =============================================================================
// ISOLATION MIDDLEWARE
// =============================================================================

// IsolationMiddleware swallows subscriber errors so that observers can never
// fail a run. Add it before LoggingMiddleware: After hooks run in reverse,
// so failures are still logged.
type IsolationMiddleware struct{}

// Before passes the event through.
func (IsolationMiddleware) Before(ctx context.Context, event Event) (Event, error) {
	return event, nil
}

// After drops the error.
func (IsolationMiddleware) After(ctx context.Context, event Event, err error) error {
	return nil
}
