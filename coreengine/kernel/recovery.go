// Package kernel provides panic recovery and stale-run cleanup.
//
// Phase code is user supplied; a panic inside it must become an ordinary
// error so the orchestrator can record a failed snapshot instead of
// crashing with state half-written.
package kernel

import (
	"fmt"
	"runtime/debug"

	"github.com/guardkit/agentbridge/coreengine/logging"
)

// PanicError is returned when a recovered panic is converted to an error.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

// SafeExecute executes a function with panic recovery.
// If the function panics, the panic is logged and a *PanicError is returned.
func SafeExecute(logger logging.Logger, operation string, fn func() error) error {
	_, err := SafeExecuteWithResult(logger, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// SafeExecuteWithResult executes a function with panic recovery and returns both result and error.
func SafeExecuteWithResult[T any](logger logging.Logger, operation string, fn func() (T, error)) (T, error) {
	var result T
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				if logger != nil {
					logger.Error("panic_recovered",
						"operation", operation,
						"panic", fmt.Sprint(r),
						"stack", stack,
					)
				}
				var zero T
				result = zero
				err = &PanicError{Operation: operation, Value: r, Stack: stack}
			}
		}()
		result, err = fn()
	}()

	return result, err
}
