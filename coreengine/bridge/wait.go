package bridge

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/guardkit/agentbridge/coreengine/envelope"
	"github.com/guardkit/agentbridge/coreengine/fsutil"
)

// DefaultPollInterval is the fallback check period for WaitForResponse.
const DefaultPollInterval = 500 * time.Millisecond

// WaitForResponse blocks until the response file is completely written or
// ctx is done.
//
// Agents that create the file and then write it in place are tolerated: an
// empty file or JSON cut off mid-value counts as not written yet, and the
// wait goes on until the next write or tick. Complete contents end the wait
// even when invalid, so LoadResponse reports them.
//
// A watcher on the run directory reports writes and the atomic rename of the
// response into place. A ticker re-checks on poll in case the watcher is
// unavailable or misses the event (network filesystems).
func (i *Invoker) WaitForResponse(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if i.responseReady() {
		return nil
	}

	var events <-chan fsnotify.Event
	var errs <-chan error

	dir := filepath.Dir(i.responsePath)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		i.logger.Warn("response_watch_unavailable", "error", err.Error())
	} else {
		defer func() { _ = watcher.Close() }()
		if err := os.MkdirAll(dir, fsutil.DirPerm); err != nil {
			return err
		}
		if err := watcher.Add(dir); err != nil {
			i.logger.Warn("response_watch_unavailable", "dir", dir, "error", err.Error())
		} else {
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	// The file may have been written between the first check and Add.
	if i.responseReady() {
		return nil
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	target := filepath.Base(i.responsePath)
	i.logger.Info("response_wait_started", "path", i.responsePath)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(event.Name) == target && event.Op&(fsnotify.Create|fsnotify.Write) != 0 && i.responseReady() {
				i.logger.Info("response_detected", "path", i.responsePath)
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			i.logger.Warn("response_watch_error", "error", err.Error())
		case <-ticker.C:
			if i.responseReady() {
				i.logger.Info("response_detected", "path", i.responsePath)
				return nil
			}
		}
	}
}

// responseReady reports whether the response file exists and has been
// written completely.
func (i *Invoker) responseReady() bool {
	data, err := os.ReadFile(i.responsePath)
	if err != nil {
		return false
	}
	if _, err := envelope.DecodeResponse(data, i.responsePath); err != nil && envelope.Incomplete(data) {
		i.logger.Debug("response_incomplete", "path", i.responsePath, "bytes", len(data))
		return false
	}
	return true
}
