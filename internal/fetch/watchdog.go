package fetch

import (
	"context"
	"os"
	"time"
)

// watchdog aborts a transfer whose stream has gone silent. Each received
// chunk kicks the timer; if it fires, the transfer context is cancelled with
// os.ErrDeadlineExceeded as the cause.
type watchdog struct {
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
}

func newWatchdog(parent context.Context, timeout time.Duration) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancelCause(parent)

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			cancel(os.ErrDeadlineExceeded)
		})
	}

	return ctx, &watchdog{cancel: cancel, timer: timer, timeout: timeout}
}

func (wd *watchdog) Kick() {
	if wd.timeout > 0 {
		wd.timer.Reset(wd.timeout)
	}
}

func (wd *watchdog) Stop() {
	if wd.timeout > 0 {
		wd.timer.Stop()
	}

	wd.cancel(nil)
}

// kickReader resets the watchdog on every successful read.
type kickReader struct {
	inner interface {
		Read(p []byte) (int, error)
	}
	wd *watchdog
}

func (kr *kickReader) Read(p []byte) (int, error) {
	n, err := kr.inner.Read(p)
	if n > 0 {
		kr.wd.Kick()
	}

	return n, err
}
