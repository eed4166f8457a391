package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	// ErrStalled is the cause attached to a transfer that received no data
	// for longer than the inactivity timeout.
	ErrStalled = fmt.Errorf("no data received: %w", os.ErrDeadlineExceeded)

	errStopRequested = errors.New("stop requested")
)

// stopPollInterval is how often a blocked read checks whether it should stop.
const stopPollInterval = 250 * time.Millisecond

// watchdog cancels a transfer's context when the body goes quiet for longer
// than timeout, or when running starts reporting false while a read is blocked.
type watchdog struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	timeout time.Duration
	done    chan struct{}
}

func newWatchdog(parent context.Context, timeout, poll time.Duration, running func() bool) (context.Context, *watchdog) {
	ctx, cancel := context.WithCancelCause(parent)
	wd := &watchdog{
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		done:    make(chan struct{}),
	}
	if timeout > 0 {
		wd.timer = time.AfterFunc(timeout, func() {
			cancel(ErrStalled)
		})
	}
	if poll > 0 {
		go wd.watchStop(poll, running)
	}
	return ctx, wd
}

func (wd *watchdog) watchStop(poll time.Duration, running func() bool) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-wd.done:
			return
		case <-wd.ctx.Done():
			return
		case <-ticker.C:
			if !running() {
				wd.cancel(errStopRequested)
				return
			}
		}
	}
}

// Kick pushes the inactivity deadline out by another timeout.
func (wd *watchdog) Kick() {
	if wd.timer != nil {
		wd.timer.Reset(wd.timeout)
	}
}

// Cause reports why the watchdog fired, or nil if it has not.
func (wd *watchdog) Cause() error {
	if wd.ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(wd.ctx)
	if errors.Is(cause, ErrStalled) || errors.Is(cause, errStopRequested) {
		return cause
	}
	return nil
}

func (wd *watchdog) Cancel() {
	if wd.timer != nil {
		wd.timer.Stop()
	}
	close(wd.done)
	wd.cancel(nil)
}
