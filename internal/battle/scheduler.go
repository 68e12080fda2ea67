package battle

import (
	"context"
	"time"
)

// Scheduler runs fn once after d unless stopped or ctx is cancelled first.
// Implementations must not block the caller.
type Scheduler interface {
	Schedule(ctx context.Context, d time.Duration, fn func()) (stop func())
}

// SystemScheduler is backed by time.AfterFunc.
type SystemScheduler struct{}

func (SystemScheduler) Schedule(ctx context.Context, d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, func() {
		if ctx.Err() == nil {
			fn()
		}
	})
	unhook := context.AfterFunc(ctx, func() { t.Stop() })
	return func() {
		t.Stop()
		unhook()
	}
}
