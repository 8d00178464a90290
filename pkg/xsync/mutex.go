package xsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/facebookincubator/go-belt/tool/logger"
)

func fixCtx(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

// Mutex is a sync.Mutex that traces lock/unlock transitions and reports
// a diagnostic through errmon when a holder keeps it for over a minute.
type Mutex struct {
	mutex sync.Mutex

	cancelFunc       context.CancelFunc
	deadlockNotifier *time.Timer
}

func (m *Mutex) ManualLock(ctx context.Context) {
	ctx = fixCtx(ctx)
	noLogging := IsNoLogging(ctx)
	l := logger.FromCtx(ctx)
	if !noLogging {
		l.Tracef("locking")
	}
	m.mutex.Lock()

	ctx, m.cancelFunc = context.WithCancel(ctx)
	deadlockNotifier := time.NewTimer(time.Minute)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-deadlockNotifier.C:
		}
		errmon.ObserveErrorCtx(ctx, fmt.Errorf("got a deadlock"))
	}()
	m.deadlockNotifier = deadlockNotifier

	if !noLogging {
		l.Tracef("locked")
	}
}

func (m *Mutex) ManualUnlock(ctx context.Context) {
	ctx = fixCtx(ctx)
	noLogging := IsNoLogging(ctx)
	l := logger.FromCtx(ctx)
	if !noLogging {
		l.Tracef("unlocking")
	}

	m.deadlockNotifier.Stop()
	m.cancelFunc()
	m.deadlockNotifier, m.cancelFunc = nil, nil

	m.mutex.Unlock()
	if !noLogging {
		l.Tracef("unlocked")
	}
}

func (m *Mutex) Do(
	ctx context.Context,
	fn func(),
) {
	m.ManualLock(ctx)
	defer m.ManualUnlock(ctx)
	fn()
}

// DoR1 runs fn under the mutex and returns its result.
func DoR1[R0 any](
	ctx context.Context,
	m *Mutex,
	fn func() R0,
) R0 {
	var (
		r0 R0
	)
	m.Do(ctx, func() {
		r0 = fn()
	})
	return r0
}
