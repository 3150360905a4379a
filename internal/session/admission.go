package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"portfolio-session-server/internal/browser"
)

// admission caps the number of live browsers across all sessions. A slot
// is taken when a driver opens and returned when that driver closes.
type admission struct {
	sem     *semaphore.Weighted
	max     int
	open    atomic.Int64
	maxWait time.Duration
	factory browser.Factory
}

func newAdmission(factory browser.Factory, max int, maxWait time.Duration) *admission {
	return &admission{
		sem:     semaphore.NewWeighted(int64(max)),
		max:     max,
		maxWait: maxWait,
		factory: factory,
	}
}

func (a *admission) Open(ctx context.Context) (browser.Driver, error) {
	wctx, cancel := context.WithTimeout(ctx, a.maxWait)
	defer cancel()
	if err := a.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrQueueTimeout
	}
	d, err := a.factory.Open(ctx)
	if err != nil {
		a.sem.Release(1)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBrowserUnavailable, err)
	}
	a.open.Add(1)
	return &admittedDriver{Driver: d, release: func() {
		a.open.Add(-1)
		a.sem.Release(1)
	}}, nil
}

func (a *admission) InUse() int { return int(a.open.Load()) }

// admittedDriver returns its admission slot exactly once.
type admittedDriver struct {
	browser.Driver
	once    sync.Once
	err     error
	release func()
}

func (d *admittedDriver) Close() error {
	d.once.Do(func() {
		d.err = d.Driver.Close()
		d.release()
	})
	return d.err
}
