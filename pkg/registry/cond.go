package registry

import (
	"context"
	"sync"
	"time"
)

// cond is a condition variable layered on the registry's write lock.
// Unlike sync.Cond it supports waits bounded by a timeout or a context.
// broadcast must be called with the write lock held.
type cond struct {
	ch chan struct{}
}

func newCond() *cond {
	return &cond{ch: make(chan struct{})}
}

// broadcast wakes every current waiter
func (c *cond) broadcast() {
	close(c.ch)
	c.ch = make(chan struct{})
}

// wait releases mu, blocks until a broadcast, the timeout or ctx, then
// reacquires mu. A non-positive timeout waits without a deadline. It
// reports whether a broadcast woke it.
func (c *cond) wait(ctx context.Context, mu *sync.RWMutex, timeout time.Duration) bool {
	ch := c.ch
	mu.Unlock()
	defer mu.Lock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ch:
		return true
	case <-expired:
		return false
	case <-ctx.Done():
		return false
	}
}
