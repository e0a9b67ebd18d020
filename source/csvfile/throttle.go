package csvfile

import (
	"context"
	"sync"
	"time"
)

// Throttle is a token bucket bounding emitted rows per second, refilled on
// a fixed tick. Zero-rate configs skip it entirely.
type Throttle struct {
	capacity int64
	refill   int64

	mu     sync.Mutex
	tokens int64
	cond   *sync.Cond
	closed bool
}

func NewThrottle(rowsPerSec int64) *Throttle {
	tick := 100 * time.Millisecond
	t := &Throttle{
		capacity: rowsPerSec,
		refill:   rowsPerSec / 10,
		tokens:   rowsPerSec,
	}
	if t.refill == 0 {
		t.refill = 1
	}
	t.cond = sync.NewCond(&t.mu)

	go func() {
		tk := time.NewTicker(tick)
		defer tk.Stop()
		for range tk.C {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				return
			}
			t.tokens += t.refill
			if t.tokens > t.capacity {
				t.tokens = t.capacity
			}
			t.mu.Unlock()
			t.cond.Broadcast()
		}
	}()
	return t
}

func (t *Throttle) Acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, t.cond.Broadcast)
	defer stop()

	t.mu.Lock()
	for t.tokens == 0 && ctx.Err() == nil && !t.closed {
		t.cond.Wait()
	}
	if ctx.Err() != nil {
		t.mu.Unlock()
		return ctx.Err()
	}
	t.tokens--
	t.mu.Unlock()
	return nil
}

func (t *Throttle) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cond.Broadcast()
}
