package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Acks from the journal arrive out of order; only the contiguous prefix of
// acked rows may be persisted as a file offset. The window keeps in-flight
// rows as a linked list and collapses resolved nodes from the front.

type node[T any] struct {
	pos        int64
	payload    T
	prev, next *node[T]
}

type window[T any] struct {
	cpPos      int64
	cpPay      *T
	start, end *node[T]
}

func (w *window[T]) track(p T, size int64) func() *T {
	n := &node[T]{payload: p, pos: size}
	if w.start == nil {
		w.start = n
	}
	if w.end != nil {
		n.prev = w.end
		n.pos += w.end.pos
		w.end.next = n
	} else {
		n.pos += w.cpPos
	}
	w.end = n
	return func() *T {
		if n.prev != nil {
			n.prev.pos = n.pos
			n.prev.payload = n.payload
			n.prev.next = n.next
		} else {
			tmp := n.payload
			w.cpPay, w.cpPos = &tmp, n.pos
			w.start = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		} else {
			w.end = n.prev
		}
		return w.cpPay
	}
}

func (w *window[T]) pending() int64 {
	if w.end == nil {
		return 0
	}
	return w.end.pos - w.cpPos
}

func (w *window[T]) highest() *T { return w.cpPay }

// Window bounds how much may be in flight; Track blocks once the cap is
// reached, which is the source side's backstop against an unresponsive log.
type Window[T any] struct {
	w    *window[T]
	cap  int64
	cond *sync.Cond
}

func NewWindow[T any](cap int64) *Window[T] {
	return &Window[T]{w: &window[T]{}, cap: cap, cond: sync.NewCond(&sync.Mutex{})}
}

func (c *Window[T]) Track(ctx context.Context, p T, size int64) (func() *T, error) {
	c.cond.L.Lock()
	defer c.cond.L.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		c.cond.Broadcast()
	}()

	for pend := c.w.pending(); pend > 0 && pend+size > c.cap; pend = c.w.pending() {
		c.cond.Wait()
		if err := ctx.Err(); err != nil {
			return nil, errors.New("source: track canceled while window full")
		}
	}
	res := c.w.track(p, size)
	return func() *T {
		c.cond.L.Lock()
		defer c.cond.L.Unlock()
		r := res()
		c.cond.Broadcast()
		return r
	}, nil
}

// WaitIdle blocks until every tracked row has resolved. Used on EOF before
// a file may transition to COMPLETED.
func (c *Window[T]) WaitIdle(ctx context.Context) error {
	c.cond.L.Lock()
	defer c.cond.L.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		c.cond.Broadcast()
	}()

	for c.w.pending() > 0 {
		c.cond.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Window[T]) Pending() int64 {
	c.cond.L.Lock()
	defer c.cond.L.Unlock()
	return c.w.pending()
}

func (c *Window[T]) Highest() *T {
	c.cond.L.Lock()
	defer c.cond.L.Unlock()
	return c.w.highest()
}

// Tracker layers a persist cadence on the window: each resolve reports the
// highest contiguous payload and whether the durable offset is due for a
// flush.
type Tracker[T any] struct {
	win           *Window[T]
	commitEveryNS int64
	lastCommitNS  int64
}

func NewTracker[T any](cap int64, commitEvery time.Duration) *Tracker[T] {
	return &Tracker[T]{
		win:           NewWindow[T](cap),
		commitEveryNS: commitEvery.Nanoseconds(),
	}
}

func (t *Tracker[T]) Track(ctx context.Context, payload T) (resolve func() (highest *T, flushDue bool), err error) {
	res, err := t.win.Track(ctx, payload, 1)
	if err != nil {
		return nil, err
	}
	return func() (*T, bool) {
		highest := res()
		now := time.Now().UnixNano()
		if atomic.LoadInt64(&t.lastCommitNS)+t.commitEveryNS <= now {
			atomic.StoreInt64(&t.lastCommitNS, now)
			return highest, true
		}
		return highest, false
	}, nil
}

func (t *Tracker[T]) WaitIdle(ctx context.Context) error { return t.win.WaitIdle(ctx) }
func (t *Tracker[T]) Highest() *T                        { return t.win.Highest() }
func (t *Tracker[T]) Pending() int64                     { return t.win.Pending() }
