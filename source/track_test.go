package source

import (
	"context"
	"testing"
	"time"
)

type progress struct {
	offset int64
	rows   int64
}

func TestWindowContiguousPrefix(t *testing.T) {
	w := NewWindow[progress](10)
	ctx := context.Background()

	r1, err := w.Track(ctx, progress{offset: 100, rows: 1}, 1)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	r2, _ := w.Track(ctx, progress{offset: 200, rows: 2}, 1)
	r3, _ := w.Track(ctx, progress{offset: 300, rows: 3}, 1)

	// out of order: the middle row alone must not advance the prefix
	if got := r2(); got != nil {
		t.Fatalf("resolving a non-prefix row advanced to %+v", got)
	}
	got := r1()
	if got == nil || got.offset != 200 {
		t.Fatalf("prefix after r1+r2 = %+v, want offset 200", got)
	}
	got = r3()
	if got == nil || got.offset != 300 {
		t.Fatalf("prefix after all = %+v, want offset 300", got)
	}
	if w.Pending() != 0 {
		t.Fatalf("pending = %d after full resolve", w.Pending())
	}
}

func TestWindowBlocksAtCap(t *testing.T) {
	w := NewWindow[progress](2)
	ctx := context.Background()

	r1, _ := w.Track(ctx, progress{offset: 1}, 1)
	if _, err := w.Track(ctx, progress{offset: 2}, 1); err != nil {
		t.Fatalf("second track: %v", err)
	}

	unblocked := make(chan struct{})
	go func() {
		if _, err := w.Track(ctx, progress{offset: 3}, 1); err != nil {
			t.Errorf("third track: %v", err)
		}
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatalf("track should block while the window is full")
	case <-time.After(50 * time.Millisecond):
	}

	r1()
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatalf("track did not unblock after a resolve")
	}
}

func TestWindowTrackCancel(t *testing.T) {
	w := NewWindow[progress](1)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := w.Track(ctx, progress{offset: 1}, 1); err != nil {
		t.Fatalf("track: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := w.Track(ctx, progress{offset: 2}, 1)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err == nil {
			t.Fatalf("expected cancel error")
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked track ignored cancellation")
	}
}

func TestWindowWaitIdle(t *testing.T) {
	w := NewWindow[progress](10)
	ctx := context.Background()
	r1, _ := w.Track(ctx, progress{offset: 1}, 1)
	r2, _ := w.Track(ctx, progress{offset: 2}, 1)

	done := make(chan struct{})
	go func() {
		if err := w.WaitIdle(ctx); err != nil {
			t.Errorf("wait idle: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("WaitIdle returned with rows in flight")
	case <-time.After(50 * time.Millisecond):
	}
	r1()
	r2()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("WaitIdle did not return after all resolves")
	}
}

func TestTrackerFlushCadence(t *testing.T) {
	tr := NewTracker[progress](10, time.Hour)
	ctx := context.Background()

	r1, err := tr.Track(ctx, progress{offset: 1})
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	r2, _ := tr.Track(ctx, progress{offset: 2})

	// the very first resolve is due immediately, the next one within the
	// same hour is not
	if _, due := r1(); !due {
		t.Fatalf("first resolve should report a due flush")
	}
	highest, due := r2()
	if due {
		t.Fatalf("second resolve inside the commit interval should not be due")
	}
	if highest == nil || highest.offset != 2 {
		t.Fatalf("highest = %+v", highest)
	}
}

func TestTrackerHighestBeforeAnyResolve(t *testing.T) {
	tr := NewTracker[progress](10, time.Millisecond)
	if got := tr.Highest(); got != nil {
		t.Fatalf("highest before any resolve = %+v", got)
	}
}
