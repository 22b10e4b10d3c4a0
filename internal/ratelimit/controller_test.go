// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kuroibara/kuroibara/pkg/provider"
)

func testSpec() provider.RateSpec {
	return provider.RateSpec{
		Limit:    2,
		Window:   time.Second,
		Burst:    2,
		MaxQueue: 64,
		MaxWait:  5 * time.Second,
	}
}

func TestController_BurstThenSpacing(t *testing.T) {
	c := New(nil, Defaults())
	defer c.Close()
	c.Configure("x", testSpec(), time.Second)

	ctx := context.Background()
	start := time.Now()

	// Burst capacity admits the first two immediately.
	for i := 0; i < 2; i++ {
		p, err := c.Acquire(ctx, "x", 1)
		if err != nil {
			t.Fatalf("burst acquire %d failed: %v", i, err)
		}
		p.Release()
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("burst acquires took %v, expected immediate", elapsed)
	}

	// Six more at 2/sec must take at least ~2.5 seconds overall.
	var wg sync.WaitGroup
	errCh := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.Acquire(ctx, "x", 1)
			if err != nil {
				errCh <- err
				return
			}
			p.Release()
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("queued acquire failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 2500*time.Millisecond {
		t.Errorf("8 acquires at 2/s finished in %v, bucket must be leaking", elapsed)
	}
}

func TestController_QueueFull(t *testing.T) {
	c := New(nil, Defaults())
	defer c.Close()
	c.Configure("x", provider.RateSpec{
		Limit:    1,
		Window:   time.Minute,
		Burst:    1,
		MaxQueue: 2,
		MaxWait:  10 * time.Second,
	}, time.Second)

	ctx := context.Background()

	// Drain the only token.
	if _, err := c.Acquire(ctx, "x", 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// Fill the queue.
	for i := 0; i < 2; i++ {
		go c.Acquire(ctx, "x", 1)
	}
	waitFor(t, func() bool { return c.QueueDepth("x") == 2 })

	_, err := c.Acquire(ctx, "x", 1)
	if err == nil {
		t.Fatal("expected queue-full rejection")
	}
	if provider.KindOf(err) != provider.KindRateLimited {
		t.Errorf("kind = %s, want rate_limited", provider.KindOf(err))
	}
	if !provider.IsRetryable(err) {
		t.Error("rate_limited must be retryable")
	}
}

func TestController_PriorityOrder(t *testing.T) {
	c := New(nil, Defaults())
	defer c.Close()
	c.Configure("x", provider.RateSpec{
		Limit:    2,
		Window:   time.Second,
		Burst:    1,
		MaxQueue: 16,
		MaxWait:  10 * time.Second,
	}, time.Second)

	ctx := context.Background()
	if _, err := c.Acquire(ctx, "x", 1); err != nil {
		t.Fatalf("drain token: %v", err)
	}

	order := make(chan int, 2)

	// Low priority enters the queue first.
	go func() {
		if _, err := c.Acquire(ctx, "x", 1); err == nil {
			order <- 1
		}
	}()
	waitFor(t, func() bool { return c.QueueDepth("x") == 1 })
	go func() {
		if _, err := c.Acquire(ctx, "x", 5); err == nil {
			order <- 5
		}
	}()
	waitFor(t, func() bool { return c.QueueDepth("x") == 2 })

	first := <-order
	second := <-order
	if first != 5 || second != 1 {
		t.Errorf("grant order = %d,%d; want high priority (5) first", first, second)
	}
}

func TestController_ContextCancelled(t *testing.T) {
	c := New(nil, Defaults())
	defer c.Close()
	c.Configure("x", provider.RateSpec{
		Limit:    1,
		Window:   time.Minute,
		Burst:    1,
		MaxQueue: 8,
		MaxWait:  time.Minute,
	}, time.Second)

	if _, err := c.Acquire(context.Background(), "x", 1); err != nil {
		t.Fatalf("drain token: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, "x", 1)
		done <- err
	}()
	waitFor(t, func() bool { return c.QueueDepth("x") == 1 })
	cancel()

	select {
	case err := <-done:
		if provider.KindOf(err) != provider.KindCancelled {
			t.Errorf("kind = %s, want cancelled", provider.KindOf(err))
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}
}

func TestController_MaxWaitExpires(t *testing.T) {
	c := New(nil, Defaults())
	defer c.Close()
	c.Configure("x", provider.RateSpec{
		Limit:    1,
		Window:   time.Minute,
		Burst:    1,
		MaxQueue: 8,
		MaxWait:  100 * time.Millisecond,
	}, time.Second)

	if _, err := c.Acquire(context.Background(), "x", 1); err != nil {
		t.Fatalf("drain token: %v", err)
	}

	start := time.Now()
	_, err := c.Acquire(context.Background(), "x", 1)
	if provider.KindOf(err) != provider.KindRateLimited {
		t.Fatalf("kind = %s, want rate_limited (err=%v)", provider.KindOf(err), err)
	}
	if time.Since(start) > time.Second {
		t.Error("waiter overstayed its max wait")
	}
}

func TestController_AdaptiveHalving(t *testing.T) {
	sl := newSourceLimiter(New(nil, Defaults()).log, "x", provider.RateSpec{
		Limit:    8,
		Window:   time.Second,
		Burst:    1,
		MaxQueue: 8,
		MaxWait:  time.Second,
	}, time.Second)
	defer sl.stop()

	now := time.Now()
	sl.mu.Lock()
	base := sl.effectiveRate(now)
	sl.mu.Unlock()
	if base != 8 {
		t.Fatalf("base rate = %v, want 8", base)
	}

	sl.reportOutcome(OutcomeThrottled)
	sl.mu.Lock()
	halved := sl.effectiveRate(time.Now())
	sl.mu.Unlock()
	if halved > base/2+0.01 {
		t.Errorf("rate after 429 = %v, want <= %v", halved, base/2)
	}

	t.Run("recovers linearly after cooldown", func(t *testing.T) {
		sl.mu.Lock()
		// Pretend the cooldown window plus half the recovery has passed.
		sl.cooledAt = time.Now().Add(-cooldownWindow - recoveryWindow/2)
		mid := sl.effectiveRate(time.Now())
		sl.mu.Unlock()
		if mid <= halved || mid >= base {
			t.Errorf("mid-recovery rate = %v, want between %v and %v", mid, halved, base)
		}
	})

	t.Run("floors at minimum factor", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			sl.reportOutcome(OutcomeServerError)
		}
		sl.mu.Lock()
		floored := sl.effectiveRate(time.Now())
		sl.mu.Unlock()
		if floored < 8*minRateFactor-0.01 {
			t.Errorf("rate = %v fell below floor %v", floored, 8*minRateFactor)
		}
	})

	t.Run("ok outcomes do not touch the rate", func(t *testing.T) {
		sl.mu.Lock()
		sl.factor = 1.0
		sl.mu.Unlock()
		sl.reportOutcome(OutcomeOK)
		sl.mu.Lock()
		r := sl.effectiveRate(time.Now())
		sl.mu.Unlock()
		if r != 8 {
			t.Errorf("rate after OK = %v, want 8", r)
		}
	})
}

func TestPermit_ReleaseIdempotent(t *testing.T) {
	c := New(nil, Defaults())
	defer c.Close()
	c.Configure("x", testSpec(), time.Second)

	p, err := c.Acquire(context.Background(), "x", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.InFlight("x"); got != 1 {
		t.Errorf("inflight = %d, want 1", got)
	}
	p.Release()
	p.Release()
	if got := c.InFlight("x"); got != 0 {
		t.Errorf("inflight after double release = %d, want 0", got)
	}
	if p.Deadline.IsZero() {
		t.Error("permit must carry the per-request deadline")
	}
}

func TestWaitQueue_BoostPromotesOldWaiters(t *testing.T) {
	q := newWaitQueue(8, 100*time.Millisecond)
	ctx := context.Background()

	old, _ := q.push(ctx, "x", 1)
	old.enqueuedAt = time.Now().Add(-80 * time.Millisecond) // past maxWait/2
	q.push(ctx, "x", 2)

	// Boosted, the older priority-1 waiter ties at 2 and wins FIFO.
	got := q.pop(time.Now())
	if got != old {
		t.Error("aged waiter was not promoted")
	}
}

func TestOutcomeFromStatus(t *testing.T) {
	cases := map[int]Outcome{200: OutcomeOK, 404: OutcomeOK, 429: OutcomeThrottled, 500: OutcomeServerError, 503: OutcomeServerError}
	for code, want := range cases {
		if got := OutcomeFromStatus(code); got != want {
			t.Errorf("OutcomeFromStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// Guard against accidentally exporting errors that do not unwrap.
func TestErrorKinds_Unwrap(t *testing.T) {
	cause := context.DeadlineExceeded
	err := provider.NewError(provider.KindDeadline, "x", "boom", cause)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("wrapped cause lost")
	}
}
