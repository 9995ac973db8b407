package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type openQueue func(t *testing.T, clock *fakeClock, cfg Config) Queue

func testConfig() Config {
	return Config{MaxAttempts: 3, VisibilityTimeout: time.Minute, PollInterval: 5 * time.Millisecond}
}

func receiveWithin(t *testing.T, q Queue, timeout time.Duration) (Delivery, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	delivery, err := q.Receive(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Delivery{}, false
		}
		t.Fatalf("Receive: %v", err)
	}
	return delivery, true
}

func mustReceive(t *testing.T, q Queue) Delivery {
	t.Helper()
	delivery, ok := receiveWithin(t, q, time.Second)
	if !ok {
		t.Fatalf("expected a delivery")
	}
	return delivery
}

func expectEmpty(t *testing.T, q Queue) {
	t.Helper()
	if delivery, ok := receiveWithin(t, q, 50*time.Millisecond); ok {
		t.Fatalf("expected no delivery, got %+v", delivery)
	}
}

func mustEnqueue(t *testing.T, q Queue, videoID string) {
	t.Helper()
	added, err := q.Enqueue(context.Background(), videoID)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !added {
		t.Fatalf("expected %s to be enqueued", videoID)
	}
}

func runQueueSuite(t *testing.T, open openQueue) {
	ctx := context.Background()

	t.Run("enqueue deduplicates by video", func(t *testing.T) {
		q := open(t, newFakeClock(), testConfig())
		mustEnqueue(t, q, "vid-1")
		added, err := q.Enqueue(ctx, "vid-1")
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if added {
			t.Fatalf("expected duplicate enqueue to be ignored")
		}
		depth, err := q.Depth(ctx)
		if err != nil {
			t.Fatalf("Depth: %v", err)
		}
		if depth.Pending != 1 || depth.InFlight != 0 {
			t.Fatalf("unexpected depth %+v", depth)
		}
	})

	t.Run("rejects malformed ids", func(t *testing.T) {
		q := open(t, newFakeClock(), testConfig())
		for _, id := range []string{"", " vid", "a:b"} {
			if _, err := q.Enqueue(ctx, id); err == nil {
				t.Fatalf("expected %q to be rejected", id)
			}
		}
	})

	t.Run("delivery owns the job exclusively", func(t *testing.T) {
		clock := newFakeClock()
		q := open(t, clock, testConfig())
		mustEnqueue(t, q, "vid-1")

		delivery := mustReceive(t, q)
		if delivery.Job.VideoID != "vid-1" || delivery.Job.Attempt != 1 || delivery.Job.MaxAttempts != 3 {
			t.Fatalf("unexpected delivery %+v", delivery)
		}
		if delivery.Exhausted || delivery.Token == "" {
			t.Fatalf("unexpected delivery flags %+v", delivery)
		}
		if !delivery.Job.EnqueuedAt.Equal(clock.Now()) {
			t.Fatalf("unexpected enqueue time %v", delivery.Job.EnqueuedAt)
		}
		if added, _ := q.Enqueue(ctx, "vid-1"); added {
			t.Fatalf("in-flight video must not gain a second job")
		}
		expectEmpty(t, q)

		depth, err := q.Depth(ctx)
		if err != nil {
			t.Fatalf("Depth: %v", err)
		}
		if depth.InFlight != 1 || depth.Pending != 0 {
			t.Fatalf("unexpected depth %+v", depth)
		}
	})

	t.Run("ack is honoured once", func(t *testing.T) {
		q := open(t, newFakeClock(), testConfig())
		mustEnqueue(t, q, "vid-1")
		delivery := mustReceive(t, q)
		if err := q.Ack(ctx, delivery.Token); err != nil {
			t.Fatalf("Ack: %v", err)
		}
		if err := q.Ack(ctx, delivery.Token); !errors.Is(err, ErrStaleToken) {
			t.Fatalf("expected second ack to be stale, got %v", err)
		}
		expectEmpty(t, q)
		mustEnqueue(t, q, "vid-1")
	})

	t.Run("visibility expiry redelivers and invalidates the old token", func(t *testing.T) {
		clock := newFakeClock()
		q := open(t, clock, testConfig())
		mustEnqueue(t, q, "vid-1")
		first := mustReceive(t, q)

		clock.Advance(59 * time.Second)
		expectEmpty(t, q)
		clock.Advance(2 * time.Second)

		second := mustReceive(t, q)
		if second.Job.Attempt != 2 {
			t.Fatalf("expected attempt 2 on redelivery, got %d", second.Job.Attempt)
		}
		if second.Token == first.Token {
			t.Fatalf("redelivery must issue a new token")
		}
		if err := q.Ack(ctx, first.Token); !errors.Is(err, ErrStaleToken) {
			t.Fatalf("expected stale token for abandoned delivery, got %v", err)
		}
		if err := q.Extend(ctx, first.Token, time.Minute); !errors.Is(err, ErrStaleToken) {
			t.Fatalf("expected stale extend, got %v", err)
		}
		if err := q.Ack(ctx, second.Token); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	})

	t.Run("extend keeps ownership", func(t *testing.T) {
		clock := newFakeClock()
		q := open(t, clock, testConfig())
		mustEnqueue(t, q, "vid-1")
		delivery := mustReceive(t, q)

		clock.Advance(50 * time.Second)
		if err := q.Extend(ctx, delivery.Token, 5*time.Minute); err != nil {
			t.Fatalf("Extend: %v", err)
		}
		clock.Advance(2 * time.Minute)
		expectEmpty(t, q)
		if err := q.Ack(ctx, delivery.Token); err != nil {
			t.Fatalf("Ack after extend: %v", err)
		}
	})

	t.Run("retry hides the job for the backoff", func(t *testing.T) {
		clock := newFakeClock()
		q := open(t, clock, testConfig())
		mustEnqueue(t, q, "vid-1")
		delivery := mustReceive(t, q)

		if err := q.Retry(ctx, delivery.Token, 30*time.Second); err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if err := q.Ack(ctx, delivery.Token); !errors.Is(err, ErrStaleToken) {
			t.Fatalf("expected token to be released by retry, got %v", err)
		}
		expectEmpty(t, q)

		clock.Advance(31 * time.Second)
		again := mustReceive(t, q)
		if again.Job.Attempt != 2 {
			t.Fatalf("expected attempt 2 after retry, got %d", again.Job.Attempt)
		}
		if !again.Job.VisibleAt.Equal(clock.Now().Add(-time.Second)) {
			t.Fatalf("unexpected visible-at %v", again.Job.VisibleAt)
		}
	})

	t.Run("attempts are capped", func(t *testing.T) {
		clock := newFakeClock()
		q := open(t, clock, testConfig())
		mustEnqueue(t, q, "vid-1")

		for attempt := 1; attempt <= 3; attempt++ {
			delivery := mustReceive(t, q)
			if delivery.Job.Attempt != attempt || delivery.Exhausted {
				t.Fatalf("attempt %d: unexpected delivery %+v", attempt, delivery)
			}
			if attempt == 3 {
				if !delivery.Job.LastAttempt() {
					t.Fatalf("expected third delivery to be the last attempt")
				}
				break
			}
			if err := q.Retry(ctx, delivery.Token, 0); err != nil {
				t.Fatalf("Retry: %v", err)
			}
		}

		// The final delivery is abandoned; the job comes back exhausted.
		clock.Advance(2 * time.Minute)
		exhausted := mustReceive(t, q)
		if !exhausted.Exhausted || exhausted.Job.Attempt != 3 {
			t.Fatalf("expected exhausted delivery at attempt 3, got %+v", exhausted)
		}
		if err := q.Ack(ctx, exhausted.Token); err != nil {
			t.Fatalf("Ack: %v", err)
		}
		expectEmpty(t, q)
	})

	t.Run("concurrent receivers share one job", func(t *testing.T) {
		q := open(t, newFakeClock(), testConfig())
		mustEnqueue(t, q, "vid-1")

		const receivers = 6
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			count int
		)
		for i := 0; i < receivers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
				defer cancel()
				if _, err := q.Receive(ctx); err == nil {
					mu.Lock()
					count++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if count != 1 {
			t.Fatalf("expected exactly one receiver to win, got %d", count)
		}
	})

	t.Run("distinct videos are independent", func(t *testing.T) {
		q := open(t, newFakeClock(), testConfig())
		mustEnqueue(t, q, "vid-1")
		mustEnqueue(t, q, "vid-2")
		first := mustReceive(t, q)
		second := mustReceive(t, q)
		if first.Job.VideoID == second.Job.VideoID {
			t.Fatalf("expected two different videos, got %s twice", first.Job.VideoID)
		}
	})

	t.Run("garbage tokens are stale", func(t *testing.T) {
		q := open(t, newFakeClock(), testConfig())
		for _, token := range []string{"", "no-separator", "vid-1:", ":nonce", "vid-1:nonce"} {
			if err := q.Ack(ctx, token); !errors.Is(err, ErrStaleToken) {
				t.Fatalf("token %q: expected ErrStaleToken, got %v", token, err)
			}
		}
	})
}
