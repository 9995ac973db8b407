package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	job      Job
	inFlight bool
	deadline time.Time
	nonce    string
}

// Memory is an in-process Queue for tests and single-binary runs.
type Memory struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	jobs   map[string]*memoryEntry
	closed bool
	notify chan struct{}
}

func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		jobs:   make(map[string]*memoryEntry),
		notify: make(chan struct{}, 1),
	}
}

func (q *Memory) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Memory) Enqueue(ctx context.Context, videoID string) (bool, error) {
	if !validVideoID(videoID) {
		return false, fmt.Errorf("queue: invalid video id %q", videoID)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	if _, exists := q.jobs[videoID]; exists {
		return false, nil
	}
	now := q.now()
	q.jobs[videoID] = &memoryEntry{job: Job{
		VideoID:     videoID,
		MaxAttempts: q.cfg.MaxAttempts,
		EnqueuedAt:  now,
		VisibleAt:   now,
	}}
	q.signal()
	return true, nil
}

func (q *Memory) Receive(ctx context.Context) (Delivery, error) {
	for {
		delivery, ok, err := q.tryReceive()
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return delivery, nil
		}
		timer := time.NewTimer(q.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Memory) tryReceive() (Delivery, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Delivery{}, false, ErrClosed
	}
	now := q.now()
	var (
		chosen *memoryEntry
		due    time.Time
	)
	for _, entry := range q.jobs {
		var at time.Time
		if entry.inFlight {
			at = entry.deadline
		} else {
			at = entry.job.VisibleAt
		}
		if at.After(now) {
			continue
		}
		if chosen == nil || at.Before(due) {
			chosen, due = entry, at
		}
	}
	if chosen == nil {
		return Delivery{}, false, nil
	}

	exhausted := chosen.job.Attempt >= chosen.job.MaxAttempts
	if !exhausted {
		chosen.job.Attempt++
	}
	chosen.inFlight = true
	chosen.deadline = now.Add(q.cfg.VisibilityTimeout)
	chosen.nonce = uuid.NewString()
	return Delivery{
		Job:       chosen.job,
		Token:     formatToken(chosen.job.VideoID, chosen.nonce),
		Exhausted: exhausted,
	}, true, nil
}

// owned returns the entry the token refers to while it still owns it.
func (q *Memory) owned(token string) (*memoryEntry, error) {
	videoID, nonce, err := parseToken(token)
	if err != nil {
		return nil, err
	}
	entry, ok := q.jobs[videoID]
	if !ok || !entry.inFlight || entry.nonce != nonce {
		return nil, ErrStaleToken
	}
	return entry, nil
}

func (q *Memory) Ack(ctx context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, err := q.owned(token)
	if err != nil {
		return err
	}
	delete(q.jobs, entry.job.VideoID)
	return nil
}

func (q *Memory) Extend(ctx context.Context, token string, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, err := q.owned(token)
	if err != nil {
		return err
	}
	entry.deadline = q.now().Add(visibility)
	return nil
}

func (q *Memory) Retry(ctx context.Context, token string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, err := q.owned(token)
	if err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	entry.inFlight = false
	entry.nonce = ""
	entry.deadline = time.Time{}
	entry.job.VisibleAt = q.now().Add(delay)
	q.signal()
	return nil
}

func (q *Memory) Depth(ctx context.Context) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var depth Depth
	for _, entry := range q.jobs {
		if entry.inFlight {
			depth.InFlight++
		} else {
			depth.Pending++
		}
	}
	return depth, nil
}

// Job returns the stored state for videoID, for tests and tooling.
func (q *Memory) Job(videoID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.jobs[videoID]
	if !ok {
		return Job{}, false
	}
	return entry.job, true
}

func (q *Memory) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
