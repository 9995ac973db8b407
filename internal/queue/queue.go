// Package queue delivers transcode jobs at least once. Jobs are keyed by
// video id: a video has at most one job queued, and a job is owned by at most
// one delivery at a time. A delivery that is neither acked, retried nor
// extended before its visibility timeout lapses is handed to the next caller
// of Receive.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrStaleToken reports that a delivery no longer owns its job, either
	// because it was settled already or because the job was redelivered.
	ErrStaleToken = errors.New("queue: delivery token is no longer valid")
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue: closed")
)

const (
	DefaultMaxAttempts       = 3
	DefaultVisibilityTimeout = 2 * time.Minute
	DefaultPollInterval      = time.Second
)

// Job is the queue-owned state for one video.
type Job struct {
	VideoID string
	// Attempt counts deliveries so far, including the current one.
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time
	VisibleAt   time.Time
}

// LastAttempt reports whether a failure of the current delivery exhausts the
// job's attempts.
func (j Job) LastAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// Delivery hands a job to exactly one consumer.
type Delivery struct {
	Job   Job
	Token string
	// Exhausted is set when the job was abandoned on its final attempt. The
	// consumer must only record the terminal failure and ack; the attempt
	// counter is not advanced.
	Exhausted bool
}

// Depth is a point-in-time view of queue occupancy.
type Depth struct {
	Pending  int64
	InFlight int64
}

// Queue is the contract shared by the Redis and in-memory implementations.
type Queue interface {
	// Enqueue adds a job for videoID. It reports false without error when
	// the video already has a job.
	Enqueue(ctx context.Context, videoID string) (bool, error)
	// Receive blocks until a job is available or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, token string) error
	Extend(ctx context.Context, token string, visibility time.Duration) error
	// Retry returns the job to the queue, visible again after delay.
	Retry(ctx context.Context, token string, delay time.Duration) error
	Depth(ctx context.Context) (Depth, error)
	Close() error
}

// Config holds the policy values shared by both implementations.
type Config struct {
	MaxAttempts       int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

const tokenSeparator = ":"

func formatToken(videoID, nonce string) string {
	return videoID + tokenSeparator + nonce
}

func parseToken(token string) (string, string, error) {
	idx := strings.LastIndex(token, tokenSeparator)
	if idx <= 0 || idx == len(token)-1 {
		return "", "", ErrStaleToken
	}
	return token[:idx], token[idx+1:], nil
}

func validVideoID(id string) bool {
	trimmed := strings.TrimSpace(id)
	return trimmed != "" && trimmed == id && !strings.Contains(id, tokenSeparator)
}
