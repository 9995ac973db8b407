// Package pipeline runs transcode jobs pulled from the queue: it downloads
// the source, drives the encoder, publishes the artifacts and commits the
// catalog record, then settles the delivery according to the outcome.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"video-platform/internal/catalog"
	"video-platform/internal/objectstore"
)

// Outcome classifies how a job run ended.
type Outcome int

const (
	Success Outcome = iota
	Retryable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Stage names a step of the worker state machine.
type Stage string

const (
	StageFetching   Stage = "fetching"
	StageProbing    Stage = "probing"
	StageEncoding   Stage = "encoding"
	StageUploading  Stage = "uploading"
	StageCommitting Stage = "committing"
	StageDone       Stage = "done"
)

// Result is what Worker.Run hands back to the processor. Only the processor
// talks to the queue about it.
type Result struct {
	Outcome Outcome
	Stage   Stage
	Err     error
	// Skipped is set when the record was no longer processing, so the
	// delivery was stale and no work was done.
	Skipped bool
	Media   catalog.Media
}

func succeeded(media catalog.Media) Result {
	return Result{Outcome: Success, Stage: StageDone, Media: media}
}

func retryable(stage Stage, err error) Result {
	return Result{Outcome: Retryable, Stage: stage, Err: err}
}

func fatal(stage Stage, err error) Result {
	return Result{Outcome: Fatal, Stage: stage, Err: err}
}

// classify maps a store or catalog error to an outcome. A missing source or
// record is fatal; every other failure is assumed transient.
func classify(stage Stage, err error) Result {
	if errors.Is(err, objectstore.ErrNotFound) || errors.Is(err, catalog.ErrNotFound) {
		return fatal(stage, err)
	}
	return retryable(stage, err)
}

const maxReasonLength = 500

// Reason renders the failure text stored on a failed record.
func (r Result) Reason() string {
	if r.Err == nil {
		return fmt.Sprintf("%s failed", r.Stage)
	}
	reason := fmt.Sprintf("%s: %v", r.Stage, r.Err)
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}
	return reason
}

// RetryPolicy computes the delay before a retryable job is delivered again.
type RetryPolicy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

const (
	defaultRetryBase   = 30 * time.Second
	defaultRetryFactor = 2
	defaultRetryMax    = 10 * time.Minute
)

// DefaultRetryPolicy backs off 30s, 1m, 2m and so on, capped at ten minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: defaultRetryBase, Factor: defaultRetryFactor, Max: defaultRetryMax}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Base <= 0 {
		p.Base = defaultRetryBase
	}
	if p.Factor < 1 {
		p.Factor = defaultRetryFactor
	}
	if p.Max <= 0 {
		p.Max = defaultRetryMax
	}
	return p
}

// Delay returns the backoff after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Base)
	for i := 1; i < attempt; i++ {
		delay *= p.Factor
		if delay >= float64(p.Max) {
			return p.Max
		}
	}
	if delay > float64(p.Max) {
		return p.Max
	}
	return time.Duration(delay)
}
