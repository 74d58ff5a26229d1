// Package call wraps slow external operations with a per-attempt timeout,
// bounded retries and exponential backoff. Every component that talks to the
// answer pipeline or another upstream goes through a Wrapper so that retry
// policy and failure accounting live in one place.
package call

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/voxhall/voxhall/pkg/core"
)

// maxJitter bounds the random component added to each backoff delay.
const maxJitter = 100 * time.Millisecond

// Options control one wrapped call.
type Options struct {
	// Retries is the number of re-attempts after the first try.
	Retries int
	// BaseDelay is the delay before the first retry; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential component of the delay.
	MaxDelay time.Duration
	// Timeout applies per attempt, not to the call as a whole.
	Timeout time.Duration
}

// Recorder receives the mandatory side-effect counters of every wrapped
// call. *metrics.Metrics satisfies it; tests use a local fake.
type Recorder interface {
	RecordCallRetry(call string)
	RecordCallFailure(call, errorType string)
	RecordCall(call, status string, duration time.Duration)
}

// Wrapper executes operations under a retry policy.
type Wrapper struct {
	rec Recorder

	// Injection points for tests.
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// New creates a Wrapper reporting to rec.
func New(rec Recorder) *Wrapper {
	return &Wrapper{
		rec:    rec,
		now:    time.Now,
		sleep:  sleepCtx,
		jitter: func() time.Duration { return time.Duration(rand.Int63n(int64(maxJitter))) },
	}
}

// Do runs fn under the retry policy in opts. Each attempt gets its own
// deadline of opts.Timeout; an attempt that exceeds it surfaces as a
// pipeline timeout. Only errors on the transient allow-list are retried.
// The last error is returned once attempts are exhausted.
func (w *Wrapper) Do(ctx context.Context, name string, opts Options, fn func(ctx context.Context) error) error {
	start := w.now()

	var err error
	for attempt := 0; ; attempt++ {
		err = w.attempt(ctx, opts.Timeout, fn)
		if err == nil {
			w.rec.RecordCall(name, "ok", w.now().Sub(start))
			return nil
		}
		if !shouldRetry(ctx, attempt, opts.Retries, err) {
			break
		}
		w.rec.RecordCallRetry(name)
		if serr := w.sleep(ctx, w.delay(attempt, opts)); serr != nil {
			err = serr
			break
		}
	}

	w.rec.RecordCallFailure(name, errorType(err))
	w.rec.RecordCall(name, "error", w.now().Sub(start))
	return err
}

func (w *Wrapper) attempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// The attempt deadline fired, not the caller's.
		return core.NewPipelineTimeout("call exceeded attempt deadline")
	}
	return err
}

// delay returns min(maxDelay, baseDelay*2^attempt) plus jitter in
// [0, 100ms). The exponential component never decreases across attempts.
func (w *Wrapper) delay(attempt int, opts Options) time.Duration {
	d := opts.BaseDelay
	if d <= 0 {
		d = time.Second
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if opts.MaxDelay > 0 && d >= opts.MaxDelay {
			d = opts.MaxDelay
			break
		}
	}
	if opts.MaxDelay > 0 && d > opts.MaxDelay {
		d = opts.MaxDelay
	}
	return d + w.jitter()
}

func shouldRetry(ctx context.Context, attempt, retries int, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if attempt >= retries {
		return false
	}
	var apiErr *core.Error
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return false
}

func errorType(err error) string {
	var apiErr *core.Error
	if errors.As(err, &apiErr) {
		return string(apiErr.Type)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "internal"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
