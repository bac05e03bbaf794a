// Package recovery drives the two bounded retry engines that run after a
// generation fails: regenerate, which re-rolls the same reply in place, and
// fallback, which nudges the conversation forward with a short continuation
// prompt. Both are attempt-bounded and jitter their retries so a struggling
// service is not hammered on a fixed cadence.
package recovery

import (
	"context"
	"math/rand/v2"
	"time"

	"chatpilot/internal/monitor"
)

// Actions is what a recovery engine may do to the page. The cycle engine
// wires these to the composer and probe.
type Actions interface {
	ClickRegenerate(ctx context.Context) error
	SubmitPrompt(ctx context.Context, message string) error
	// LatestMessageID returns the newest message ID currently on the page,
	// used as the baseline for the next wait.
	LatestMessageID(ctx context.Context) (string, error)
}

// AwaitFunc waits for one generation to finish. It is the monitor's
// AwaitCompletion, injected so engine tests can script outcomes.
type AwaitFunc func(ctx context.Context, opts monitor.Options) (monitor.Result, error)

// Policy bounds and paces the retries of one engine.
type Policy struct {
	MaxAttempts int
	JitterMin   time.Duration
	JitterMax   time.Duration

	// rnd overrides the jitter source in tests.
	rnd func() float64
}

// NewPolicy builds a policy with uniform jitter.
func NewPolicy(maxAttempts int, jitterMin, jitterMax time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, JitterMin: jitterMin, JitterMax: jitterMax}
}

// backoff draws a uniform delay from [JitterMin, JitterMax].
func (p Policy) backoff() time.Duration {
	f := rand.Float64
	if p.rnd != nil {
		f = p.rnd
	}
	span := p.JitterMax - p.JitterMin
	if span <= 0 {
		return p.JitterMin
	}
	return p.JitterMin + time.Duration(f()*float64(span))
}

// Attempt records one retry for the transcript.
type Attempt struct {
	Index   int
	Kind    string
	Backoff time.Duration
	Outcome monitor.State
	// Reason notes why a completed attempt was still rejected, if it was.
	Reason string
}

// Outcome is the result of running one engine to success or exhaustion.
type Outcome struct {
	Recovered bool
	Text      string
	Attempts  []Attempt
}
