package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"chatpilot/internal/monitor"
)

// Fallback is the last-resort engine: it submits a short continuation
// message as a fresh turn and waits for the reply. It runs after the
// regenerator is exhausted or when a wait timed out without an error
// surface. Its waits exclude the thinking indicator, because on the broken
// pages this engine sees, the indicator often never clears even though real
// text has arrived.
type Fallback struct {
	actions Actions
	await   AwaitFunc
	clock   monitor.Clock
	policy  Policy
	message string
	log     *zap.Logger

	// OnAttempt, when set, observes every attempt as it finishes.
	OnAttempt func(Attempt)
}

// NewFallback builds a Fallback that submits message on every attempt.
func NewFallback(actions Actions, await AwaitFunc, clock monitor.Clock, policy Policy, message string, log *zap.Logger) *Fallback {
	if clock == nil {
		clock = monitor.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fallback{actions: actions, await: await, clock: clock, policy: policy, message: message, log: log}
}

// Run retries the continuation prompt until a validated reply appears or
// the bound is exhausted. The counter is independent of the regenerator's.
func (f *Fallback) Run(ctx context.Context) (Outcome, error) {
	var out Outcome
	for i := 1; i <= f.policy.MaxAttempts; i++ {
		attempt := Attempt{Index: i, Kind: "fallback", Backoff: f.policy.backoff()}

		baseline, err := f.actions.LatestMessageID(ctx)
		if err != nil {
			f.log.Warn("baseline read failed before fallback", zap.Int("attempt", i), zap.Error(err))
		}

		if err := f.actions.SubmitPrompt(ctx, f.message); err != nil {
			return out, fmt.Errorf("fallback attempt %d: %w", i, err)
		}

		if err := f.clock.Sleep(ctx, attempt.Backoff); err != nil {
			return out, err
		}

		res, err := f.await(ctx, monitor.Options{BaselineID: baseline, ExcludeThinking: true})
		if err != nil {
			return out, err
		}
		attempt.Outcome = res.State

		if res.State == monitor.Complete {
			if reason, ok := validateRecovered(res.Text, f.message); ok {
				out.Attempts = append(out.Attempts, attempt)
				out.Recovered = true
				out.Text = res.Text
				f.notify(attempt)
				f.log.Info("fallback recovered", zap.Int("attempt", i))
				return out, nil
			} else {
				attempt.Reason = reason
			}
		}
		out.Attempts = append(out.Attempts, attempt)
		f.notify(attempt)
		f.log.Warn("fallback attempt failed",
			zap.Int("attempt", i),
			zap.Int("max_attempts", f.policy.MaxAttempts),
			zap.String("outcome", res.State.String()),
			zap.String("reason", attempt.Reason))
	}
	f.log.Error("fallback attempts exhausted", zap.Int("attempts", f.policy.MaxAttempts))
	return out, nil
}

func (f *Fallback) notify(a Attempt) {
	if f.OnAttempt != nil {
		f.OnAttempt(a)
	}
}
