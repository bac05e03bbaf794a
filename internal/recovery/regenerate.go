package recovery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chatpilot/internal/browser"
	"chatpilot/internal/monitor"
)

// Regenerator re-rolls a failed reply by clicking the page's regenerate
// control, up to the policy's attempt bound. It gives up early when the
// control disappears, since that usually means the page discarded the
// failed turn entirely.
type Regenerator struct {
	actions Actions
	await   AwaitFunc
	clock   monitor.Clock
	policy  Policy
	log     *zap.Logger

	// OnAttempt, when set, observes every attempt as it finishes.
	OnAttempt func(Attempt)
}

// NewRegenerator builds a Regenerator.
func NewRegenerator(actions Actions, await AwaitFunc, clock monitor.Clock, policy Policy, log *zap.Logger) *Regenerator {
	if clock == nil {
		clock = monitor.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Regenerator{actions: actions, await: await, clock: clock, policy: policy, log: log}
}

// Run retries regeneration until a validated reply appears or the bound is
// exhausted. prompt is the originally submitted message, used to reject
// echoes. A non-nil error means the loop itself broke (context cancelled);
// an exhausted bound is Outcome{Recovered: false}, not an error.
func (r *Regenerator) Run(ctx context.Context, prompt string) (Outcome, error) {
	var out Outcome
	for i := 1; i <= r.policy.MaxAttempts; i++ {
		attempt := Attempt{Index: i, Kind: "regenerate", Backoff: r.policy.backoff()}

		baseline, err := r.actions.LatestMessageID(ctx)
		if err != nil {
			r.log.Warn("baseline read failed before regenerate", zap.Int("attempt", i), zap.Error(err))
		}

		if err := r.actions.ClickRegenerate(ctx); err != nil {
			if errors.Is(err, browser.ErrNotFound) {
				r.log.Info("regenerate control gone, escalating", zap.Int("attempt", i))
				attempt.Reason = "control not found"
				out.Attempts = append(out.Attempts, attempt)
				r.notify(attempt)
				return out, nil
			}
			return out, fmt.Errorf("regenerate attempt %d: %w", i, err)
		}

		if err := r.clock.Sleep(ctx, attempt.Backoff); err != nil {
			return out, err
		}

		res, err := r.await(ctx, monitor.Options{BaselineID: baseline})
		if err != nil {
			return out, err
		}
		attempt.Outcome = res.State

		if res.State == monitor.Complete {
			if reason, ok := validateRecovered(res.Text, prompt); ok {
				out.Attempts = append(out.Attempts, attempt)
				out.Recovered = true
				out.Text = res.Text
				r.notify(attempt)
				r.log.Info("regenerate recovered", zap.Int("attempt", i))
				return out, nil
			} else {
				attempt.Reason = reason
			}
		}
		out.Attempts = append(out.Attempts, attempt)
		r.notify(attempt)
		r.log.Warn("regenerate attempt failed",
			zap.Int("attempt", i),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.String("outcome", res.State.String()),
			zap.String("reason", attempt.Reason))
	}
	r.log.Error("regenerate attempts exhausted", zap.Int("attempts", r.policy.MaxAttempts))
	return out, nil
}

func (r *Regenerator) notify(a Attempt) {
	if r.OnAttempt != nil {
		r.OnAttempt(a)
	}
}
