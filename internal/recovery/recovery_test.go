package recovery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chatpilot/internal/browser"
	"chatpilot/internal/monitor"
)

var validReply = strings.Repeat("A detailed recovered answer with substance. ", 4)

type instantClock struct {
	slept []time.Duration
}

func (c *instantClock) Now() time.Time { return time.Unix(1700000000, 0) }

func (c *instantClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.slept = append(c.slept, d)
	return nil
}

type fakeActions struct {
	clicks    int
	clickErrs []error
	submits   []string
}

func (a *fakeActions) ClickRegenerate(context.Context) error {
	a.clicks++
	if len(a.clickErrs) > 0 {
		err := a.clickErrs[0]
		a.clickErrs = a.clickErrs[1:]
		return err
	}
	return nil
}

func (a *fakeActions) SubmitPrompt(_ context.Context, msg string) error {
	a.submits = append(a.submits, msg)
	return nil
}

func (a *fakeActions) LatestMessageID(context.Context) (string, error) {
	return "7", nil
}

type scriptedAwait struct {
	results []monitor.Result
	opts    []monitor.Options
}

func (s *scriptedAwait) await(_ context.Context, opts monitor.Options) (monitor.Result, error) {
	s.opts = append(s.opts, opts)
	if len(s.results) == 0 {
		return monitor.Result{State: monitor.TimedOut}, nil
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res, nil
}

func testPolicy(attempts int) Policy {
	p := NewPolicy(attempts, time.Second, 5*time.Second)
	p.rnd = func() float64 { return 0.5 }
	return p
}

func TestRegeneratorRecoversOnSecondAttempt(t *testing.T) {
	actions := &fakeActions{}
	await := &scriptedAwait{results: []monitor.Result{
		{State: monitor.ErrorDetected},
		{State: monitor.Complete, Text: validReply},
	}}
	clock := &instantClock{}

	r := NewRegenerator(actions, await.await, clock, testPolicy(20), nil)
	out, err := r.Run(context.Background(), "original prompt")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !out.Recovered {
		t.Fatal("expected recovery")
	}
	if out.Text != validReply {
		t.Errorf("wrong recovered text: %q", out.Text)
	}
	if actions.clicks != 2 {
		t.Errorf("expected 2 regenerate clicks, got %d", actions.clicks)
	}
	if len(out.Attempts) != 2 {
		t.Errorf("expected 2 attempt records, got %d", len(out.Attempts))
	}
	for _, d := range clock.slept {
		if d < time.Second || d > 5*time.Second {
			t.Errorf("backoff %s outside jitter bounds", d)
		}
	}
}

func TestRegeneratorExhaustsBound(t *testing.T) {
	actions := &fakeActions{}
	await := &scriptedAwait{}

	r := NewRegenerator(actions, await.await, &instantClock{}, testPolicy(20), nil)
	out, err := r.Run(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("exhaustion must not be an error: %v", err)
	}
	if out.Recovered {
		t.Error("expected no recovery")
	}
	if actions.clicks != 20 {
		t.Errorf("expected exactly 20 clicks, got %d", actions.clicks)
	}
	if len(out.Attempts) != 20 {
		t.Errorf("expected 20 attempt records, got %d", len(out.Attempts))
	}
}

func TestRegeneratorEscalatesWhenControlMissing(t *testing.T) {
	actions := &fakeActions{clickErrs: []error{browser.ErrNotFound}}
	await := &scriptedAwait{}

	r := NewRegenerator(actions, await.await, &instantClock{}, testPolicy(20), nil)
	out, err := r.Run(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("missing control must not be an error: %v", err)
	}
	if out.Recovered {
		t.Error("expected no recovery")
	}
	if actions.clicks != 1 {
		t.Errorf("should stop after the first missing control, got %d clicks", actions.clicks)
	}
}

func TestRegeneratorRejectsImplausibleReply(t *testing.T) {
	actions := &fakeActions{}
	await := &scriptedAwait{results: []monitor.Result{
		{State: monitor.Complete, Text: "ok"},
		{State: monitor.Complete, Text: validReply},
	}}

	r := NewRegenerator(actions, await.await, &instantClock{}, testPolicy(20), nil)
	out, err := r.Run(context.Background(), "prompt")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Recovered {
		t.Fatal("expected eventual recovery")
	}
	if len(out.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(out.Attempts))
	}
	if out.Attempts[0].Reason == "" {
		t.Error("rejected attempt should record a reason")
	}
}

func TestRegeneratorRejectsPromptEcho(t *testing.T) {
	prompt := "please compare the two database engines in detail"
	echo := prompt + strings.Repeat(" and more padding to reach the length floor", 3)
	actions := &fakeActions{}
	await := &scriptedAwait{results: []monitor.Result{
		{State: monitor.Complete, Text: echo},
	}}

	r := NewRegenerator(actions, await.await, &instantClock{}, testPolicy(1), nil)
	out, err := r.Run(context.Background(), prompt)
	if err != nil {
		t.Fatal(err)
	}
	if out.Recovered {
		t.Error("an echo of the prompt must not count as recovery")
	}
}

func TestFallbackRecoversWithThinkingExcluded(t *testing.T) {
	actions := &fakeActions{}
	await := &scriptedAwait{results: []monitor.Result{
		{State: monitor.TimedOut},
		{State: monitor.Complete, Text: validReply},
	}}

	f := NewFallback(actions, await.await, &instantClock{}, testPolicy(20), "続けてください", nil)
	out, err := f.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !out.Recovered {
		t.Fatal("expected recovery")
	}
	if len(actions.submits) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(actions.submits))
	}
	for _, msg := range actions.submits {
		if msg != "続けてください" {
			t.Errorf("wrong fallback message: %q", msg)
		}
	}
	for _, opts := range await.opts {
		if !opts.ExcludeThinking {
			t.Error("fallback waits must exclude the thinking indicator")
		}
	}
}

func TestFallbackExhaustsIndependently(t *testing.T) {
	actions := &fakeActions{}
	await := &scriptedAwait{}

	f := NewFallback(actions, await.await, &instantClock{}, testPolicy(20), "continue", nil)
	out, err := f.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Recovered {
		t.Error("expected exhaustion")
	}
	if len(actions.submits) != 20 {
		t.Errorf("expected 20 submissions, got %d", len(actions.submits))
	}
}

func TestRegeneratorNotifiesEveryAttempt(t *testing.T) {
	r := NewRegenerator(&fakeActions{}, (&scriptedAwait{}).await, &instantClock{}, testPolicy(5), nil)
	var seen []Attempt
	r.OnAttempt = func(a Attempt) { seen = append(seen, a) }

	if _, err := r.Run(context.Background(), "prompt"); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 notifications, got %d", len(seen))
	}
	for i, a := range seen {
		if a.Index != i+1 || a.Kind != "regenerate" {
			t.Errorf("attempt %d misrecorded: %+v", i, a)
		}
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRegenerator(&fakeActions{}, (&scriptedAwait{}).await, &instantClock{}, testPolicy(20), nil)
	if _, err := r.Run(ctx, "prompt"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPolicyBackoffBounds(t *testing.T) {
	p := NewPolicy(1, time.Second, 5*time.Second)
	for i := 0; i < 200; i++ {
		d := p.backoff()
		if d < time.Second || d > 5*time.Second {
			t.Fatalf("backoff %s outside [1s,5s]", d)
		}
	}
}
