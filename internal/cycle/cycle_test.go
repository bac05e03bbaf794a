package cycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"chatpilot/internal/config"
	"chatpilot/internal/extract"
	"chatpilot/internal/monitor"
	"chatpilot/internal/recovery"
	"chatpilot/internal/transcript"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var finalReply = strings.Repeat("The answer is thorough and complete. ", 4)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

type fakeSubmitter struct{ prompts []string }

func (f *fakeSubmitter) SubmitPrompt(_ context.Context, msg string) error {
	f.prompts = append(f.prompts, msg)
	return nil
}

type fakeSnapshots struct {
	snaps []extract.Snapshot
	i     int
}

func (f *fakeSnapshots) Messages(context.Context) (extract.Snapshot, error) {
	s := f.snaps[f.i]
	if f.i < len(f.snaps)-1 {
		f.i++
	}
	return s, nil
}

type fakeRecorder struct{ recs []transcript.CycleRecord }

func (f *fakeRecorder) Record(rec transcript.CycleRecord) error {
	f.recs = append(f.recs, rec)
	return nil
}

type fakeOutput struct{ texts []string }

func (f *fakeOutput) Write(text string) (string, error) {
	f.texts = append(f.texts, text)
	return "outputs/output_001_test.md", nil
}

func snapOf(pairs ...string) extract.Snapshot {
	s := extract.Snapshot{}
	for i := 0; i < len(pairs); i += 2 {
		s[pairs[i]] = extract.NewRecord(pairs[i], pairs[i+1], time.Unix(1700000000, 0))
	}
	return s
}

type harness struct {
	submitter *fakeSubmitter
	snaps     *fakeSnapshots
	recorder  *fakeRecorder
	output    *fakeOutput

	awaitRes  monitor.Result
	regenOut  recovery.Outcome
	fbOut     recovery.Outcome
	regenRuns int
	fbRuns    int
	baselines []string
}

func (h *harness) engine() *Engine {
	cfg := config.DefaultConfig()
	cfg.Monitor.MinResponseChars = 20
	deps := Deps{
		Submitter: h.submitter,
		Snapshots: h.snaps,
		Await: func(_ context.Context, opts monitor.Options) (monitor.Result, error) {
			h.baselines = append(h.baselines, opts.BaselineID)
			return h.awaitRes, nil
		},
		Regenerate: func(context.Context, string) (recovery.Outcome, error) {
			h.regenRuns++
			return h.regenOut, nil
		},
		Fallback: func(context.Context) (recovery.Outcome, error) {
			h.fbRuns++
			return h.fbOut, nil
		},
		Output:     h.output,
		Transcript: h.recorder,
		Clock:      &testClock{now: time.Unix(1700000000, 0)},
		Config:     cfg,
	}
	return NewEngine(deps, cfg.Site.URL)
}

func newHarness() *harness {
	return &harness{
		submitter: &fakeSubmitter{},
		recorder:  &fakeRecorder{},
		output:    &fakeOutput{},
		snaps: &fakeSnapshots{snaps: []extract.Snapshot{
			snapOf("1", "earlier turn", "2", "user message"),
			snapOf("1", "earlier turn", "2", "user message", "3", finalReply),
		}},
	}
}

func TestRunPromptHappyPath(t *testing.T) {
	h := newHarness()
	h.awaitRes = monitor.Result{State: monitor.Complete, Text: finalReply, Polls: 5}

	e := h.engine()
	res, err := e.RunPrompt(context.Background(), "what is the answer")
	if err != nil {
		t.Fatalf("RunPrompt failed: %v", err)
	}
	if res.State != monitor.Complete {
		t.Errorf("expected Complete, got %s", res.State)
	}
	if res.Text != strings.TrimSpace(finalReply) {
		t.Errorf("wrong text: %q", res.Text)
	}
	if res.OutputPath == "" {
		t.Error("output path missing")
	}
	if len(h.submitter.prompts) != 1 || h.submitter.prompts[0] != "what is the answer" {
		t.Errorf("wrong submissions: %v", h.submitter.prompts)
	}
	if len(h.baselines) != 1 || h.baselines[0] != "2" {
		t.Errorf("baseline should be newest pre-submission ID, got %v", h.baselines)
	}
	if h.regenRuns != 0 || h.fbRuns != 0 {
		t.Error("recovery must not run on a clean cycle")
	}
	if len(h.recorder.recs) != 1 {
		t.Fatalf("expected 1 transcript record, got %d", len(h.recorder.recs))
	}
	if h.recorder.recs[0].State != "complete" {
		t.Errorf("wrong recorded state: %q", h.recorder.recs[0].State)
	}

	conv := e.Conversation()
	if conv.PromptCount != 1 {
		t.Errorf("prompt count = %d, want 1", conv.PromptCount)
	}
	if conv.LastMessageID != "3" {
		t.Errorf("last message id = %q, want 3", conv.LastMessageID)
	}
}

func TestRunPromptErrorRecoversViaRegenerate(t *testing.T) {
	h := newHarness()
	h.awaitRes = monitor.Result{State: monitor.ErrorDetected, Phrase: "error"}
	h.regenOut = recovery.Outcome{Recovered: true, Text: finalReply,
		Attempts: []recovery.Attempt{{Index: 1, Kind: "regenerate"}}}

	res, err := h.engine().RunPrompt(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("RunPrompt failed: %v", err)
	}
	if res.State != monitor.Complete {
		t.Errorf("expected Complete after recovery, got %s", res.State)
	}
	if h.regenRuns != 1 {
		t.Errorf("regenerate runs = %d, want 1", h.regenRuns)
	}
	if h.fbRuns != 0 {
		t.Error("fallback must not run when regenerate recovers")
	}
	if len(h.recorder.recs) != 1 || !h.recorder.recs[0].Recovered {
		t.Error("transcript should mark the cycle recovered")
	}
}

func TestRunPromptErrorEscalatesToFallback(t *testing.T) {
	h := newHarness()
	h.awaitRes = monitor.Result{State: monitor.ErrorDetected}
	h.regenOut = recovery.Outcome{Recovered: false}
	h.fbOut = recovery.Outcome{Recovered: true, Text: finalReply}

	res, err := h.engine().RunPrompt(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("RunPrompt failed: %v", err)
	}
	if res.State != monitor.Complete {
		t.Errorf("expected Complete, got %s", res.State)
	}
	if h.regenRuns != 1 || h.fbRuns != 1 {
		t.Errorf("expected regenerate then fallback, got %d/%d", h.regenRuns, h.fbRuns)
	}
}

func TestRunPromptTimeoutGoesStraightToFallback(t *testing.T) {
	h := newHarness()
	h.awaitRes = monitor.Result{State: monitor.TimedOut, Text: "partial"}
	h.fbOut = recovery.Outcome{Recovered: true, Text: finalReply}

	res, err := h.engine().RunPrompt(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("RunPrompt failed: %v", err)
	}
	if h.regenRuns != 0 {
		t.Error("timeout must not trigger regenerate")
	}
	if h.fbRuns != 1 {
		t.Errorf("fallback runs = %d, want 1", h.fbRuns)
	}
	if res.State != monitor.Complete {
		t.Errorf("expected Complete, got %s", res.State)
	}
}

func TestRunPromptFailsWhenRecoveryExhausted(t *testing.T) {
	h := newHarness()
	h.awaitRes = monitor.Result{State: monitor.ErrorDetected}
	h.regenOut = recovery.Outcome{Recovered: false,
		Attempts: make([]recovery.Attempt, 20)}
	h.fbOut = recovery.Outcome{Recovered: false,
		Attempts: make([]recovery.Attempt, 20)}

	res, err := h.engine().RunPrompt(context.Background(), "prompt")
	if !errors.Is(err, ErrCycleFailed) {
		t.Fatalf("expected ErrCycleFailed, got %v", err)
	}
	if res.State != monitor.ErrorDetected {
		t.Errorf("failed cycle should keep its terminal state, got %s", res.State)
	}
	if len(h.recorder.recs) != 1 {
		t.Fatal("failed cycles must still reach the transcript")
	}
	rec := h.recorder.recs[0]
	if rec.RegenerateAttempts != 20 || rec.FallbackAttempts != 20 {
		t.Errorf("attempt counts lost: %d/%d", rec.RegenerateAttempts, rec.FallbackAttempts)
	}
	if len(h.output.texts) != 0 {
		t.Error("failed cycle must not write an output file")
	}
}

func TestStatusCarriesAttemptCounters(t *testing.T) {
	h := newHarness()
	h.awaitRes = monitor.Result{State: monitor.ErrorDetected, Phrase: "server error"}
	h.regenOut = recovery.Outcome{Recovered: false, Attempts: make([]recovery.Attempt, 3)}
	h.fbOut = recovery.Outcome{Recovered: false, Attempts: make([]recovery.Attempt, 2)}

	e := h.engine()
	_, err := e.RunPrompt(context.Background(), "prompt")
	if !errors.Is(err, ErrCycleFailed) {
		t.Fatalf("expected ErrCycleFailed, got %v", err)
	}

	s := <-e.Status()
	if s.RegenerateAttempts != 3 || s.FallbackAttempts != 2 {
		t.Errorf("counters = %d/%d, want 3/2", s.RegenerateAttempts, s.FallbackAttempts)
	}
	if s.LastError != "server error" {
		t.Errorf("last error = %q", s.LastError)
	}
}

func TestRunPromptExtractionFallsBackToMonitoredText(t *testing.T) {
	h := newHarness()
	same := snapOf("1", "earlier turn")
	h.snaps = &fakeSnapshots{snaps: []extract.Snapshot{same, same}}
	h.awaitRes = monitor.Result{State: monitor.Complete, Text: finalReply}

	res, err := h.engine().RunPrompt(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("RunPrompt failed: %v", err)
	}
	if res.Text != strings.TrimSpace(finalReply) {
		t.Errorf("monitored text fallback missing: %q", res.Text)
	}
}

func TestStatusKeepsLatestOnly(t *testing.T) {
	h := newHarness()
	h.awaitRes = monitor.Result{State: monitor.Complete, Text: finalReply}

	e := h.engine()
	if _, err := e.RunPrompt(context.Background(), "prompt"); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-e.Status():
		if s.State != monitor.Idle {
			t.Errorf("expected newest status Idle, got %s", s.State)
		}
	default:
		t.Fatal("no status available")
	}

	select {
	case s := <-e.Status():
		t.Fatalf("stale status retained: %v", s)
	default:
	}
}
