package monitor

import (
	"context"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"chatpilot/internal/config"
)

// Probe reads generation state off the page. The browser package provides
// the live implementation; tests script one.
type Probe interface {
	// ThinkingVisible reports whether a progress indicator is shown.
	ThinkingVisible(ctx context.Context) bool
	// CandidateText returns the newest response text after the baseline
	// message, optionally with bare progress-marker lines removed.
	CandidateText(ctx context.Context, baselineID string, excludeThinking bool) (string, error)
	// ErrorText returns the text of a dedicated error surface, if shown.
	ErrorText(ctx context.Context) (string, bool)
	// CompletionSignalAfter reports whether the page renders its
	// finished-reply affordance inside a message newer than the baseline.
	CompletionSignalAfter(ctx context.Context, baselineID string) (bool, error)
}

// Options parameterizes one wait.
type Options struct {
	// BaselineID is the newest message ID observed before submission.
	BaselineID string
	// Timeout overrides the configured deadline when positive.
	Timeout time.Duration
	// ExcludeThinking switches the candidate reader to drop progress
	// marker lines instead of letting them reset stability. Used by the
	// fallback recovery path, where the indicator may never clear.
	ExcludeThinking bool
	// OnTransition, when set, is invoked on every state change.
	OnTransition func(State)
}

// Result is the outcome of one wait.
type Result struct {
	State State
	// Text is the final candidate text. Populated for Complete, and for
	// TimedOut when partial text was observed.
	Text string
	// Phrase is the matched error phrase for ErrorDetected.
	Phrase string
	// Confirmed reports that the page's finished-reply affordance was also
	// present when stability was reached.
	Confirmed bool
	// Polls is the number of observation rounds taken.
	Polls int
	// Elapsed is wall time from start to the terminal state.
	Elapsed time.Duration
}

// Monitor runs the completion-detection loop.
type Monitor struct {
	probe      Probe
	classifier *Classifier
	clock      Clock
	cfg        config.MonitorConfig
	log        *zap.Logger
}

// New builds a Monitor.
func New(probe Probe, classifier *Classifier, clock Clock, cfg config.MonitorConfig, log *zap.Logger) *Monitor {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{probe: probe, classifier: classifier, clock: clock, cfg: cfg, log: log}
}

// AwaitCompletion polls until the reply completes, a terminal error phrase
// appears, or the deadline passes. Completion requires the candidate text to
// hold identical across consecutive polls while meeting the minimum length,
// with no thinking indicator visible. An error phrase wins immediately over
// any stability progress. The returned error is non-nil only when ctx is
// cancelled; timeout is a Result state, not an error.
func (m *Monitor) AwaitCompletion(ctx context.Context, opts Options) (Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Timeout()
	}
	start := m.clock.Now()
	deadline := start.Add(timeout)

	state := Submitted
	transition := func(next State) {
		if next == state {
			return
		}
		m.log.Debug("monitor state change",
			zap.String("from", state.String()), zap.String("to", next.String()))
		state = next
		if opts.OnTransition != nil {
			opts.OnTransition(next)
		}
	}

	var (
		prev   string
		stable int
		polls  int
	)

	for {
		if !m.clock.Now().Before(deadline) {
			transition(TimedOut)
			m.log.Warn("completion wait timed out",
				zap.Int("polls", polls), zap.Int("partial_chars", utf8.RuneCountInString(prev)))
			return Result{State: TimedOut, Text: prev, Polls: polls, Elapsed: m.clock.Now().Sub(start)}, nil
		}
		polls++

		if text, ok := m.probe.ErrorText(ctx); ok {
			if phrase, hit := m.classifier.Match(text); hit {
				transition(ErrorDetected)
				return Result{State: ErrorDetected, Phrase: phrase, Polls: polls, Elapsed: m.clock.Now().Sub(start)}, nil
			}
		}

		text, err := m.probe.CandidateText(ctx, opts.BaselineID, opts.ExcludeThinking)
		if err != nil {
			m.log.Warn("candidate read failed, retrying next poll", zap.Error(err))
			text = ""
		}
		if phrase, hit := m.classifier.Match(text); hit {
			transition(ErrorDetected)
			return Result{State: ErrorDetected, Text: text, Phrase: phrase, Polls: polls, Elapsed: m.clock.Now().Sub(start)}, nil
		}

		thinking := m.probe.ThinkingVisible(ctx)

		switch {
		case text == "":
			stable = 0
			if thinking {
				transition(Thinking)
			} else {
				transition(Submitted)
			}
		case thinking && !opts.ExcludeThinking:
			// Indicator still up: whatever text is there is not final.
			stable = 0
			prev = text
			transition(Thinking)
		default:
			if text == prev {
				stable++
			} else {
				prev = text
				stable = 1
			}
			transition(Stabilizing)

			longEnough := utf8.RuneCountInString(text) >= m.cfg.MinResponseChars
			if longEnough && stable >= m.cfg.StablePolls {
				// Stability alone decides completion. The reply affordance
				// only corroborates; its absence is worth a log line since
				// it usually means the selector chain has drifted.
				confirmed, err := m.probe.CompletionSignalAfter(ctx, opts.BaselineID)
				if err != nil {
					m.log.Debug("completion signal probe failed", zap.Error(err))
				} else if !confirmed {
					m.log.Debug("stable reply without reply affordance", zap.Int("polls", polls))
				}
				transition(Complete)
				return Result{State: Complete, Text: text, Confirmed: confirmed, Polls: polls, Elapsed: m.clock.Now().Sub(start)}, nil
			}
		}

		if err := m.clock.Sleep(ctx, m.cfg.PollInterval()); err != nil {
			return Result{State: state, Text: prev, Polls: polls, Elapsed: m.clock.Now().Sub(start)}, err
		}
	}
}
