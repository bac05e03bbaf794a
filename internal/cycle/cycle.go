// Package cycle runs full prompt cycles: submit, wait for completion,
// recover from failures, extract the reply, persist it. One engine serves
// one conversation page; cycles are serialized.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatpilot/internal/config"
	"chatpilot/internal/extract"
	"chatpilot/internal/monitor"
	"chatpilot/internal/recovery"
	"chatpilot/internal/transcript"
)

// ErrCycleFailed means the generation failed and both recovery engines were
// exhausted. The cycle result still carries the attempt history.
var ErrCycleFailed = errors.New("generation failed after recovery was exhausted")

// extractRetries bounds re-reads of the message list when the reply has not
// landed in a container yet.
const extractRetries = 3

// Submitter sends a prompt into the page.
type Submitter interface {
	SubmitPrompt(ctx context.Context, message string) error
}

// Snapshotter reads the current message list.
type Snapshotter interface {
	Messages(ctx context.Context) (extract.Snapshot, error)
}

// OutputWriter persists one reply and returns its path.
type OutputWriter interface {
	Write(text string) (string, error)
}

// Recorder appends one cycle to the transcript.
type Recorder interface {
	Record(rec transcript.CycleRecord) error
}

// RegenerateFunc runs the regenerate recovery engine.
type RegenerateFunc func(ctx context.Context, prompt string) (recovery.Outcome, error)

// FallbackFunc runs the fallback recovery engine.
type FallbackFunc func(ctx context.Context) (recovery.Outcome, error)

// Status is one progress update for UIs. Published latest-wins: a slow
// consumer sees the newest state, never a backlog.
type Status struct {
	State  monitor.State
	Detail string
	At     time.Time

	// Attempt counters for the current cycle, one per retry kind.
	RegenerateAttempts int
	FallbackAttempts   int
	// LastError is the most recent terminal error phrase, if any.
	LastError string
	// Text carries the final reply once the cycle completes.
	Text string
}

// Result is the outcome of one cycle.
type Result struct {
	State      monitor.State
	Text       string
	OutputPath string
	Polls      int
	Regenerate recovery.Outcome
	Fallback   recovery.Outcome
	Duration   time.Duration
}

// Conversation tracks what the engine knows about the open page.
type Conversation struct {
	URL           string
	PromptCount   int
	LastMessageID string
}

// Deps wires an Engine.
type Deps struct {
	Submitter  Submitter
	Snapshots  Snapshotter
	Await      recovery.AwaitFunc
	Regenerate RegenerateFunc
	Fallback   FallbackFunc
	Output     OutputWriter
	// Transcript may be nil; cycles then go unrecorded.
	Transcript Recorder
	Clock      monitor.Clock
	Config     config.Config
	Log        *zap.Logger
}

// Engine serializes prompt cycles against one conversation.
type Engine struct {
	deps Deps
	log  *zap.Logger

	mu   sync.Mutex
	conv Conversation

	// progress of the cycle in flight, reset per prompt
	regenAttempts int
	fbAttempts    int
	lastError     string
	finalText     string

	statusCh chan Status
}

// NewEngine builds an Engine for the conversation at url.
func NewEngine(deps Deps, url string) *Engine {
	if deps.Clock == nil {
		deps.Clock = monitor.SystemClock{}
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Engine{
		deps:     deps,
		log:      deps.Log,
		conv:     Conversation{URL: url},
		statusCh: make(chan Status, 1),
	}
}

// Status returns the progress channel. Only the most recent update is
// retained.
func (e *Engine) Status() <-chan Status {
	return e.statusCh
}

// SetConfig swaps the engine's configuration between cycles. Text cleanup,
// extraction thresholds, and pacing pick the new values up on the next
// prompt; an in-flight cycle finishes on the old ones.
func (e *Engine) SetConfig(cfg config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deps.Config = cfg
}

// Conversation returns a copy of the tracked conversation state.
func (e *Engine) Conversation() Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv
}

// NotifyAttempt feeds per-attempt recovery progress into the status
// channel. Wire it to the recovery engines' OnAttempt hooks.
func (e *Engine) NotifyAttempt(a recovery.Attempt) {
	switch a.Kind {
	case "fallback":
		e.fbAttempts = a.Index
	default:
		e.regenAttempts = a.Index
	}
	e.publish(monitor.ErrorDetected, fmt.Sprintf("%s attempt %d", a.Kind, a.Index))
}

func (e *Engine) publish(state monitor.State, detail string) {
	s := Status{
		State:              state,
		Detail:             detail,
		At:                 e.deps.Clock.Now(),
		RegenerateAttempts: e.regenAttempts,
		FallbackAttempts:   e.fbAttempts,
		LastError:          e.lastError,
		Text:               e.finalText,
	}
	for {
		select {
		case e.statusCh <- s:
			return
		default:
			select {
			case <-e.statusCh:
			default:
			}
		}
	}
}

// RunPrompt executes one full cycle. Returns ErrCycleFailed when the reply
// could not be produced even after recovery; other errors mean the cycle
// infrastructure itself broke.
func (e *Engine) RunPrompt(ctx context.Context, prompt string) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.deps.Clock.Now()
	res := Result{State: monitor.Idle}
	e.regenAttempts, e.fbAttempts = 0, 0
	e.lastError, e.finalText = "", ""

	before, err := e.deps.Snapshots.Messages(ctx)
	if err != nil {
		e.log.Warn("pre-submission snapshot failed", zap.Error(err))
		before = extract.Snapshot{}
	}
	baseline := newestID(before)

	e.publish(monitor.Submitted, "submitting prompt")
	if err := e.deps.Submitter.SubmitPrompt(ctx, prompt); err != nil {
		return res, fmt.Errorf("submit: %w", err)
	}
	e.conv.PromptCount++

	mres, err := e.deps.Await(ctx, monitor.Options{
		BaselineID: baseline,
		OnTransition: func(s monitor.State) {
			e.publish(s, "")
		},
	})
	if err != nil {
		return res, err
	}
	res.State = mres.State
	res.Polls = mres.Polls
	text := ""

	switch mres.State {
	case monitor.Complete:
		text = mres.Text

	case monitor.ErrorDetected:
		e.lastError = mres.Phrase
		e.log.Warn("generation error detected, regenerating", zap.String("phrase", mres.Phrase))
		e.publish(monitor.ErrorDetected, "regenerating")
		regen, err := e.deps.Regenerate(ctx, prompt)
		if err != nil {
			return res, err
		}
		res.Regenerate = regen
		e.regenAttempts = len(regen.Attempts)
		if regen.Recovered {
			text = regen.Text
			res.State = monitor.Complete
		} else {
			e.publish(monitor.ErrorDetected, "falling back")
			fb, err := e.deps.Fallback(ctx)
			if err != nil {
				return res, err
			}
			res.Fallback = fb
			e.fbAttempts = len(fb.Attempts)
			if fb.Recovered {
				text = fb.Text
				res.State = monitor.Complete
			}
		}

	case monitor.TimedOut:
		// No error surface to regenerate from; go straight to fallback.
		e.log.Warn("completion wait timed out, falling back",
			zap.Int("partial_chars", len(mres.Text)))
		e.publish(monitor.TimedOut, "falling back")
		fb, err := e.deps.Fallback(ctx)
		if err != nil {
			return res, err
		}
		res.Fallback = fb
		e.fbAttempts = len(fb.Attempts)
		if fb.Recovered {
			text = fb.Text
			res.State = monitor.Complete
		} else if mres.Text != "" {
			// Keep the partial text for the record, but the cycle fails.
			res.Text = mres.Text
		}
	}

	if text == "" {
		res.Duration = e.deps.Clock.Now().Sub(start)
		e.record(prompt, res, "", start)
		e.publish(res.State, "cycle failed")
		return res, ErrCycleFailed
	}

	final := e.extractFinal(ctx, before, prompt, text)
	final = extract.Clean(final, e.deps.Config.Site.CopyLabels, e.deps.Config.Site.TrailingArtifacts)
	res.Text = final

	if e.deps.Output != nil {
		path, err := e.deps.Output.Write(final)
		if err != nil {
			e.log.Error("failed to persist reply", zap.Error(err))
		} else {
			res.OutputPath = path
		}
	}

	res.Duration = e.deps.Clock.Now().Sub(start)
	e.record(prompt, res, final, start)
	e.finalText = final
	e.publish(monitor.Complete, "cycle complete")
	e.publish(monitor.Idle, "")
	return res, nil
}

// extractFinal diffs the message list against the pre-submission snapshot.
// The monitored candidate text is the fallback when no new container can be
// attributed, which happens when the page re-renders IDs mid-cycle.
func (e *Engine) extractFinal(ctx context.Context, before extract.Snapshot, prompt, monitored string) string {
	opts := extract.Options{
		Prompt:   prompt,
		MinChars: e.deps.Config.Monitor.MinResponseChars,
		Keywords: e.deps.Config.Site.ResponseKeywords,
	}

	for i := 0; i < extractRetries; i++ {
		after, err := e.deps.Snapshots.Messages(ctx)
		if err == nil {
			rec, err := extract.Latest(before, after, opts)
			if err == nil {
				e.conv.LastMessageID = rec.ID
				return rec.Text
			}
			e.log.Debug("extraction attempt failed", zap.Int("attempt", i+1), zap.Error(err))
		}
		if i < extractRetries-1 {
			if err := e.deps.Clock.Sleep(ctx, e.deps.Config.Monitor.PollInterval()); err != nil {
				break
			}
		}
	}
	e.log.Warn("falling back to monitored text for extraction")
	return monitored
}

func (e *Engine) record(prompt string, res Result, finalText string, start time.Time) {
	if e.deps.Transcript == nil {
		return
	}
	err := e.deps.Transcript.Record(transcript.CycleRecord{
		ConversationURL:    e.conv.URL,
		Prompt:             prompt,
		Response:           finalText,
		State:              res.State.String(),
		Polls:              res.Polls,
		RegenerateAttempts: len(res.Regenerate.Attempts),
		FallbackAttempts:   len(res.Fallback.Attempts),
		Recovered:          res.Regenerate.Recovered || res.Fallback.Recovered,
		OutputPath:         res.OutputPath,
		StartedAt:          start,
		FinishedAt:         e.deps.Clock.Now(),
	})
	if err != nil {
		e.log.Warn("transcript write failed", zap.Error(err))
	}
}

// newestID returns the highest-ordinal message ID in snap, or "".
func newestID(snap extract.Snapshot) string {
	best := ""
	bestOrd := -1
	for id, rec := range snap {
		if rec.Ordinal > bestOrd {
			best, bestOrd = id, rec.Ordinal
		}
	}
	return best
}
