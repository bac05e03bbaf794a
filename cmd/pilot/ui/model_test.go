package ui

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"chatpilot/internal/cycle"
	"chatpilot/internal/monitor"
)

type fakeRunner struct {
	res     cycle.Result
	err     error
	prompts []string
	status  chan cycle.Status
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{status: make(chan cycle.Status, 1)}
}

func (f *fakeRunner) RunPrompt(_ context.Context, prompt string) (cycle.Result, error) {
	f.prompts = append(f.prompts, prompt)
	return f.res, f.err
}

func (f *fakeRunner) Status() <-chan cycle.Status { return f.status }

func sized(m Model) Model {
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	return updated.(Model)
}

func TestEnterSubmitsPrompt(t *testing.T) {
	runner := newFakeRunner()
	m := sized(New(context.Background(), runner))

	m.input.SetValue("hello world")
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = updated.(Model)

	if !m.busy {
		t.Error("model should be busy after submitting")
	}
	if cmd == nil {
		t.Fatal("enter should produce a run command")
	}
	if m.input.Value() != "" {
		t.Error("input should reset after submit")
	}
}

func TestEnterIgnoredWhileBusy(t *testing.T) {
	runner := newFakeRunner()
	m := sized(New(context.Background(), runner))
	m.busy = true
	m.input.SetValue("second prompt")

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = updated.(Model)

	if cmd != nil {
		t.Error("busy model must not start another cycle")
	}
	if m.input.Value() != "second prompt" {
		t.Error("input should be preserved while busy")
	}
}

func TestQuitKeyword(t *testing.T) {
	runner := newFakeRunner()
	m := sized(New(context.Background(), runner))
	m.input.SetValue("quit")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("quit should produce a command")
	}
	if msg := cmd(); msg != tea.Quit() {
		t.Errorf("expected tea.Quit, got %v", msg)
	}
}

func TestResultRenders(t *testing.T) {
	runner := newFakeRunner()
	m := sized(New(context.Background(), runner))
	m.busy = true

	updated, _ := m.Update(resultMsg{
		prompt: "p",
		res:    cycle.Result{State: monitor.Complete, Text: "the reply", Polls: 4},
	})
	m = updated.(Model)

	if m.busy {
		t.Error("result should clear busy")
	}
	if m.cycles != 1 {
		t.Errorf("cycles = %d, want 1", m.cycles)
	}
	if !strings.Contains(m.View(), "reply") {
		t.Error("reply text missing from view")
	}
}

func TestCycleFailureShowsAttemptCounts(t *testing.T) {
	runner := newFakeRunner()
	m := sized(New(context.Background(), runner))
	m.busy = true

	updated, _ := m.Update(resultMsg{
		prompt: "p",
		err:    cycle.ErrCycleFailed,
	})
	m = updated.(Model)

	if m.lastErr == nil {
		t.Error("failure should be surfaced")
	}
	if !strings.Contains(m.View(), "failed") {
		t.Error("failure message missing from view")
	}
}

func TestStatusUpdatesRelisten(t *testing.T) {
	runner := newFakeRunner()
	m := sized(New(context.Background(), runner))
	m.busy = true

	updated, cmd := m.Update(statusMsg(cycle.Status{State: monitor.Thinking}))
	m = updated.(Model)

	if m.status.State != monitor.Thinking {
		t.Errorf("status not applied: %s", m.status.State)
	}
	if cmd == nil {
		t.Error("status handling must re-arm the listener")
	}
	if !strings.Contains(m.View(), "thinking") {
		t.Errorf("status label missing from view")
	}
}
