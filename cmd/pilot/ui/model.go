// Package ui is the bubbletea front end: a prompt input, a rendered view of
// the latest reply, and a live status line fed by the cycle engine.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"chatpilot/internal/cycle"
	"chatpilot/internal/monitor"
)

// Runner is the slice of the cycle engine the UI needs.
type Runner interface {
	RunPrompt(ctx context.Context, prompt string) (cycle.Result, error)
	Status() <-chan cycle.Status
}

type statusMsg cycle.Status

type resultMsg struct {
	prompt string
	res    cycle.Result
	err    error
}

// Model is the top-level bubbletea model.
type Model struct {
	ctx    context.Context
	runner Runner

	input textinput.Model
	view  viewport.Model
	spin  spinner.Model

	width  int
	height int
	ready  bool

	busy    bool
	status  cycle.Status
	lastErr error
	cycles  int
}

// New builds the UI over a running engine.
func New(ctx context.Context, runner Runner) Model {
	ti := textinput.New()
	ti.Placeholder = "type a prompt and press enter"
	ti.Prompt = "> "
	ti.PromptStyle = promptStyle
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		ctx:    ctx,
		runner: runner,
		input:  ti,
		spin:   sp,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.listenStatus())
}

func (m Model) listenStatus() tea.Cmd {
	ch := m.runner.Status()
	return func() tea.Msg {
		select {
		case <-m.ctx.Done():
			return nil
		case s := <-ch:
			return statusMsg(s)
		}
	}
}

func (m Model) runPrompt(prompt string) tea.Cmd {
	return func() tea.Msg {
		res, err := m.runner.RunPrompt(m.ctx, prompt)
		return resultMsg{prompt: prompt, res: res, err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		bodyHeight := msg.Height - 5
		if bodyHeight < 1 {
			bodyHeight = 1
		}
		if !m.ready {
			m.view = viewport.New(msg.Width, bodyHeight)
			m.view.SetContent(helpStyle.Render("replies render here"))
			m.ready = true
		} else {
			m.view.Width = msg.Width
			m.view.Height = bodyHeight
		}
		m.input.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.busy {
				return m, nil
			}
			prompt := strings.TrimSpace(m.input.Value())
			if prompt == "" {
				return m, nil
			}
			if prompt == "quit" || prompt == "exit" {
				return m, tea.Quit
			}
			m.input.Reset()
			m.busy = true
			m.lastErr = nil
			return m, tea.Batch(m.runPrompt(prompt), m.spin.Tick)
		}

	case statusMsg:
		m.status = cycle.Status(msg)
		return m, m.listenStatus()

	case resultMsg:
		m.busy = false
		m.cycles++
		if msg.err != nil {
			m.lastErr = msg.err
			if errors.Is(msg.err, cycle.ErrCycleFailed) {
				m.view.SetContent(errorStyle.Render(fmt.Sprintf(
					"generation failed after %d regenerate and %d fallback attempts",
					len(msg.res.Regenerate.Attempts), len(msg.res.Fallback.Attempts))))
			} else {
				m.view.SetContent(errorStyle.Render(msg.err.Error()))
			}
			return m, nil
		}
		m.view.SetContent(m.renderReply(msg))
		m.view.GotoTop()
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.view, cmd = m.view.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) renderReply(msg resultMsg) string {
	width := m.width - 2
	if width < 20 {
		width = 20
	}
	body := msg.res.Text
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
	if err == nil {
		if rendered, err := r.Render(body); err == nil {
			body = rendered
		}
	}

	var footer strings.Builder
	fmt.Fprintf(&footer, "%d polls, %s", msg.res.Polls, msg.res.Duration.Round(time.Second))
	if msg.res.Regenerate.Recovered || msg.res.Fallback.Recovered {
		footer.WriteString("  ")
		footer.WriteString(recoveredStyle.Render("recovered"))
	}
	if msg.res.OutputPath != "" {
		fmt.Fprintf(&footer, "  saved %s", msg.res.OutputPath)
	}
	return body + "\n" + statusStyle.Render(footer.String())
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "starting..."
	}

	title := titleStyle.Render("chatpilot")
	statusLine := m.statusLine()
	help := helpStyle.Render("enter: submit  esc: quit")

	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		m.view.View(),
		statusLine,
		m.input.View(),
		help,
	)
}

func (m Model) statusLine() string {
	if m.lastErr != nil && !m.busy {
		return errorStyle.Render("error: " + m.lastErr.Error())
	}
	if !m.busy {
		return statusStyle.Render(fmt.Sprintf("idle, %d cycles done", m.cycles))
	}

	label := m.status.State.String()
	switch m.status.State {
	case monitor.Submitted:
		label = "waiting for response"
	case monitor.Thinking:
		label = "model is thinking"
	case monitor.Stabilizing:
		label = "response streaming"
	case monitor.ErrorDetected:
		label = "recovering"
		if m.status.Detail != "" {
			label = m.status.Detail
		}
		if m.status.RegenerateAttempts > 0 || m.status.FallbackAttempts > 0 {
			label += fmt.Sprintf(" (regenerate %d, fallback %d)",
				m.status.RegenerateAttempts, m.status.FallbackAttempts)
		}
	case monitor.TimedOut:
		label = "timed out, falling back"
	}
	return m.spin.View() + statusStyle.Render(label)
}
