// Package tui renders sequential work (provisioning, pool warm-up) as
// animated spinner steps, falling back to plain lines off-TTY.
package tui

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/seuriin/hokgo/internal/ui"
)

// Step is one unit of work. Run may call sub to update the live
// spinner text (e.g. "warming up pool (42/100)").
type Step struct {
	Title string
	Run   func(ctx context.Context, sub func(string)) error
}

type stepDoneMsg struct {
	err error
}

type subStepMsg struct {
	msg string
}

type model struct {
	ctx     context.Context
	cancel  context.CancelFunc
	steps   []Step
	current int
	done    []string
	spinner spinner.Model
	subMsg  string
	err     error
	program *tea.Program
}

func (m *model) Init() tea.Cmd {
	m.subMsg = m.steps[0].Title
	return tea.Batch(m.spinner.Tick, m.runStep(0))
}

func (m *model) runStep(idx int) tea.Cmd {
	step := m.steps[idx]
	return func() tea.Msg {
		sub := func(msg string) {
			m.program.Send(subStepMsg{msg: msg})
		}
		return stepDoneMsg{err: step.Run(m.ctx, sub)}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.cancel()
			m.err = context.Canceled
			return m, tea.Quit
		}

	case subStepMsg:
		m.subMsg = msg.msg
		return m, nil

	case stepDoneMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.done = append(m.done, m.subMsg)
		m.current++
		if m.current >= len(m.steps) {
			return m, tea.Quit
		}
		m.subMsg = m.steps[m.current].Title
		return m, m.runStep(m.current)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *model) View() string {
	var b strings.Builder
	for _, msg := range m.done {
		b.WriteString(ui.StepOK(msg) + "\n")
	}
	if m.err != nil {
		b.WriteString(ui.StepFail(m.subMsg) + "\n")
	} else if m.current < len(m.steps) {
		b.WriteString(m.spinner.View() + " " + m.subMsg + "\n")
	}
	return b.String()
}

// RunSteps executes steps sequentially with spinner progress. A step's
// spinner resolves to a checkmark on success or a cross on failure.
func RunSteps(ctx context.Context, steps []Step) error {
	if len(steps) == 0 {
		return nil
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return runStepsPlain(ctx, steps)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ui.Yellow)

	m := &model{
		ctx:     ctx,
		cancel:  cancel,
		steps:   steps,
		spinner: s,
	}
	p := tea.NewProgram(m)
	m.program = p

	result, err := p.Run()
	if err != nil {
		return fmt.Errorf("TUI: %w", err)
	}
	if r, ok := result.(*model); ok && r.err != nil {
		return r.err
	}
	return nil
}

// runStepsPlain runs steps without animation (non-TTY fallback).
func runStepsPlain(ctx context.Context, steps []Step) error {
	for _, step := range steps {
		msg := step.Title
		sub := func(s string) { msg = s }
		if err := step.Run(ctx, sub); err != nil {
			fmt.Println(ui.StepFail(msg))
			return err
		}
		fmt.Println(ui.StepOK(msg))
	}
	return nil
}
