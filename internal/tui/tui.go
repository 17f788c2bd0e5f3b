// Package tui shows one reply streaming in: narrative text, the status of
// every action, the body currently being written, and the preview URL.
package tui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"github.com/sokinpui/artifact/internal/logger"
	"github.com/sokinpui/artifact/internal/protocol"
	"github.com/sokinpui/artifact/internal/render"
	"github.com/sokinpui/artifact/internal/session"
	"github.com/sokinpui/artifact/model"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetTUILogger()
		log = &l
	})
	return log
}

// --- Styles ---
var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("197"))
	linkStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Underline(true)
	pathStyle    = lipgloss.NewStyle()
	faintStyle   = lipgloss.NewStyle().Faint(true)
)

// --- Messages ---
type summaryMsg struct {
	model.Summary
}

type errorMsg struct {
	summary model.Summary
	err     error
}

func (e errorMsg) Error() string { return e.err.Error() }

type eventMsg session.Event

type eventsClosedMsg struct{}

// --- Model ---

// Runner sends the message and blocks until it settles.
type Runner func() (model.Summary, error)

type state int

const (
	stateProcessing state = iota
	stateSummary
	stateError
)

const headerLines = 1

type Model struct {
	run      Runner
	events   <-chan session.Event
	renderer *render.Terminal

	spinner  spinner.Model
	viewport viewport.Model
	width    int

	state      state
	snapshot   protocol.Snapshot
	previewURL string
	summary    model.Summary
	err        error
}

// New returns a model that calls run and follows events until it returns.
// renderer may be nil, in which case narrative text is shown as is.
func New(run Runner, events <-chan session.Event, renderer *render.Terminal) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return Model{
		run:      run,
		events:   events,
		renderer: renderer,
		spinner:  s,
		viewport: viewport.New(80, 20),
		width:    80,
		state:    stateProcessing,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.runApp, m.waitForEvent)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-headerLines-m.statusHeight(), 3)
		m.refresh()
		return m, nil

	case eventMsg:
		m.handleEvent(session.Event(msg))
		return m, m.waitForEvent

	case eventsClosedMsg:
		return m, nil

	case summaryMsg:
		m.state = stateSummary
		m.summary = msg.Summary
		m.previewURL = msg.PreviewURL
		m.refresh()
		if m.previewURL != "" {
			return m, nil
		}
		return m, tea.Quit

	case errorMsg:
		m.state = stateError
		m.err = msg.err
		m.summary = msg.summary
		return m, tea.Quit

	default:
		var cmd tea.Cmd
		if m.state == stateProcessing {
			m.spinner, cmd = m.spinner.Update(msg)
		}
		return m, cmd
	}
}

func (m *Model) handleEvent(e session.Event) {
	switch e.Type {
	case session.EventSnapshot:
		if e.Snapshot != nil {
			m.snapshot = *e.Snapshot
			m.refresh()
		}
	case session.EventPreview:
		if e.Preview != nil {
			m.previewURL = e.Preview.URL
		}
	}
}

// refresh re-renders the narrative into the viewport.
func (m *Model) refresh() {
	text := m.snapshot.DisplayText
	if m.state == stateProcessing || m.renderer == nil {
		text = lipgloss.NewStyle().Width(m.width).Render(text)
	} else if out, err := m.renderer.Render(text, m.width); err != nil {
		getLog().Warn().Err(err).Msg("Failed to render markdown")
	} else {
		text = out
	}
	m.viewport.SetContent(text)
	if m.state == stateProcessing {
		m.viewport.GotoBottom()
	}
}

func (m Model) statusHeight() int {
	return len(m.snapshot.Actions) + 3
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.actionsView())

	switch m.state {
	case stateError:
		b.WriteString(errorStyle.Render("Error: ", m.err.Error()))
		b.WriteString("\n")
	case stateSummary:
		b.WriteString(m.renderSummary())
	}
	if m.previewURL != "" {
		b.WriteString(fmt.Sprintf("Preview: %s\n", linkStyle.Render(m.previewURL)))
		if m.state == stateSummary {
			b.WriteString(faintStyle.Render("Press q to quit and stop the preview."))
		}
	}
	return b.String()
}

func (m Model) headerView() string {
	if m.state != stateProcessing {
		return headerStyle.Render("Reply")
	}
	phase := m.snapshot.Phase
	if phase == protocol.PhaseIdle {
		return fmt.Sprintf("%s Waiting for reply...", m.spinner.View())
	}
	return fmt.Sprintf("%s %s...", m.spinner.View(), strings.ToUpper(phase.String()[:1])+phase.String()[1:])
}

func (m Model) actionsView() string {
	var b strings.Builder
	for _, st := range m.snapshot.Actions {
		label := protocol.Describe(st.Action)
		switch {
		case st.Failed:
			b.WriteString(errorStyle.Render("✗ " + label + ": " + st.Error))
		case st.Completed:
			b.WriteString(successStyle.Render("✓ " + label))
		default:
			b.WriteString(faintStyle.Render("• " + label))
		}
		b.WriteString("\n")
	}
	if p := m.snapshot.Pending; p != nil {
		b.WriteString(fmt.Sprintf("%s writing %s (%s)\n", m.spinner.View(), pathStyle.Render(p.Path), formatBytes(p.Bytes)))
	}
	return b.String()
}

func (m *Model) renderSummary() string {
	var b strings.Builder

	if m.summary.Message != "" {
		b.WriteString(headerStyle.Render(m.summary.Message))
		b.WriteString("\n")
	}

	hasContent := false
	for _, sec := range []struct {
		title string
		items []string
		style lipgloss.Style
	}{
		{"Created:", m.summary.Created, successStyle},
		{"Modified:", m.summary.Modified, successStyle},
		{"Deleted:", m.summary.Deleted, successStyle},
		{"Commands:", m.summary.Commands, successStyle},
		{"Failed:", m.summary.Failed, errorStyle},
	} {
		if len(sec.items) == 0 {
			continue
		}
		hasContent = true
		b.WriteString(sec.style.Render(sec.title))
		b.WriteString("\n")
		for _, f := range sec.items {
			b.WriteString(fmt.Sprintf("  %s\n", pathStyle.Render(f)))
		}
	}

	if !hasContent && m.summary.Message == "" {
		b.WriteString(faintStyle.Render("Nothing to do."))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) runApp() tea.Msg {
	summary, err := m.run()
	if err != nil {
		return errorMsg{summary: summary, err: err}
	}
	return summaryMsg{Summary: summary}
}

func (m Model) waitForEvent() tea.Msg {
	if m.events == nil {
		return eventsClosedMsg{}
	}
	e, ok := <-m.events
	if !ok {
		return eventsClosedMsg{}
	}
	return eventMsg(e)
}

// Summary is the final outcome, valid once the program has exited.
func (m Model) Summary() model.Summary { return m.summary }

// Err is the error the run ended with, if any.
func (m Model) Err() error { return m.err }

func formatBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
