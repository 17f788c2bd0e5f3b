package tui

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokinpui/artifact/internal/preview"
	"github.com/sokinpui/artifact/internal/protocol"
	"github.com/sokinpui/artifact/internal/render"
	"github.com/sokinpui/artifact/internal/session"
	"github.com/sokinpui/artifact/model"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm, cmd
}

func TestModel_StreamingView(t *testing.T) {
	m := New(func() (model.Summary, error) { return model.Summary{}, nil }, nil, nil)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 60, Height: 30})

	create, err := protocol.NewFileAction("app/a.jsx", protocol.OpCreate, "x")
	require.NoError(t, err)
	cmd, err := protocol.NewCommandAction("npm test", "")
	require.NoError(t, err)

	snap := protocol.Snapshot{
		Phase:       protocol.PhaseStreaming,
		DisplayText: "Adding a counter",
		Actions: []protocol.ActionStatus{
			{Kind: "file", Action: create, Completed: true},
			{Kind: "command", Action: cmd, Failed: true, Error: "exit status 1"},
		},
		Pending: &protocol.PendingAction{Path: "app/b.jsx", Operation: protocol.OpCreate, Bytes: 2048},
	}
	m, next := update(t, m, eventMsg(session.Event{Type: session.EventSnapshot, Snapshot: &snap}))
	assert.NotNil(t, next, "keeps listening for events")
	m, _ = update(t, m, eventMsg(session.Event{Type: session.EventPreview, Preview: &preview.State{URL: "http://localhost:5173"}}))

	view := m.View()
	assert.Contains(t, view, "Streaming...")
	assert.Contains(t, view, "Adding a counter")
	assert.Contains(t, view, "✓ create app/a.jsx")
	assert.Contains(t, view, "✗ run \"npm test\" in /app: exit status 1")
	assert.Contains(t, view, "writing app/b.jsx (2.0 KB)")
	assert.Contains(t, view, "http://localhost:5173")
}

func TestModel_SummaryQuitsWithoutPreview(t *testing.T) {
	m := New(nil, nil, render.NewTerminal("notty"))
	m, cmd := update(t, m, summaryMsg{model.Summary{Created: []string{"a.txt"}, Message: "1 action(s) applied, 0 failed"}})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())

	view := m.View()
	assert.Contains(t, view, "Created:")
	assert.Contains(t, view, "a.txt")
	assert.Equal(t, "a.txt", m.Summary().Created[0])
}

func TestModel_SummaryStaysOpenWithPreview(t *testing.T) {
	m := New(nil, nil, nil)
	m, cmd := update(t, m, summaryMsg{model.Summary{PreviewURL: "http://localhost:5173"}})
	assert.Nil(t, cmd)
	assert.Contains(t, m.View(), "Press q to quit")
}

func TestModel_Error(t *testing.T) {
	m := New(nil, nil, nil)
	m, _ = update(t, m, errorMsg{summary: model.Summary{Message: session.ApologyMessage}, err: errors.New("connection reset")})
	assert.Contains(t, m.View(), "connection reset")
	assert.EqualError(t, m.Err(), "connection reset")
}

func TestModel_EventsClosed(t *testing.T) {
	events := make(chan session.Event)
	close(events)
	m := New(nil, events, nil)
	assert.Equal(t, eventsClosedMsg{}, m.waitForEvent())
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2<<20))
}
