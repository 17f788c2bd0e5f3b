package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sokinpui/artifact/model"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Out
	Out = &buf
	t.Cleanup(func() { Out = prev })
	return &buf
}

func TestPrintSummary(t *testing.T) {
	buf := capture(t)
	PrintSummary(model.Summary{
		Created:    []string{"app/a.jsx"},
		Failed:     []string{"run \"npm test\" in /app: exit status 1"},
		Message:    "2 action(s) applied, 1 failed",
		PreviewURL: "http://localhost:5173",
	})
	out := buf.String()
	assert.Contains(t, out, "Created 1 file(s):")
	assert.Contains(t, out, "  - app/a.jsx")
	assert.Contains(t, out, "Failed 1 action(s):")
	assert.Contains(t, out, "http://localhost:5173")
	assert.NotContains(t, out, "Modified")
}

func TestPrintSummary_Empty(t *testing.T) {
	buf := capture(t)
	PrintSummary(model.Summary{})
	assert.Contains(t, buf.String(), "No actions were applied.")
}

func TestProgressBar(t *testing.T) {
	buf := capture(t)
	p := NewProgressBar(0, "Applying")
	p.Start()
	assert.Empty(t, buf.String())

	p.Set(1, 4)
	p.Increment()
	p.Finish()
	lines := strings.Split(buf.String(), "\r")
	assert.Contains(t, lines[len(lines)-1], "[2/4] 50.0%")
}
