package render

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTML(t *testing.T) {
	got, err := HTML("I'll add a **counter**.\n\n- one\n- two")
	require.NoError(t, err)
	assert.Contains(t, got, "<strong>counter</strong>")
	assert.Contains(t, got, "<li>one</li>")
}

func TestHTML_OmitsRawHTML(t *testing.T) {
	got, err := HTML("<script>alert(1)</script>")
	require.NoError(t, err)
	assert.NotContains(t, got, "<script>")
}

func TestExtractCodeBlocks(t *testing.T) {
	src := "Run this first:\n\n```bash\nnpm install\n```\n\nThen:\n\n```\nnpm run dev\n```\n"
	got, err := ExtractCodeBlocks([]byte(src))
	require.NoError(t, err)

	want := []CodeBlock{
		{Hint: "Run this first:", Lang: "bash", Content: "npm install\n"},
		{Hint: "Then:", Content: "npm run dev\n"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ExtractCodeBlocks() mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractCodeBlocks_None(t *testing.T) {
	got, err := ExtractCodeBlocks([]byte("just text"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTerminal_Render(t *testing.T) {
	term := NewTerminal("notty")
	out, err := term.Render("# Counter\n\nAdded a button.", 40)
	require.NoError(t, err)
	assert.Contains(t, out, "Counter")
	assert.Contains(t, out, "Added a button.")

	first := term.renderer
	_, err = term.Render("again", 40)
	require.NoError(t, err)
	assert.Same(t, first, term.renderer, "renderer is reused for the same width")
}
