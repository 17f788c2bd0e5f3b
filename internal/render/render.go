// Package render turns assistant narrative (markdown) into HTML for the API
// and styled text for the terminal.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// HTML renders markdown to HTML. Raw HTML in the source is omitted.
func HTML(content string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}

// CodeBlock is a fenced code block found in a message.
type CodeBlock struct {
	// Hint is the paragraph immediately preceding the block, if any.
	Hint    string `json:"hint,omitempty"`
	Lang    string `json:"lang,omitempty"`
	Content string `json:"content"`
}

// ExtractCodeBlocks walks the markdown AST and returns every fenced code
// block in document order.
func ExtractCodeBlocks(source []byte) ([]CodeBlock, error) {
	var blocks []CodeBlock
	root := md.Parser().Parse(text.NewReader(source))

	walker := func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fenced, ok := node.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}

		var block CodeBlock
		if fenced.Info != nil {
			block.Lang = strings.TrimSpace(string(fenced.Language(source)))
		}
		var content bytes.Buffer
		lines := fenced.Lines()
		for i := 0; i < lines.Len(); i++ {
			line := lines.At(i)
			content.Write(line.Value(source))
		}
		block.Content = content.String()

		if p, ok := fenced.PreviousSibling().(*ast.Paragraph); ok {
			block.Hint = strings.TrimSpace(string(p.Text(source)))
		}
		blocks = append(blocks, block)
		return ast.WalkSkipChildren, nil
	}

	if err := ast.Walk(root, walker); err != nil {
		return nil, err
	}
	return blocks, nil
}

// Terminal renders markdown for a terminal of a given width. The glamour
// renderer is rebuilt only when the width changes.
type Terminal struct {
	style string

	mu       sync.Mutex
	width    int
	renderer *glamour.TermRenderer
}

// glamourGutter is the left margin glamour adds to every line.
const glamourGutter = 2

// NewTerminal returns a renderer using a glamour standard style such as
// "dark", "light" or "notty". An empty style detects the terminal background.
func NewTerminal(style string) *Terminal {
	return &Terminal{style: style}
}

// Render renders content wrapped to width columns.
func (t *Terminal) Render(content string, width int) (string, error) {
	if width <= 0 {
		width = 80
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.renderer == nil || t.width != width {
		wrap := max(width-glamourGutter, 10)
		styleOpt := glamour.WithAutoStyle()
		if t.style != "" {
			styleOpt = glamour.WithStandardStyle(t.style)
		}
		r, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(wrap))
		if err != nil {
			return "", fmt.Errorf("failed to create terminal renderer: %w", err)
		}
		t.renderer, t.width = r, width
	}

	out, err := t.renderer.Render(content)
	if err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return strings.TrimRight(out, "\n"), nil
}
