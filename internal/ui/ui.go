// Package ui prints styled status lines for non-interactive runs.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/sokinpui/artifact/model"
)

// Out receives every line printed by this package.
var Out io.Writer = os.Stderr

var (
	HeaderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)
	InfoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("87"))
	SuccessStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	WarningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	ErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("197"))
	PathStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	PromptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	LinkStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Underline(true)
)

func printStyled(style lipgloss.Style, format string, a ...any) {
	fmt.Fprintln(Out, style.Render(fmt.Sprintf(format, a...)))
}

func Header(format string, a ...any)  { printStyled(HeaderStyle, format, a...) }
func Info(format string, a ...any)    { printStyled(InfoStyle, format, a...) }
func Success(format string, a ...any) { printStyled(SuccessStyle, format, a...) }
func Warning(format string, a ...any) { printStyled(WarningStyle, format, a...) }
func Error(format string, a ...any)   { printStyled(ErrorStyle, format, a...) }

func Path(format string, a ...any) {
	printStyled(PathStyle, "  "+format, a...)
}

func Prompt(format string, a ...any) string {
	return PromptStyle.Render(fmt.Sprintf(format, a...))
}

// --- Summaries ---

// PrintSummary prints what one reply changed.
func PrintSummary(s model.Summary) {
	Header("\n--- Summary ---")
	if s.Message != "" {
		Info("%s", s.Message)
	}

	sections := []struct {
		label string
		items []string
		fail  bool
	}{
		{"Created %d file(s):", s.Created, false},
		{"Modified %d file(s):", s.Modified, false},
		{"Deleted %d file(s):", s.Deleted, false},
		{"Ran %d command(s):", s.Commands, false},
		{"Failed %d action(s):", s.Failed, true},
	}
	empty := true
	for _, sec := range sections {
		if len(sec.items) == 0 {
			continue
		}
		empty = false
		if sec.fail {
			Error(sec.label, len(sec.items))
		} else {
			Success(sec.label, len(sec.items))
		}
		for _, item := range sec.items {
			fmt.Fprintf(Out, "  - %s\n", item)
		}
	}
	if empty {
		Info("No actions were applied.")
	}
	if s.PreviewURL != "" {
		fmt.Fprintf(Out, "\nPreview: %s\n", LinkStyle.Render(s.PreviewURL))
	}
}

// --- Progress Bar ---

type ProgressBar struct {
	total   int
	prefix  string
	current int
}

func NewProgressBar(total int, prefix string) *ProgressBar {
	return &ProgressBar{total: total, prefix: prefix}
}

func (p *ProgressBar) Start() {
	p.draw()
}

// Set moves the bar to n of total, growing total if needed.
func (p *ProgressBar) Set(n, total int) {
	p.current, p.total = n, max(total, n)
	p.draw()
}

func (p *ProgressBar) Increment() {
	p.current++
	p.draw()
}

func (p *ProgressBar) Finish() {
	if p.total > 0 {
		fmt.Fprintln(Out)
	}
}

func (p *ProgressBar) draw() {
	if p.total == 0 {
		return
	}
	const barLength = 40
	percent := float64(p.current) / float64(p.total)
	filled := int(percent * barLength)
	bar := strings.Repeat("█", filled) + strings.Repeat("-", barLength-filled)
	fmt.Fprintf(Out, "\r%s |%s| [%d/%d] %.1f%%", p.prefix, bar, p.current, p.total, percent*100)
}
