// Package source supplies a recorded response for offline runs: read from
// stdin or the clipboard and replayed as stream fragments.
package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/atotto/clipboard"

	"github.com/sokinpui/artifact/internal/transport"
	"github.com/sokinpui/artifact/internal/ui"
)

// DefaultChunkSize is the replay fragment size in bytes.
const DefaultChunkSize = 64

// SourceProvider determines and retrieves the source content.
type SourceProvider struct {
	stdin         io.Reader
	isPiped       func() bool
	readClipboard func() (string, error)
}

// New creates a SourceProvider reading the process stdin and system clipboard.
func New() *SourceProvider {
	return &SourceProvider{
		stdin: os.Stdin,
		isPiped: func() bool {
			stat, err := os.Stdin.Stat()
			return err == nil && stat.Mode()&os.ModeCharDevice == 0
		},
		readClipboard: clipboard.ReadAll,
	}
}

// GetContent retrieves content from stdin (if piped) or the clipboard.
func (sp *SourceProvider) GetContent() (string, error) {
	if sp.isPiped() {
		ui.Header("--- Reading from stdin ---")
		content, err := io.ReadAll(sp.stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read from stdin: %w", err)
		}
		return string(content), nil
	}

	ui.Header("--- Reading from clipboard ---")
	content, err := sp.readClipboard()
	if err != nil {
		return "", fmt.Errorf("failed to read from clipboard: %w", err)
	}
	if strings.TrimSpace(content) == "" {
		ui.Warning("Clipboard is empty. Nothing to process.")
		return "", nil
	}
	return content, nil
}

// Replay streams a fixed response in fragments, standing in for the backend.
type Replay struct {
	Content   string
	ChunkSize int
	// Delay between fragments, for watching the stream render.
	Delay time.Duration
}

// StreamChat ignores the request and emits Content.
func (r Replay) StreamChat(ctx context.Context, _ transport.ChatRequest) (<-chan string, <-chan error) {
	fragments := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(fragments)
		defer close(errc)
		for _, chunk := range Chunk(r.Content, r.ChunkSize) {
			if r.Delay > 0 {
				select {
				case <-time.After(r.Delay):
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
			select {
			case fragments <- chunk:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return fragments, errc
}

// Chunk splits s into pieces of about size bytes without splitting runes.
func Chunk(s string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var out []string
	for len(s) > 0 {
		n := size
		if n >= len(s) {
			out = append(out, s)
			break
		}
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		if n == 0 {
			_, n = utf8.DecodeRuneInString(s)
		}
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}
