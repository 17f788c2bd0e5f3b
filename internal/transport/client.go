// Package transport talks to the generation backend: it streams chat
// responses and fetches the project template.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/sokinpui/artifact/internal/config"
	"github.com/sokinpui/artifact/internal/logger"
	"github.com/sokinpui/artifact/model"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetTransportLogger()
		log = &l
	})
	return log
}

// TransportError is a failed request or a stream that broke off. It ends the
// message it belongs to.
type TransportError struct {
	Op string
	// Status is the HTTP status, or 0 when no response was received.
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProjectFiles is the project context sent with every chat request.
type ProjectFiles struct {
	Visible []model.ProjectFile `json:"visible"`
	Hidden  []string           `json:"hidden"`
}

// ChatRequest is the body of a streaming chat call.
type ChatRequest struct {
	Messages      []model.Message `json:"messages"`
	IsFirstPrompt bool            `json:"isFirstPrompt"`
	ProjectID     string          `json:"projectId"`
	ProjectFiles  *ProjectFiles   `json:"projectFiles,omitempty"`
}

type templateResponse struct {
	Success bool `json:"success"`
	Files   []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	} `json:"files"`
	Error string `json:"error"`
}

// sseChunk is an OpenAI style streaming delta.
type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client is the backend client.
type Client struct {
	cfg  config.APIConfig
	http *http.Client
	now  func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for cfg. The configured timeout bounds connecting and
// waiting for response headers, not the length of a stream.
func New(cfg config.APIConfig, opts ...Option) *Client {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.Framing == "" {
		cfg.Framing = "raw"
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Timeout > 0 {
		tr.ResponseHeaderTimeout = cfg.Timeout
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Transport: tr},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) setAuth(req *http.Request) {
	if c.cfg.APIKey != "" && c.cfg.APIKeyHeader != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}
}

// GetTemplate fetches the starter project.
func (c *Client) GetTemplate(ctx context.Context) ([]model.ProjectFile, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.TemplateURL, nil)
	if err != nil {
		return nil, &TransportError{Op: "template", Err: err}
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "template", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &TransportError{Op: "template", Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
	}

	var data templateResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &TransportError{Op: "template", Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if !data.Success {
		msg := data.Error
		if msg == "" {
			msg = "template API returned unsuccessful response"
		}
		return nil, &TransportError{Op: "template", Status: resp.StatusCode, Err: errors.New(msg)}
	}

	now := c.now().UnixMilli()
	files := make([]model.ProjectFile, 0, len(data.Files))
	for _, f := range data.Files {
		files = append(files, model.ProjectFile{Path: f.Path, Content: f.Content, LastModified: now})
	}
	getLog().Info().Int("files", len(files)).Msg("Template fetched")
	return files, nil
}

// StreamChat posts req and streams the response body as text fragments.
// Both channels are closed when the stream ends; at most one error is sent.
// Requests are retried until the first byte of the body arrives.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (<-chan string, <-chan error) {
	fragments := make(chan string, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(fragments)
		defer close(errc)

		body, err := json.Marshal(req)
		if err != nil {
			errc <- &TransportError{Op: "stream", Err: fmt.Errorf("failed to marshal request: %w", err)}
			return
		}

		start := c.now()
		resp, err := c.open(ctx, body)
		if err != nil {
			errc <- err
			return
		}
		defer resp.Body.Close()

		// Closing the body unblocks a read stuck on a cancelled stream.
		stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
		defer stop()

		emit := func(s string) bool {
			if s == "" {
				return true
			}
			select {
			case fragments <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if c.cfg.Framing == "sse" {
			err = readSSE(resp.Body, emit)
		} else {
			err = readRaw(resp.Body, c.cfg.ReadBufferSize, emit)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			getLog().Warn().Dur("elapsed", c.now().Sub(start)).Msg("Stream cancelled")
			errc <- ctxErr
			return
		}
		if err != nil {
			getLog().Error().Err(err).Dur("elapsed", c.now().Sub(start)).Msg("Stream broke off")
			errc <- &TransportError{Op: "stream", Status: resp.StatusCode, Err: err}
			return
		}
		getLog().Info().Dur("elapsed", c.now().Sub(start)).Msg("Stream completed")
	}()

	return fragments, errc
}

// open sends the request, retrying connection failures, 429 and 5xx responses.
func (c *Client) open(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
			getLog().Debug().Int("attempt", attempt).Dur("wait", wait).Err(lastErr).Msg("Retrying stream request")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.StreamURL, bytes.NewReader(body))
		if err != nil {
			return nil, &TransportError{Op: "stream", Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.Framing == "sse" {
			req.Header.Set("Accept", "text/event-stream")
		}
		c.setAuth(req)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &TransportError{Op: "stream", Err: err}
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastErr = &TransportError{Op: "stream", Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(msg)))}
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// readRaw forwards the body as it arrives, never splitting a UTF-8 sequence.
func readRaw(r io.Reader, size int, emit func(string) bool) error {
	buf := make([]byte, size)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			complete, rest := splitUTF8(chunk)
			carry = append([]byte(nil), rest...)
			if !emit(string(complete)) {
				return nil
			}
		}
		if err == io.EOF {
			emit(string(carry))
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// splitUTF8 holds back an incomplete rune at the end of b.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i], b[i:]
			}
			break
		}
	}
	return b, nil
}

// readSSE forwards the content deltas of an event stream.
func readSSE(r io.Reader, emit func(string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			getLog().Debug().Str("data", data).Msg("Skipping undecodable event")
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("API error: %s", chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			if !emit(choice.Delta.Content) {
				return nil
			}
		}
	}
	return scanner.Err()
}
