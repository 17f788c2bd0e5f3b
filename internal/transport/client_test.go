package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sokinpui/artifact/internal/config"
	"github.com/sokinpui/artifact/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

func testConfig(url string) config.APIConfig {
	return config.APIConfig{
		StreamURL:      url + "/generate",
		TemplateURL:    url + "/template",
		APIKey:         "demoApiKey",
		APIKeyHeader:   "seiagents-api-key",
		Framing:        "raw",
		Timeout:        5 * time.Second,
		MaxRetries:     2,
		RetryBackoff:   time.Millisecond,
		ReadBufferSize: 3,
	}
}

func collect(t *testing.T, fragments <-chan string, errc <-chan error) (string, error) {
	t.Helper()
	var sb strings.Builder
	for f := range fragments {
		sb.WriteString(f)
	}
	return sb.String(), <-errc
}

func TestStreamChat_RawKeepsRunesWhole(t *testing.T) {
	const body = "héllo <Artifact>日本語</Artifact> ✓"
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "demoApiKey", r.Header.Get("seiagents-api-key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	fragments, errc := c.StreamChat(context.Background(), ChatRequest{
		Messages:      []model.Message{{ID: "1", Role: model.RoleUser, Content: "build a todo app"}},
		IsFirstPrompt: true,
		ProjectID:     "project-1",
		ProjectFiles:  &ProjectFiles{Hidden: []string{}},
	})

	var parts []string
	for f := range fragments {
		assert.True(t, len(f) > 0)
		assert.True(t, isValidUTF8(f), "fragment %q splits a rune", f)
		parts = append(parts, f)
	}
	require.NoError(t, <-errc)
	assert.Equal(t, body, strings.Join(parts, ""))
	assert.True(t, got.IsFirstPrompt)
	assert.Equal(t, "project-1", got.ProjectID)
	assert.Equal(t, "build a todo app", got.Messages[0].Content)
}

func isValidUTF8(s string) bool {
	return strings.ToValidUTF8(s, "�") == s
}

func TestStreamChat_SSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello \"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"world\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ignored\"}}]}\n\n")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Framing = "sse"
	fragments, errc := New(cfg).StreamChat(context.Background(), ChatRequest{})
	text, err := collect(t, fragments, errc)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
}

func TestStreamChat_SSEErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"overloaded\"}}\n\n")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Framing = "sse"
	fragments, errc := New(cfg).StreamChat(context.Background(), ChatRequest{})
	text, err := collect(t, fragments, errc)
	assert.Equal(t, "partial", text)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Error(), "overloaded")
}

func TestStreamChat_RetriesBeforeFirstByte(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	fragments, errc := New(testConfig(srv.URL)).StreamChat(context.Background(), ChatRequest{})
	text, err := collect(t, fragments, errc)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStreamChat_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	fragments, errc := New(testConfig(srv.URL)).StreamChat(context.Background(), ChatRequest{})
	_, err := collect(t, fragments, errc)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusUnauthorized, te.Status)
	assert.Equal(t, "bad key", te.Err.Error())
	assert.Equal(t, int32(1), calls.Load())
}

func TestStreamChat_Cancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "first")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fragments, errc := New(testConfig(srv.URL)).StreamChat(ctx, ChatRequest{})

	var got strings.Builder
	for f := range fragments {
		got.WriteString(f)
		if got.String() == "first" {
			cancel()
		}
	}
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, "first", got.String())
}

func TestGetTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "demoApiKey", r.Header.Get("seiagents-api-key"))
		fmt.Fprint(w, `{"success":true,"files":[{"path":"app/package.json","content":"{}"},{"path":"app/index.html","content":"<div id=root>"}]}`)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	files, err := c.GetTemplate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.ProjectFile{
		{Path: "app/package.json", Content: "{}", LastModified: 1700000000000},
		{Path: "app/index.html", Content: "<div id=root>", LastModified: 1700000000000},
	}, files)
}

func TestGetTemplate_Unsuccessful(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"error":"no template"}`)
	}))
	defer srv.Close()

	_, err := New(testConfig(srv.URL)).GetTemplate(context.Background())
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "template failed with status 200: no template", te.Error())
}

func TestSplitUTF8(t *testing.T) {
	b := []byte("a日")
	complete, rest := splitUTF8(b[:2])
	assert.Equal(t, "a", string(complete))
	assert.Equal(t, []byte{b[1]}, rest)

	complete, rest = splitUTF8(b)
	assert.Equal(t, "a日", string(complete))
	assert.Empty(t, rest)
}
