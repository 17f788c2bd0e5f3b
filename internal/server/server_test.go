package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokinpui/artifact/internal/config"
	"github.com/sokinpui/artifact/internal/sandbox"
	"github.com/sokinpui/artifact/internal/session"
	"github.com/sokinpui/artifact/internal/source"
	"github.com/sokinpui/artifact/internal/transport"
	"github.com/sokinpui/artifact/model"
)

const reply = "Here is the counter.\n\n```bash\nnpm test\n```\n" +
	`<Artifact id="c" title="Counter"><Action type="file" filePath="app/src/Counter.jsx" contentType="create">export default 1</Action></Artifact>`

type staticTemplate []model.ProjectFile

func (t staticTemplate) GetTemplate(context.Context) ([]model.ProjectFile, error) { return t, nil }

// gate blocks every stream until released.
type gate chan struct{}

func (g gate) StreamChat(ctx context.Context, _ transport.ChatRequest) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		select {
		case <-g:
		case <-ctx.Done():
			errc <- ctx.Err()
		}
	}()
	return out, errc
}

func newTestServer(t *testing.T, p session.Producer) (*Server, *session.Session, *httptest.Server) {
	t.Helper()
	sb := sandbox.NewMemory()
	sess := session.New(p, sb, session.WithTemplateSource(staticTemplate{
		{Path: "app/src/App.jsx", Content: "app"},
		{Path: "contracts/Token.sol", Content: "contract Token {}"},
	}))
	require.NoError(t, sess.Init(context.Background()))

	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 8080}, sess)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, srv.Shutdown(context.Background()))
		sess.Close()
	})
	return srv, sess, ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestPostMessage_Wait(t *testing.T) {
	_, sess, ts := newTestServer(t, source.Replay{Content: reply, ChunkSize: 7})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/messages?wait=true", postMessageRequest{Content: "add a counter"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[sendResponse](t, resp)
	assert.Equal(t, []string{"app/src/Counter.jsx"}, got.Summary.Created)
	assert.Empty(t, got.Error)

	assert.True(t, sess.Store().HasFile("app/src/Counter.jsx"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestPostMessage_Validation(t *testing.T) {
	_, _, ts := newTestServer(t, source.Replay{})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/messages", postMessageRequest{Content: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/messages", strings.NewReader("{"))
	require.NoError(t, err)
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestPostMessage_AcceptedThenBusy(t *testing.T) {
	g := make(gate)
	_, sess, ts := newTestServer(t, g)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/messages", postMessageRequest{Content: "first"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, sess.Busy, time.Second, 5*time.Millisecond)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/messages", postMessageRequest{Content: "second"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(g)
	require.Eventually(t, func() bool { return !sess.Busy() }, time.Second, 5*time.Millisecond)
}

func TestGetMessages_HTML(t *testing.T) {
	_, _, ts := newTestServer(t, source.Replay{Content: reply})
	doJSON(t, http.MethodPost, ts.URL+"/api/v1/messages?wait=true", postMessageRequest{Content: "**bold** ask"})

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/messages?format=html", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	views := decode[[]messageView](t, resp)
	require.Len(t, views, 2)
	assert.Contains(t, views[0].HTML, "<strong>bold</strong>")
	assert.Equal(t, model.RoleAssistant, views[1].Role)

	code := doJSON(t, http.MethodGet, ts.URL+"/api/v1/messages/"+views[1].ID+"/code", nil)
	require.Equal(t, http.StatusOK, code.StatusCode)
	blocks := decode[[]map[string]string](t, code)
	require.Len(t, blocks, 1)
	assert.Equal(t, "bash", blocks[0]["lang"])

	missing := doJSON(t, http.MethodGet, ts.URL+"/api/v1/messages/nope/code", nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestFiles(t *testing.T) {
	_, _, ts := newTestServer(t, source.Replay{})

	tree := decode[[]model.FileNode](t, doJSON(t, http.MethodGet, ts.URL+"/api/v1/files", nil))
	require.Len(t, tree, 2)
	assert.Equal(t, "app", tree[0].Name)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/files/content?path=app/src/App.jsx", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "app", decode[model.ProjectFile](t, resp).Content)

	resp = doJSON(t, http.MethodPut, ts.URL+"/api/v1/files/content", putFileRequest{Path: "app/src/App.jsx", Content: "edited"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "edited", decode[model.ProjectFile](t, resp).Content)

	resp = doJSON(t, http.MethodPut, ts.URL+"/api/v1/files/content", putFileRequest{Path: "missing.txt", Content: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/files/content", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownload_AppScope(t *testing.T) {
	srv, _, ts := newTestServer(t, source.Replay{})
	srv.handlers.now = func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/download?scope=app&name=demo", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="demo-webapp-2025-01-02.zip"`, resp.Header.Get("Content-Disposition"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "src/App.jsx", zr.File[0].Name)
}

func TestGetPreview_WithoutManager(t *testing.T) {
	_, _, ts := newTestServer(t, source.Replay{})
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/preview", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "", decode[map[string]any](t, resp)["url"])
}

func TestCORS_Preflight(t *testing.T) {
	_, _, ts := newTestServer(t, source.Replay{})
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/messages", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRecoverJSON(t *testing.T) {
	h := recoverJSON(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestTagRequest(t *testing.T) {
	var seen string
	h := tagRequest(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = middleware.GetReqID(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{name: "well formed id is kept", header: "abc-123_X", keep: true},
		{name: "missing id is generated"},
		{name: "bad characters are replaced", header: "a b!c"},
		{name: "overlong id is replaced", header: strings.Repeat("a", 129)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(requestIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, seen, rec.Header().Get(requestIDHeader))
			if tt.keep {
				assert.Equal(t, tt.header, seen)
				return
			}
			assert.NotEqual(t, tt.header, seen)
			_, err := uuid.Parse(seen)
			assert.NoError(t, err)
		})
	}
}

func TestOriginPolicy(t *testing.T) {
	open := newOriginPolicy(nil)
	assert.True(t, open.allows("http://anything.example"))

	p := newOriginPolicy([]string{"http://localhost:5173"})
	assert.True(t, p.allows("http://localhost:5173"))
	assert.False(t, p.allows("http://evil.example"))

	h := p.cors(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestBodySizeLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, source.Replay{})
	body := `{"content":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(body)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func dialSocket(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	return conn
}

func TestWebSocket_StreamsFilteredEvents(t *testing.T) {
	srv, _, ts := newTestServer(t, source.Replay{Content: reply, ChunkSize: 16})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.events.Run(ctx)

	conn := dialSocket(t, ts)
	filter := SubscriptionFilter{Type: session.EventSettled}
	require.NoError(t, conn.WriteJSON(socketRequest{Type: "subscribe", Filter: filter}))

	var ack socketReply
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Type)
	require.NotNil(t, ack.Filter)
	assert.Equal(t, filter, *ack.Filter)
	assert.Equal(t, 1, srv.clients.Len())

	doJSON(t, http.MethodPost, ts.URL+"/api/v1/messages?wait=true", postMessageRequest{Content: "go"})

	var out socketReply
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "event", out.Type)
	require.NotNil(t, out.Event)
	assert.Equal(t, session.EventSettled, out.Event.Type)
	require.NotNil(t, out.Event.Summary)
	assert.Equal(t, []string{"app/src/Counter.jsx"}, out.Event.Summary.Created)
}

func TestWebSocket_RejectsBadRequests(t *testing.T) {
	srv, _, ts := newTestServer(t, source.Replay{})
	conn := dialSocket(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var out socketReply
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "error", out.Type)
	assert.Equal(t, "malformed request", out.Message)

	require.NoError(t, conn.WriteJSON(socketRequest{Type: "replay"}))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "error", out.Type)
	assert.Contains(t, out.Message, "replay")

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return srv.clients.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscriber_Filters(t *testing.T) {
	s := &subscriber{}
	e := session.Event{Type: session.EventSnapshot, MessageID: "m1"}
	assert.True(t, s.wants(e))

	assert.Equal(t, "subscribed", s.handle(socketRequest{Type: "subscribe", Filter: SubscriptionFilter{MessageID: "m2"}}).Type)
	assert.False(t, s.wants(e))
	s.handle(socketRequest{Type: "subscribe", Filter: SubscriptionFilter{Type: session.EventSnapshot}})
	assert.True(t, s.wants(e))
	assert.Equal(t, "unsubscribed", s.handle(socketRequest{Type: "unsubscribe", Filter: SubscriptionFilter{Type: session.EventSnapshot}}).Type)
	assert.False(t, s.wants(e))

	for range socketMaxFilters {
		s.handle(socketRequest{Type: "subscribe"})
	}
	assert.Equal(t, "error", s.handle(socketRequest{Type: "subscribe"}).Type)
}
