package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/sokinpui/artifact/internal/preview"
	"github.com/sokinpui/artifact/internal/project"
	"github.com/sokinpui/artifact/internal/render"
	"github.com/sokinpui/artifact/internal/session"
	"github.com/sokinpui/artifact/internal/transport"
	"github.com/sokinpui/artifact/model"
)

// Session is the part of a chat session the API drives.
type Session interface {
	ID() string
	Busy() bool
	Messages() []model.Message
	Send(ctx context.Context, content string) (model.Summary, error)
	UpdateFile(ctx context.Context, path, content string) error
	Store() *project.Store
	Preview() *preview.Manager
	Subscribe() (<-chan session.Event, func())
}

// Handlers serves the REST routes. Messages posted without ?wait run on a
// context owned by the handlers, cancelled by shutdown.
type Handlers struct {
	sess Session
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandlers returns the handler set for sess.
func NewHandlers(sess Session) *Handlers {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handlers{sess: sess, now: time.Now, ctx: ctx, cancel: cancel}
}

// shutdown cancels background sends and waits for them to return.
func (h *Handlers) shutdown() {
	h.cancel()
	h.wg.Wait()
}

type errorBody struct {
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// decodeBody reads a JSON body into v, answering 413 or 400 itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
		return false
	}
	writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
	return false
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := errorBody{Error: msg}
	if err != nil {
		body.Context = err.Error()
	}
	writeJSON(w, status, body)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

type sendResponse struct {
	Summary model.Summary `json:"summary"`
	Error   string        `json:"error,omitempty"`
}

// PostMessage handles POST /api/v1/messages. With ?wait=true it responds
// once the reply has settled; otherwise it returns 202 and progress arrives
// over /ws.
func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	var body postMessageRequest
	if !decodeBody(w, r, &body) {
		return
	}
	body.Content = strings.TrimSpace(body.Content)
	if body.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required", nil)
		return
	}
	if h.sess.Busy() {
		writeError(w, http.StatusConflict, session.ErrBusy.Error(), nil)
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		summary, err := h.sess.Send(r.Context(), body.Content)
		switch {
		case errors.Is(err, session.ErrBusy):
			writeError(w, http.StatusConflict, err.Error(), nil)
		case err != nil:
			status := http.StatusInternalServerError
			var te *transport.TransportError
			if errors.As(err, &te) {
				status = http.StatusBadGateway
			}
			writeJSON(w, status, sendResponse{Summary: summary, Error: err.Error()})
		default:
			writeJSON(w, http.StatusOK, sendResponse{Summary: summary})
		}
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := h.sess.Send(h.ctx, body.Content); err != nil {
			getLog().Error().Err(err).Msg("Background message failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type messageView struct {
	model.Message
	HTML string `json:"html,omitempty"`
}

// GetMessages handles GET /api/v1/messages. ?format=html adds rendered HTML.
func (h *Handlers) GetMessages(w http.ResponseWriter, r *http.Request) {
	msgs := h.sess.Messages()
	if r.URL.Query().Get("format") != "html" {
		writeJSON(w, http.StatusOK, msgs)
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		html, err := render.HTML(m.Content)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to render message", err)
			return
		}
		views = append(views, messageView{Message: m, HTML: html})
	}
	writeJSON(w, http.StatusOK, views)
}

// GetCodeBlocks handles GET /api/v1/messages/{id}/code
func (h *Handlers) GetCodeBlocks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, ok := lo.Find(h.sess.Messages(), func(m model.Message) bool { return m.ID == id })
	if !ok {
		writeError(w, http.StatusNotFound, "message not found", nil)
		return
	}
	blocks, err := render.ExtractCodeBlocks([]byte(msg.Content))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to parse message", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Ternary(blocks == nil, []render.CodeBlock{}, blocks))
}

// GetFiles handles GET /api/v1/files
func (h *Handlers) GetFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sess.Store().Tree())
}

// GetFileContent handles GET /api/v1/files/content?path=
func (h *Handlers) GetFileContent(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required", nil)
		return
	}
	f, ok := h.sess.Store().Get(path)
	if !ok {
		writeError(w, http.StatusNotFound, "file not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type putFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PutFileContent handles PUT /api/v1/files/content
func (h *Handlers) PutFileContent(w http.ResponseWriter, r *http.Request) {
	var body putFileRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required", nil)
		return
	}
	if err := h.sess.UpdateFile(r.Context(), body.Path, body.Content); err != nil {
		if errors.Is(err, session.ErrUnknownFile) {
			writeError(w, http.StatusNotFound, "file not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to save file", err)
		return
	}
	f, _ := h.sess.Store().Get(body.Path)
	writeJSON(w, http.StatusOK, f)
}

// GetPreview handles GET /api/v1/preview
func (h *Handlers) GetPreview(w http.ResponseWriter, r *http.Request) {
	var st preview.State
	if pv := h.sess.Preview(); pv != nil {
		st = pv.State()
	}
	writeJSON(w, http.StatusOK, st)
}

// Download handles GET /api/v1/download?scope=all|app|contracts&name=
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	scope := project.ParseScope(r.URL.Query().Get("scope"))
	name := r.URL.Query().Get("name")
	if name == "" {
		name = h.sess.ID()
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s"`, project.ArchiveName(name, scope, h.now())))
	n, err := h.sess.Store().WriteArchive(w, scope)
	if err != nil {
		// Headers are gone; all that is left is to log.
		getLog().Error().Err(err).Str("scope", string(scope)).Msg("Failed to write archive")
		return
	}
	getLog().Info().Int("files", n).Str("scope", string(scope)).Msg("Project downloaded")
}
