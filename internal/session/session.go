// Package session runs the conversation with the generation backend: one
// message at a time, streamed through the protocol reducer into the sandbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/sokinpui/artifact/internal/apply"
	"github.com/sokinpui/artifact/internal/logger"
	"github.com/sokinpui/artifact/internal/preview"
	"github.com/sokinpui/artifact/internal/project"
	"github.com/sokinpui/artifact/internal/protocol"
	"github.com/sokinpui/artifact/internal/sandbox"
	"github.com/sokinpui/artifact/internal/transport"
	"github.com/sokinpui/artifact/model"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetSessionLogger()
		log = &l
	})
	return log
}

// ErrBusy is returned when a message is sent while another is still streaming.
var ErrBusy = errors.New("a message is already being processed")

// ApologyMessage replaces the assistant reply when the stream fails.
const ApologyMessage = "Sorry, there was an error processing your request."

// Producer streams the assistant's reply to a chat request.
type Producer interface {
	StreamChat(ctx context.Context, req transport.ChatRequest) (<-chan string, <-chan error)
}

// TemplateSource provides the starter project.
type TemplateSource interface {
	GetTemplate(ctx context.Context) ([]model.ProjectFile, error)
}

// Option configures a Session.
type Option func(*Session)

// WithTemplateSource sets where Init loads the starter project from.
func WithTemplateSource(ts TemplateSource) Option {
	return func(s *Session) { s.templates = ts }
}

// WithPreview attaches a dev server manager.
func WithPreview(p *preview.Manager) Option {
	return func(s *Session) { s.preview = p }
}

// WithMaxTagLength overrides the scanner's tag window.
func WithMaxTagLength(n int) Option {
	return func(s *Session) { s.maxTag = n }
}

// WithCommandOutput copies output of commands from actions to w.
func WithCommandOutput(w io.Writer) Option {
	return func(s *Session) { s.cmdOutput = w }
}

// WithSnapshotHook calls fn synchronously with every reducer snapshot.
func WithSnapshotHook(fn func(protocol.Snapshot)) Option {
	return func(s *Session) { s.onSnapshot = fn }
}

// Session holds one project's conversation, files and preview.
type Session struct {
	id         string
	producer   Producer
	templates  TemplateSource
	sb         sandbox.Sandbox
	store      *project.Store
	preview    *preview.Manager
	maxTag     int
	cmdOutput  io.Writer
	onSnapshot func(protocol.Snapshot)
	events     *broadcaster
	now        func() time.Time

	mu          sync.Mutex
	messages    []model.Message
	busy        bool
	initialized bool
}

// New returns a session that streams from producer and applies to sb.
func New(producer Producer, sb sandbox.Sandbox, opts ...Option) *Session {
	s := &Session{
		producer: producer,
		sb:       sb,
		store:    project.NewStore(nil),
		events:   newBroadcaster(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.id = "project-" + strconv.FormatInt(s.now().UnixMilli(), 10)
	if s.preview != nil {
		s.preview.Subscribe(func(st preview.State) {
			s.events.publish(Event{Type: EventPreview, Preview: &st})
		})
	}
	return s
}

// ID is the project id sent with every request.
func (s *Session) ID() string { return s.id }

// Store is the project file list.
func (s *Session) Store() *project.Store { return s.store }

// Preview returns the dev server manager, or nil.
func (s *Session) Preview() *preview.Manager { return s.preview }

// Sandbox returns the sandbox actions are applied to.
func (s *Session) Sandbox() sandbox.Sandbox { return s.sb }

// Subscribe returns a channel of events and a function that ends the subscription.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}

// Messages returns a copy of the chat history.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.messages, func(m model.Message, _ int) model.Message {
		m.StreamingActions = append([]model.StreamingAction(nil), m.StreamingActions...)
		return m
	})
}

// Busy reports whether a message is streaming.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Initialized reports whether Init has completed.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Init loads the template into the sandbox and, when the app has a
// package.json, installs it and starts the dev server. Without a template
// source it only marks the session ready.
func (s *Session) Init(ctx context.Context) error {
	if s.templates != nil {
		files, err := s.templates.GetTemplate(ctx)
		if err != nil {
			return fmt.Errorf("failed to load template: %w", err)
		}
		s.store.Replace(files)
		if err := s.sb.Mount(ctx, s.store.FileTree()); err != nil {
			return fmt.Errorf("failed to mount template: %w", err)
		}
		getLog().Info().Int("files", len(files)).Str("project", s.id).Msg("Template mounted")
		s.events.publish(Event{Type: EventFiles, Files: s.store.Tree()})

		if s.preview != nil && s.store.HasFile("app/package.json") {
			if err := s.preview.Bootstrap(ctx); err != nil {
				getLog().Error().Err(err).Msg("Failed to start preview")
			}
		}
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

// Send posts content as a user message, streams the reply, applies its
// actions and returns a summary of what changed.
func (s *Session) Send(ctx context.Context, content string) (model.Summary, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return model.Summary{}, ErrBusy
	}
	s.busy = true
	first := len(s.messages) == 0
	user := model.Message{ID: uuid.NewString(), Role: model.RoleUser, Content: content}
	assistant := model.Message{ID: uuid.NewString(), Role: model.RoleAssistant}
	s.messages = append(s.messages, user, assistant)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	s.events.publish(Event{Type: EventMessage, MessageID: user.ID, Message: &user})
	s.events.publish(Event{Type: EventMessage, MessageID: assistant.ID, Message: &assistant})

	if s.preview != nil {
		s.preview.SetDisabled(true)
		defer s.preview.SetDisabled(false)
	}

	visible, hidden := project.Partition(s.store.Files())
	req := transport.ChatRequest{
		Messages:      []model.Message{user},
		IsFirstPrompt: first,
		ProjectID:     s.id,
		ProjectFiles:  &transport.ProjectFiles{Visible: visible, Hidden: hidden},
	}

	applyOpts := []apply.Option{apply.WithFileObserver(s.store.Record)}
	if s.cmdOutput != nil {
		applyOpts = append(applyOpts, apply.WithOutput(s.cmdOutput))
	}
	reducer := protocol.NewReducer(
		apply.New(s.sb, applyOpts...),
		protocol.WithMaxTagLength(s.maxTag),
		protocol.WithPublisher(func(snap protocol.Snapshot) {
			s.updateAssistant(assistant.ID, snap.DisplayText, "", snap.Actions)
			if s.onSnapshot != nil {
				s.onSnapshot(snap)
			}
			s.events.publish(Event{Type: EventSnapshot, MessageID: assistant.ID, Snapshot: &snap})
		}),
	)

	getLog().Info().Str("project", s.id).Str("message", user.ID).Int("visible_files", len(visible)).Msg("Sending message")
	fragments, errc := s.producer.StreamChat(ctx, req)
	for fragment := range fragments {
		if _, err := reducer.OnFragment(fragment); err != nil {
			getLog().Warn().Err(err).Msg("Fragment after settle")
		}
	}
	if err := <-errc; err != nil {
		return s.fail(reducer, assistant.ID, err)
	}

	result, report, err := reducer.OnComplete(ctx)
	if err != nil {
		return s.fail(reducer, assistant.ID, err)
	}
	s.updateAssistant(assistant.ID, result.DisplayText, reducer.Raw(), reducer.Snapshot().Actions)

	summary := Summarize(report)
	if report.FileActions > 0 {
		s.events.publish(Event{Type: EventFiles, Files: s.store.Tree()})
		if s.preview != nil {
			s.preview.SetDisabled(false)
			if err := s.preview.Reload(ctx); err != nil {
				getLog().Error().Err(err).Msg("Failed to reload preview")
			}
		}
	}
	if s.preview != nil {
		summary.PreviewURL = s.preview.State().URL
	}

	if msg, ok := s.message(assistant.ID); ok {
		s.events.publish(Event{Type: EventSettled, MessageID: assistant.ID, Message: &msg, Summary: &summary})
	}
	getLog().Info().
		Int("actions", len(report.Results)).
		Int("failed", len(summary.Failed)).
		Int("protocol_errors", len(result.Errors)).
		Msg("Message settled")
	return summary, nil
}

// fail ends a message whose stream broke off. Effects already applied stay.
func (s *Session) fail(r *protocol.Reducer, assistantID string, err error) (model.Summary, error) {
	r.OnError(err)
	getLog().Error().Err(err).Str("message", assistantID).Msg("Stream failed")

	apology := model.Message{ID: uuid.NewString(), Role: model.RoleAssistant, Content: ApologyMessage}
	s.mu.Lock()
	s.messages = append(s.messages, apology)
	s.mu.Unlock()

	s.events.publish(Event{Type: EventError, MessageID: assistantID, Error: err.Error()})
	s.events.publish(Event{Type: EventMessage, MessageID: apology.ID, Message: &apology})
	return model.Summary{Message: ApologyMessage}, err
}

func (s *Session) updateAssistant(id, display, full string, statuses []protocol.ActionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, i, ok := lo.FindIndexOf(s.messages, func(m model.Message) bool { return m.ID == id })
	if !ok {
		return
	}
	s.messages[i].Content = display
	if full != "" {
		s.messages[i].FullContent = full
	}
	s.messages[i].StreamingActions = streamingActions(statuses)
}

func (s *Session) message(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Find(s.messages, func(m model.Message) bool { return m.ID == id })
}

// UpdateFile writes a user edit to the sandbox and the project store.
func (s *Session) UpdateFile(ctx context.Context, path, content string) error {
	if !s.store.HasFile(path) {
		return fmt.Errorf("%s: %w", path, ErrUnknownFile)
	}
	if err := s.sb.WriteFile(ctx, path, content); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	s.store.Upsert(path, content)
	s.events.publish(Event{Type: EventFiles, Files: s.store.Tree()})
	return nil
}

// ErrUnknownFile is returned when editing a file that is not in the project.
var ErrUnknownFile = errors.New("file is not part of the project")

// Close ends all subscriptions and stops the preview.
func (s *Session) Close() error {
	s.events.close()
	if s.preview != nil {
		return s.preview.Close()
	}
	return nil
}

func streamingActions(statuses []protocol.ActionStatus) []model.StreamingAction {
	return lo.Map(statuses, func(st protocol.ActionStatus, i int) model.StreamingAction {
		out := model.StreamingAction{
			ID:          i,
			Type:        st.Kind,
			IsCompleted: st.Completed,
			IsFailed:    st.Failed,
			Error:       st.Error,
		}
		switch a := st.Action.(type) {
		case protocol.FileAction:
			out.FilePath = a.Path
			out.ContentType = string(a.Operation)
		case protocol.CommandAction:
			out.Command = a.Command
			out.TargetDir = a.WorkingDir
		}
		return out
	})
}

// Summarize groups a batch report by outcome.
func Summarize(report protocol.BatchReport) model.Summary {
	var sum model.Summary
	for _, res := range report.Results {
		if res.Err != nil {
			sum.Failed = append(sum.Failed, res.Err.Error())
			continue
		}
		switch a := res.Action.(type) {
		case protocol.FileAction:
			switch a.Operation {
			case protocol.OpCreate:
				sum.Created = append(sum.Created, a.Path)
			case protocol.OpReplace:
				sum.Modified = append(sum.Modified, a.Path)
			case protocol.OpDelete:
				sum.Deleted = append(sum.Deleted, a.Path)
			}
		case protocol.CommandAction:
			sum.Commands = append(sum.Commands, a.Command)
		}
	}
	sum.Created = lo.Uniq(sum.Created)
	sum.Modified = lo.Without(lo.Uniq(sum.Modified), sum.Created...)
	sum.Message = fmt.Sprintf("%d action(s) applied, %d failed", len(report.Results)-len(sum.Failed), len(sum.Failed))
	return sum
}
