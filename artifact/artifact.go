// Package artifact runs one reply through the action protocol: stream it,
// apply its file and command actions to a sandbox, and report what changed.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/sokinpui/artifact/cli"
	"github.com/sokinpui/artifact/internal/apply"
	"github.com/sokinpui/artifact/internal/config"
	"github.com/sokinpui/artifact/internal/editor"
	"github.com/sokinpui/artifact/internal/preview"
	"github.com/sokinpui/artifact/internal/protocol"
	"github.com/sokinpui/artifact/internal/sandbox"
	"github.com/sokinpui/artifact/internal/server"
	"github.com/sokinpui/artifact/internal/session"
	"github.com/sokinpui/artifact/internal/source"
	"github.com/sokinpui/artifact/internal/transport"
	"github.com/sokinpui/artifact/internal/ui"
	"github.com/sokinpui/artifact/model"
)

// ProgressUpdate is a callback function to report apply progress.
type ProgressUpdate func(current, total int)

// ContentSource supplies a recorded reply.
type ContentSource interface {
	GetContent() (string, error)
}

// DetailedError enhances a standard error with a stack trace.
type DetailedError struct {
	Err   error
	Stack []byte
}

func (e *DetailedError) Error() string {
	return e.Err.Error()
}

func (e *DetailedError) Unwrap() error { return e.Err }

// replayMessage is the user message recorded for a replayed reply.
const replayMessage = "Apply recorded response"

// Option customizes an App.
type Option func(*App)

// WithSandbox uses sb instead of opening the configured one. The App takes
// ownership and closes it.
func WithSandbox(sb sandbox.Sandbox) Option {
	return func(a *App) { a.sb = sb }
}

// WithSource replaces the stdin/clipboard source.
func WithSource(src ContentSource) Option {
	return func(a *App) { a.source = src }
}

// WithProducer replaces the generation API client for prompts.
func WithProducer(p session.Producer) Option {
	return func(a *App) { a.producer = p }
}

// WithStdout redirects --output-actions output.
func WithStdout(w io.Writer) Option {
	return func(a *App) { a.stdout = w }
}

// App orchestrates the entire application logic.
type App struct {
	cfg    *cli.Config
	appCfg *config.AppConfig

	sb       sandbox.Sandbox
	source   ContentSource
	api      *transport.Client
	producer session.Producer
	sess     *session.Session
	stdout   io.Writer

	content          string
	loaded           bool
	progressCallback ProgressUpdate
}

// New creates an App. Command-line values override appCfg.
func New(ctx context.Context, cfg *cli.Config, appCfg *config.AppConfig, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = &cli.Config{}
	}
	if appCfg == nil {
		appCfg = config.Default()
	}
	if cfg.Root != "" {
		appCfg.Sandbox.Root = cfg.Root
	}
	if cfg.Sandbox != "" {
		appCfg.Sandbox.Driver = cfg.Sandbox
	}

	a := &App{cfg: cfg, appCfg: appCfg, stdout: os.Stdout}
	for _, opt := range opts {
		opt(a)
	}
	if a.source == nil {
		a.source = source.New()
	}
	a.api = transport.New(appCfg.API)
	if a.producer == nil {
		a.producer = a.api
	}

	if a.sb == nil && !cfg.OutputActions {
		sb, err := OpenSandbox(ctx, appCfg.Sandbox)
		if err != nil {
			return nil, err
		}
		a.sb = sb
	}
	if a.sb != nil {
		a.sess = session.New(a, a.sb, a.sessionOptions()...)
	}
	return a, nil
}

func (a *App) sessionOptions() []session.Option {
	opts := []session.Option{
		session.WithMaxTagLength(a.appCfg.Protocol.MaxTagLength),
		session.WithSnapshotHook(a.reportProgress),
	}
	if a.cfg.Template || a.cfg.Serve {
		opts = append(opts, session.WithPreview(preview.New(a.sb, a.appCfg.Preview)))
	}
	if a.cfg.Template {
		opts = append(opts, session.WithTemplateSource(a.api))
	}
	if a.cfg.NoAnimation {
		opts = append(opts, session.WithCommandOutput(os.Stderr))
	}
	return opts
}

// SetProgressCallback sets a function to be called for progress updates.
func (a *App) SetProgressCallback(cb ProgressUpdate) {
	a.progressCallback = cb
}

// Session is the session replies are applied through; nil in
// --output-actions mode.
func (a *App) Session() *session.Session { return a.sess }

// StreamChat sends prompts to the generation API and replays recorded
// content otherwise.
func (a *App) StreamChat(ctx context.Context, req transport.ChatRequest) (<-chan string, <-chan error) {
	if a.cfg.Prompt != "" || a.cfg.Serve {
		return a.producer.StreamChat(ctx, req)
	}
	return source.Replay{Content: a.content, ChunkSize: a.cfg.ChunkSize}.StreamChat(ctx, req)
}

// Load reads the recorded reply from stdin or the clipboard. It is a no-op
// when a prompt is given or the content was already read.
func (a *App) Load() error {
	if a.loaded || a.cfg.Prompt != "" {
		return nil
	}
	content, err := a.source.GetContent()
	if err != nil {
		return err
	}
	a.content, a.loaded = content, true
	return nil
}

// Parse decodes a complete reply without applying it.
func (a *App) Parse(content string) protocol.Result {
	return protocol.Decode(content, a.appCfg.Protocol.MaxTagLength)
}

// Apply applies actions in order, continuing past failures, and records
// file changes in the session's project.
func (a *App) Apply(ctx context.Context, actions []protocol.Action) (model.Summary, error) {
	if a.sb == nil {
		return model.Summary{}, errors.New("no sandbox available")
	}
	var opts []apply.Option
	if a.sess != nil {
		opts = append(opts, apply.WithFileObserver(a.sess.Store().Record))
	}
	report := protocol.ApplyActions(ctx, apply.New(a.sb, opts...), actions, func(res protocol.ActionResult) {
		if a.progressCallback != nil {
			a.progressCallback(res.Index+1, len(actions))
		}
	})
	return session.Summarize(report), nil
}

// Execute executes the main application logic based on parsed flags.
func (a *App) Execute(ctx context.Context) (summary model.Summary, err error) {
	// Centralized panic recovery.
	defer func() {
		if r := recover(); r != nil {
			err = &DetailedError{
				Err:   fmt.Errorf("internal panic: %v", r),
				Stack: debug.Stack(),
			}
		}
	}()

	switch {
	case a.cfg.OutputActions:
		return a.printActions()
	case a.cfg.Serve:
		return model.Summary{}, a.Serve(ctx)
	default:
		return a.processContent(ctx)
	}
}

// processContent streams the reply through the session and applies it.
func (a *App) processContent(ctx context.Context) (model.Summary, error) {
	if err := a.Load(); err != nil {
		return model.Summary{}, err
	}
	message := a.cfg.Prompt
	if message == "" {
		if a.content == "" {
			return model.Summary{Message: "Source is empty. Nothing to process."}, nil
		}
		message = replayMessage
	}

	if !a.sess.Initialized() {
		if err := a.sess.Init(ctx); err != nil {
			return model.Summary{}, err
		}
	}
	summary, err := a.sess.Send(ctx, message)
	if err != nil {
		return summary, err
	}
	if a.cfg.Nvim {
		a.refreshEditor(summary)
	}
	return summary, nil
}

// refreshEditor reloads changed buffers in Neovim for local sandboxes.
func (a *App) refreshEditor(summary model.Summary) {
	local, ok := a.sb.(*sandbox.FS)
	if !ok || local.Root() == "" {
		ui.Warning("--nvim only applies to the local sandbox.")
		return
	}
	manager, err := editor.Dial("", local.Root())
	if err != nil {
		ui.Warning("Skipping Neovim refresh: %v", err)
		return
	}
	defer manager.Close()
	if _, failed := manager.Refresh(summary); len(failed) > 0 {
		ui.Warning("Neovim could not reload %d buffer(s).", len(failed))
	}
}

// printActions writes the decoded actions as YAML.
func (a *App) printActions() (model.Summary, error) {
	if err := a.Load(); err != nil {
		return model.Summary{}, err
	}
	result := a.Parse(a.content)
	for _, perr := range result.Errors {
		ui.Warning("Skipped malformed tag at offset %d: %s", perr.Offset, perr.Reason)
	}

	docs := make([]map[string]any, 0, len(result.Actions))
	for _, act := range result.Actions {
		doc := map[string]any{"type": act.Kind()}
		switch v := act.(type) {
		case protocol.FileAction:
			doc["filePath"] = v.Path
			doc["contentType"] = string(v.Operation)
			if v.Operation != protocol.OpDelete {
				doc["content"] = v.Content
			}
		case protocol.CommandAction:
			doc["command"] = v.Command
			doc["workingDir"] = v.WorkingDir
		}
		docs = append(docs, doc)
	}

	enc := yaml.NewEncoder(a.stdout)
	enc.SetIndent(2)
	if err := enc.Encode(docs); err != nil {
		return model.Summary{}, fmt.Errorf("failed to encode actions: %w", err)
	}
	if err := enc.Close(); err != nil {
		return model.Summary{}, fmt.Errorf("failed to encode actions: %w", err)
	}
	return model.Summary{Message: fmt.Sprintf("%d action(s) decoded", len(result.Actions))}, nil
}

// Serve runs the HTTP/WebSocket API until ctx is cancelled. The template is
// loaded in the background so the API is reachable while dependencies
// install.
func (a *App) Serve(ctx context.Context) error {
	srv := server.New(a.appCfg.Server, a.sess)
	ui.Info("Serving API on http://%s", srv.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		if err := a.sess.Init(gctx); err != nil {
			ui.Error("Failed to load project: %v", err)
		}
		return nil
	})
	return g.Wait()
}

// reportProgress turns apply snapshots into progress callbacks.
func (a *App) reportProgress(snap protocol.Snapshot) {
	if a.progressCallback == nil || snap.Phase != protocol.PhaseApplying {
		return
	}
	done := 0
	for _, st := range snap.Actions {
		if st.Completed || st.Failed {
			done++
		}
	}
	a.progressCallback(done, len(snap.Actions))
}

// Close stops the preview and releases the sandbox.
func (a *App) Close() error {
	var errs []error
	if a.sess != nil {
		errs = append(errs, a.sess.Close())
	}
	if a.sb != nil {
		errs = append(errs, a.sb.Close())
	}
	return errors.Join(errs...)
}
