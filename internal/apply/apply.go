// Package apply performs decoded actions against a sandbox.
package apply

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sokinpui/artifact/internal/logger"
	"github.com/sokinpui/artifact/internal/protocol"
	"github.com/sokinpui/artifact/internal/sandbox"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetSandboxLogger().With().Str("component", "apply").Logger()
		log = &l
	})
	return log
}

// FileChange is reported after a file action succeeds.
type FileChange struct {
	Path      string
	Operation protocol.Operation
	Content   string
}

// Option configures an Applier.
type Option func(*Applier)

// WithOutput copies command output to w as it is produced.
func WithOutput(w io.Writer) Option {
	return func(a *Applier) { a.output = w }
}

// WithFileObserver registers fn to be told about every successful file action.
func WithFileObserver(fn func(FileChange)) Option {
	return func(a *Applier) { a.observers = append(a.observers, fn) }
}

// Applier implements protocol.Applier over a sandbox. Actions run one at a
// time and commands are awaited.
type Applier struct {
	sb        sandbox.Sandbox
	output    io.Writer
	observers []func(FileChange)
}

var _ protocol.Applier = (*Applier)(nil)

// New returns an Applier for sb.
func New(sb sandbox.Sandbox, opts ...Option) *Applier {
	a := &Applier{sb: sb}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply performs one action. For commands the captured output is returned
// even when the command fails.
func (a *Applier) Apply(ctx context.Context, act protocol.Action) (string, error) {
	switch v := act.(type) {
	case protocol.FileAction:
		if err := a.applyFile(ctx, v); err != nil {
			return "", err
		}
		for _, fn := range a.observers {
			fn(FileChange{Path: v.Path, Operation: v.Operation, Content: v.Content})
		}
		return "", nil
	case protocol.CommandAction:
		return a.runCommand(ctx, v)
	default:
		return "", fmt.Errorf("unsupported action %T", act)
	}
}

func (a *Applier) applyFile(ctx context.Context, f protocol.FileAction) error {
	switch f.Operation {
	case protocol.OpCreate, protocol.OpReplace:
		if dir := path.Dir(f.Path); dir != "." {
			if err := a.sb.MakeDirectory(ctx, dir, true); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
		if err := a.sb.WriteFile(ctx, f.Path, f.Content); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
		getLog().Debug().Str("path", f.Path).Str("op", string(f.Operation)).Int("bytes", len(f.Content)).Msg("File written")
	case protocol.OpDelete:
		err := a.sb.Remove(ctx, f.Path)
		if errors.Is(err, fs.ErrNotExist) {
			getLog().Debug().Str("path", f.Path).Msg("Delete of missing file ignored")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", f.Path, err)
		}
		getLog().Debug().Str("path", f.Path).Msg("File deleted")
	default:
		return fmt.Errorf("unknown operation %q", f.Operation)
	}
	return nil
}

func (a *Applier) runCommand(ctx context.Context, c protocol.CommandAction) (string, error) {
	program, args := c.Argv()
	p, err := a.sb.Spawn(ctx, program, args, sandbox.SpawnOptions{
		Cwd:    c.WorkingDir,
		Output: a.output,
	})
	if err != nil {
		return "", fmt.Errorf("failed to spawn %q: %w", c.Command, err)
	}

	code, err := p.Wait()
	out := p.Output()
	if err != nil {
		return out, fmt.Errorf("command %q: %w", c.Command, err)
	}
	if code != 0 {
		getLog().Warn().Str("command", c.Command).Int("exit_code", code).Msg("Command failed")
		return out, &protocol.ExitError{Code: code}
	}
	getLog().Info().Str("command", c.Command).Str("cwd", c.WorkingDir).Msg("Command completed")
	return out, nil
}
