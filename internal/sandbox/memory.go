package sandbox

import (
	"context"
	"sync"

	"github.com/spf13/afero"
)

// Command is a process invocation recorded by a memory sandbox.
type Command struct {
	Program string
	Args    []string
	Cwd     string
	Env     []string
}

// String renders the command line.
func (c Command) String() string { return joinArgs(c.Program, c.Args) }

// Script decides the outcome of a recorded command. Output is fed through
// the same line handling as real processes, so it can announce servers.
type Script func(cmd Command) (exitCode int, output string)

// MemoryOption configures NewMemory.
type MemoryOption func(*memoryRunner)

// WithScript sets how recorded commands behave. By default they exit 0 silently.
func WithScript(script Script) MemoryOption {
	return func(r *memoryRunner) { r.script = script }
}

// NewMemory returns a sandbox that keeps files in memory and records commands
// instead of running them.
func NewMemory(opts ...MemoryOption) *FS {
	r := &memoryRunner{}
	for _, opt := range opts {
		opt(r)
	}
	s := &FS{
		fs:    afero.NewMemMapFs(),
		ready: NewReadyNotifier(nil),
	}
	s.spawn = r.spawn
	s.recorder = r
	return s
}

// Commands returns every command spawned so far. It is empty for local sandboxes.
func (s *FS) Commands() []Command {
	if s.recorder == nil {
		return nil
	}
	return s.recorder.commands()
}

type memoryRunner struct {
	mu       sync.Mutex
	script   Script
	recorded []Command
}

func (r *memoryRunner) spawn(_ context.Context, program string, args []string, cwd string, env []string, out *OutputCollector) (Process, error) {
	cmd := Command{Program: program, Args: append([]string(nil), args...), Cwd: cwd, Env: append([]string(nil), env...)}
	r.mu.Lock()
	r.recorded = append(r.recorded, cmd)
	script := r.script
	r.mu.Unlock()

	code := 0
	if script != nil {
		var output string
		code, output = script(cmd)
		_, _ = out.Write([]byte(output))
		out.Flush()
	}
	return &finishedProcess{code: code, out: out}, nil
}

func (r *memoryRunner) commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.recorded...)
}

// finishedProcess has already exited by the time it is returned.
type finishedProcess struct {
	code int
	out  *OutputCollector
}

func (p *finishedProcess) Wait() (int, error) { return p.code, nil }
func (p *finishedProcess) Output() string     { return p.out.String() }
func (p *finishedProcess) Kill() error        { return nil }
