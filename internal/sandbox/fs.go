package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// FS is a Sandbox backed by an afero filesystem. NewLocal roots it in a host
// directory and runs real processes; NewMemory keeps everything in memory and
// only records commands.
type FS struct {
	fs       afero.Fs
	root     string
	spawn    spawnFunc
	recorder *memoryRunner
	ready    *ReadyNotifier
	mu       sync.Mutex
	active   []Process
}

type spawnFunc func(ctx context.Context, program string, args []string, cwd string, env []string, out *OutputCollector) (Process, error)

// NewLocal returns a sandbox rooted at dir on the host, creating it if needed.
func NewLocal(dir string) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}

	s := &FS{
		fs:    afero.NewBasePathFs(afero.NewOsFs(), abs),
		root:  abs,
		ready: NewReadyNotifier(nil),
	}
	s.spawn = s.spawnHost
	return s, nil
}

// Root is the host directory backing the sandbox, or "" for memory sandboxes.
func (s *FS) Root() string { return s.root }

// Afero exposes the underlying filesystem.
func (s *FS) Afero() afero.Fs { return s.fs }

// HostPath maps a sandbox path to a host path. It is only meaningful for local sandboxes.
func (s *FS) HostPath(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(CleanPath(name)))
}

func (s *FS) Mount(ctx context.Context, tree FileTree) error {
	return tree.Walk(func(name string, n *Node) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n.Directory != nil {
			return s.fs.MkdirAll(name, 0755)
		}
		return s.WriteFile(ctx, name, n.File.Contents)
	})
}

func (s *FS) WriteFile(_ context.Context, name, content string) error {
	p := CleanPath(name)
	if err := s.fs.MkdirAll(path.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", p, err)
	}
	if err := afero.WriteFile(s.fs, p, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

func (s *FS) ReadFile(_ context.Context, name string) (string, error) {
	data, err := afero.ReadFile(s.fs, CleanPath(name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *FS) Remove(_ context.Context, name string) error {
	p := CleanPath(name)
	if p == "/" {
		return fmt.Errorf("refusing to remove the sandbox root")
	}
	info, err := s.fs.Stat(p)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return s.fs.RemoveAll(p)
	}
	return s.fs.Remove(p)
}

func (s *FS) MakeDirectory(_ context.Context, name string, recursive bool) error {
	p := CleanPath(name)
	if recursive {
		return s.fs.MkdirAll(p, 0755)
	}
	err := s.fs.Mkdir(p, 0755)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	return err
}

func (s *FS) Spawn(ctx context.Context, program string, args []string, opts SpawnOptions) (Process, error) {
	if program == "" {
		return nil, fmt.Errorf("no program to run")
	}
	out := NewOutputCollector(opts.Output, s.ready.Watcher())
	p, err := s.spawn(ctx, program, args, CleanPath(opts.Cwd), opts.Env, out)
	if err != nil {
		return nil, err
	}

	getLog().Debug().Str("program", program).Strs("args", args).Str("cwd", opts.Cwd).Msg("Spawned process")
	s.mu.Lock()
	s.active = append(s.active, p)
	s.mu.Unlock()
	go s.forget(p)
	return p, nil
}

// forget drops p from the active list once it exits.
func (s *FS) forget(p Process) {
	_, _ = p.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = slices.DeleteFunc(s.active, func(q Process) bool { return q == p })
}

func (s *FS) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *FS) OnServerReady(fn ServerReadyFunc) {
	s.ready.Subscribe(fn)
}

// Close kills processes that are still running.
func (s *FS) Close() error {
	s.mu.Lock()
	active := s.active
	s.active = nil
	s.mu.Unlock()

	var errs []error
	for _, p := range active {
		if err := p.Kill(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *FS) spawnHost(ctx context.Context, program string, args []string, cwd string, env []string, out *OutputCollector) (Process, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = s.HostPath(cwd)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", program, err)
	}

	p := &hostProcess{cmd: cmd, out: out, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		out.Flush()
		close(p.done)
	}()
	return p, nil
}

// hostProcess is a process running on the host via os/exec.
type hostProcess struct {
	cmd  *exec.Cmd
	out  *OutputCollector
	done chan struct{}
	err  error
}

func (p *hostProcess) Wait() (int, error) {
	<-p.done
	if p.err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode(), nil
	}
	return -1, p.err
}

func (p *hostProcess) Output() string { return p.out.String() }

func (p *hostProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// joinArgs renders a command line for logs and records.
func joinArgs(program string, args []string) string {
	return strings.TrimSpace(program + " " + strings.Join(args, " "))
}
