// Package docker runs the sandbox inside a Docker container. Files are
// copied in as tar archives and commands run through exec.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sokinpui/artifact/internal/logger"
	"github.com/sokinpui/artifact/internal/sandbox"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetSandboxLogger().With().Str("driver", "docker").Logger()
		log = &l
	})
	return log
}

// exitMissing is the exit status the remove script uses for a missing path.
const exitMissing = 44

// Options configures a container sandbox.
type Options struct {
	Image        string
	WorkspaceDir string
	Ports        []int
	Environment  map[string]string
	MemoryMB     int64
	CPUShares    int64
	StopTimeout  time.Duration
}

// Sandbox is a sandbox.Sandbox backed by one long-lived container.
type Sandbox struct {
	client    Engine
	id        string
	workspace string
	timeout   time.Duration
	ready     *sandbox.ReadyNotifier

	mu     sync.Mutex
	active []*execProcess
	closed bool
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

// New creates and starts a container. The container is removed if startup fails.
func New(ctx context.Context, c Engine, opts Options) (*Sandbox, error) {
	if opts.WorkspaceDir == "" {
		opts.WorkspaceDir = "/workspace"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}

	name := "artifact-" + uuid.NewString()[:8]
	id, err := c.CreateContainer(ctx, ContainerSpec{
		Name:        name,
		Image:       opts.Image,
		WorkingDir:  opts.WorkspaceDir,
		Ports:       opts.Ports,
		Environment: opts.Environment,
		MemoryMB:    opts.MemoryMB,
		CPUShares:   opts.CPUShares,
	})
	if err != nil {
		return nil, err
	}

	cleanup := func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), opts.StopTimeout)
		defer cancel()
		if err := c.RemoveContainer(rmCtx, id, true); err != nil {
			getLog().Warn().Err(err).Str("container", id).Msg("Failed to remove container after startup error")
		}
	}

	if err := c.StartContainer(ctx, id); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	hostPorts, err := c.HostPorts(ctx, id)
	if err != nil {
		cleanup()
		return nil, err
	}

	getLog().Info().Str("container", id).Str("name", name).Str("image", opts.Image).Interface("ports", hostPorts).Msg("Container sandbox started")

	s := &Sandbox{
		client:    c,
		id:        id,
		workspace: opts.WorkspaceDir,
		timeout:   opts.StopTimeout,
	}
	s.ready = sandbox.NewReadyNotifier(func(port int) (string, bool) {
		hostPort, ok := hostPorts[port]
		if !ok {
			getLog().Debug().Int("port", port).Msg("Server port is not published")
			return "", false
		}
		return fmt.Sprintf("http://localhost:%d", hostPort), true
	})
	return s, nil
}

// ID is the container id.
func (s *Sandbox) ID() string { return s.id }

// containerPath maps a sandbox path into the workspace directory.
func (s *Sandbox) containerPath(name string) string {
	return path.Join(s.workspace, sandbox.CleanPath(name))
}

func (s *Sandbox) Mount(ctx context.Context, tree sandbox.FileTree) error {
	return tree.Walk(func(name string, n *sandbox.Node) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n.File == nil {
			return nil
		}
		return s.WriteFile(ctx, name, n.File.Contents)
	})
}

func (s *Sandbox) WriteFile(ctx context.Context, name, content string) error {
	return s.client.PutFile(ctx, s.id, s.containerPath(name), content)
}

func (s *Sandbox) ReadFile(ctx context.Context, name string) (string, error) {
	content, err := s.client.ReadFile(ctx, s.id, s.containerPath(name))
	if errors.Is(err, ErrNotFound) {
		return "", &fs.PathError{Op: "read", Path: sandbox.CleanPath(name), Err: fs.ErrNotExist}
	}
	return content, err
}

func (s *Sandbox) Remove(ctx context.Context, name string) error {
	p := sandbox.CleanPath(name)
	if p == "/" {
		return fmt.Errorf("refusing to remove the sandbox root")
	}
	script := fmt.Sprintf(`test -e "$1" || exit %d; rm -rf -- "$1"`, exitMissing)
	code, err := s.run(ctx, []string{"sh", "-c", script, "rm", s.containerPath(p)})
	if err != nil {
		return err
	}
	switch code {
	case 0:
		return nil
	case exitMissing:
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
	default:
		return fmt.Errorf("rm %s exited with code %d", p, code)
	}
}

func (s *Sandbox) MakeDirectory(ctx context.Context, name string, recursive bool) error {
	cmd := []string{"mkdir", s.containerPath(name)}
	if recursive {
		cmd = []string{"mkdir", "-p", s.containerPath(name)}
	}
	code, err := s.run(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 && recursive {
		return fmt.Errorf("mkdir %s exited with code %d", name, code)
	}
	return nil
}

// run executes a short helper command and discards its output.
func (s *Sandbox) run(ctx context.Context, cmd []string) (int, error) {
	return s.client.Exec(ctx, s.id, ExecSpec{Cmd: cmd, WorkDir: s.workspace})
}

func (s *Sandbox) Spawn(ctx context.Context, program string, args []string, opts sandbox.SpawnOptions) (sandbox.Process, error) {
	if program == "" {
		return nil, fmt.Errorf("no program to run")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("sandbox is closed")
	}
	s.mu.Unlock()

	execCtx, cancel := context.WithCancel(ctx)
	out := sandbox.NewOutputCollector(opts.Output, s.ready.Watcher())
	p := &execProcess{out: out, cancel: cancel, done: make(chan struct{})}
	spec := ExecSpec{
		Cmd:     append([]string{program}, args...),
		WorkDir: s.containerPath(opts.Cwd),
		Env:     opts.Env,
		Output:  out,
	}

	go func() {
		defer close(p.done)
		p.code, p.err = s.client.Exec(execCtx, s.id, spec)
		out.Flush()
	}()

	s.mu.Lock()
	s.active = append(s.active, p)
	s.mu.Unlock()
	getLog().Debug().Str("program", program).Strs("args", args).Str("cwd", spec.WorkDir).Msg("Spawned process")
	return p, nil
}

func (s *Sandbox) OnServerReady(fn sandbox.ServerReadyFunc) {
	s.ready.Subscribe(fn)
}

// Close detaches running processes and removes the container.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	active := s.active
	s.active = nil
	s.mu.Unlock()

	for _, p := range active {
		_ = p.Kill()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.RemoveContainer(ctx, s.id, true); err != nil {
		return err
	}
	getLog().Info().Str("container", s.id).Msg("Container sandbox removed")
	return nil
}

// execProcess is a command running through docker exec. Killing it only
// detaches; the container removal on Close stops it for good.
type execProcess struct {
	out    *sandbox.OutputCollector
	cancel context.CancelFunc
	done   chan struct{}
	code   int
	err    error
}

func (p *execProcess) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

func (p *execProcess) Output() string { return p.out.String() }

func (p *execProcess) Kill() error {
	p.cancel()
	return nil
}
