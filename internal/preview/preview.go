// Package preview runs the generated app's dev server inside the sandbox
// and tracks the URL it is reachable at.
package preview

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sokinpui/artifact/internal/config"
	"github.com/sokinpui/artifact/internal/logger"
	"github.com/sokinpui/artifact/internal/sandbox"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetSandboxLogger().With().Str("component", "preview").Logger()
		log = &l
	})
	return log
}

// State is what a preview pane shows.
type State struct {
	URL      string `json:"url"`
	Port     int    `json:"port,omitempty"`
	Disabled bool   `json:"disabled"`
	Running  bool   `json:"running"`
}

// Manager owns the dev server process. Server-ready events that arrive while
// the preview is disabled are ignored. The dev server lives until Close, not
// until the context of the call that started it ends.
type Manager struct {
	sb     sandbox.Sandbox
	cfg    config.PreviewConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	dev       sandbox.Process
	listeners []func(State)
}

// New returns a manager and subscribes it to sb's server-ready events.
func New(sb sandbox.Sandbox, cfg config.PreviewConfig) *Manager {
	if cfg.AppDir == "" {
		cfg.AppDir = "/app"
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{sb: sb, cfg: cfg, ctx: ctx, cancel: cancel}
	sb.OnServerReady(m.serverReady)
	return m
}

// Subscribe registers fn to receive every state change.
func (m *Manager) Subscribe(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current preview state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AppDir is the directory the dev server runs in.
func (m *Manager) AppDir() string { return m.cfg.AppDir }

func (m *Manager) serverReady(port int, url string) {
	m.update(func(s *State) bool {
		if s.Disabled {
			getLog().Debug().Int("port", port).Msg("Ignoring server-ready while disabled")
			return false
		}
		s.URL = url
		s.Port = port
		return true
	})
}

// update applies fn under the lock and notifies listeners if it reports a change.
func (m *Manager) update(fn func(*State) bool) {
	m.mu.Lock()
	if !fn(&m.state) {
		m.mu.Unlock()
		return
	}
	s := m.state
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(s)
	}
}

// SetDisabled toggles the preview. Disabling clears the URL; the next
// server-ready event after enabling sets it again.
func (m *Manager) SetDisabled(disabled bool) {
	m.update(func(s *State) bool {
		if s.Disabled == disabled {
			return false
		}
		s.Disabled = disabled
		if disabled {
			s.URL = ""
			s.Port = 0
		}
		return true
	})
}

// Bootstrap installs dependencies and starts the dev server. Install is
// awaited; the dev server is left running.
func (m *Manager) Bootstrap(ctx context.Context) error {
	if code, out, err := m.run(ctx, m.cfg.InstallCommand); err != nil {
		return fmt.Errorf("install failed: %w", err)
	} else if code != 0 {
		getLog().Warn().Int("exit_code", code).Str("output", tail(out, 2048)).Msg("Dependency install failed")
		return fmt.Errorf("%s exited with code %d", m.cfg.InstallCommand, code)
	}
	return m.startDev()
}

// Reload restarts the dev server so it picks up changed files. It does
// nothing while the preview is disabled.
func (m *Manager) Reload(ctx context.Context) error {
	if m.State().Disabled {
		return nil
	}

	m.mu.Lock()
	old := m.dev
	m.dev = nil
	m.mu.Unlock()
	if old != nil {
		_ = old.Kill()
	}

	if m.cfg.StopCommand != "" {
		if code, _, err := m.run(ctx, m.cfg.StopCommand); err != nil || code != 0 {
			getLog().Debug().Err(err).Int("exit_code", code).Msg("Stop command did not succeed")
		}
	}
	return m.startDev()
}

func (m *Manager) startDev() error {
	program, args := argv(m.cfg.DevCommand)
	if program == "" {
		return nil
	}
	if err := m.ctx.Err(); err != nil {
		return fmt.Errorf("preview is closed: %w", err)
	}
	p, err := m.sb.Spawn(m.ctx, program, args, sandbox.SpawnOptions{Cwd: m.cfg.AppDir})
	if err != nil {
		return fmt.Errorf("failed to start dev server: %w", err)
	}

	m.mu.Lock()
	m.dev = p
	m.mu.Unlock()
	m.update(func(s *State) bool {
		s.Running = true
		return true
	})
	getLog().Info().Str("command", m.cfg.DevCommand).Str("cwd", m.cfg.AppDir).Msg("Dev server started")

	go func() {
		code, err := p.Wait()
		m.mu.Lock()
		current := m.dev == p
		if current {
			m.dev = nil
		}
		m.mu.Unlock()
		if !current {
			return
		}
		getLog().Info().Int("exit_code", code).Err(err).Msg("Dev server exited")
		m.update(func(s *State) bool {
			s.Running = false
			return true
		})
	}()
	return nil
}

// run executes a command to completion in the app directory.
func (m *Manager) run(ctx context.Context, command string) (int, string, error) {
	program, args := argv(command)
	if program == "" {
		return 0, "", nil
	}
	p, err := m.sb.Spawn(ctx, program, args, sandbox.SpawnOptions{Cwd: m.cfg.AppDir})
	if err != nil {
		return -1, "", err
	}
	code, err := p.Wait()
	return code, p.Output(), err
}

// Close stops the dev server.
func (m *Manager) Close() error {
	defer m.cancel()
	m.mu.Lock()
	dev := m.dev
	m.dev = nil
	m.mu.Unlock()
	if dev == nil {
		return nil
	}
	err := dev.Kill()
	m.update(func(s *State) bool {
		s.Running = false
		return true
	})
	return err
}

func argv(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
