// Package editor keeps a running Neovim in step with files changed on disk
// by the local sandbox.
package editor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/neovim/go-client/nvim"
	"github.com/rs/zerolog"

	"github.com/sokinpui/artifact/internal/logger"
	"github.com/sokinpui/artifact/model"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetEditorLogger()
		log = &l
	})
	return log
}

// ErrNoAddress is returned when no Neovim server address is known.
var ErrNoAddress = errors.New("no neovim address: pass one or set NVIM_LISTEN_ADDRESS")

// client is the part of *nvim.Nvim the manager uses.
type client interface {
	Call(fname string, result any, args ...any) error
	Command(cmd string) error
	Close() error
}

// Manager reloads or drops buffers of changed files.
type Manager struct {
	nvim client
	root string
}

// Dial connects to the Neovim at addr, or at $NVIM_LISTEN_ADDRESS / $NVIM
// when addr is empty. Paths passed to Refresh are resolved against root.
func Dial(addr, root string) (*Manager, error) {
	if addr == "" {
		addr = os.Getenv("NVIM_LISTEN_ADDRESS")
	}
	if addr == "" {
		addr = os.Getenv("NVIM")
	}
	if addr == "" {
		return nil, ErrNoAddress
	}
	v, err := nvim.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to neovim at %s: %w", addr, err)
	}
	return newManager(v, root)
}

func newManager(c client, root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	return &Manager{nvim: c, root: abs}, nil
}

// Close disconnects from Neovim.
func (m *Manager) Close() error {
	return m.nvim.Close()
}

// processSequentially runs processFn over items and sorts the returned
// paths by outcome.
func processSequentially[T any](
	items []T,
	processFn func(item T) (path string, success bool),
) (succeeded, failed []string) {
	for _, item := range items {
		path, success := processFn(item)
		if success {
			succeeded = append(succeeded, path)
		} else {
			failed = append(failed, path)
		}
	}
	return succeeded, failed
}

// Refresh reloads buffers of created and modified files and wipes buffers of
// deleted ones. Files not open in Neovim count as refreshed.
func (m *Manager) Refresh(s model.Summary) (refreshed, failed []string) {
	changed := append(append([]string(nil), s.Created...), s.Modified...)
	okReload, failReload := processSequentially(changed, func(p string) (string, bool) {
		return p, m.reload(p)
	})
	okWipe, failWipe := processSequentially(s.Deleted, func(p string) (string, bool) {
		return p, m.wipe(p)
	})
	refreshed = append(okReload, okWipe...)
	failed = append(failReload, failWipe...)
	if len(failed) > 0 {
		getLog().Warn().Strs("failed", failed).Msg("Some buffers were not refreshed")
	}
	return refreshed, failed
}

// bufnr returns the buffer number of an open file, or -1.
func (m *Manager) bufnr(relPath string) (int, error) {
	abs := filepath.Join(m.root, filepath.FromSlash(relPath))
	var n int
	if err := m.nvim.Call("bufnr", &n, abs); err != nil {
		return -1, err
	}
	return n, nil
}

func (m *Manager) reload(relPath string) bool {
	n, err := m.bufnr(relPath)
	if err != nil {
		getLog().Debug().Err(err).Str("path", relPath).Msg("bufnr failed")
		return false
	}
	if n < 0 {
		return true
	}
	if err := m.nvim.Command(fmt.Sprintf("checktime %d", n)); err != nil {
		getLog().Debug().Err(err).Str("path", relPath).Msg("checktime failed")
		return false
	}
	return true
}

func (m *Manager) wipe(relPath string) bool {
	n, err := m.bufnr(relPath)
	if err != nil {
		return false
	}
	if n < 0 {
		return true
	}
	return m.nvim.Command(fmt.Sprintf("bwipeout! %d", n)) == nil
}
