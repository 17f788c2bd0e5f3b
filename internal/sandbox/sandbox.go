// Package sandbox provides the isolated filesystem and process runner that
// generated actions are applied to.
package sandbox

import (
	"context"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sokinpui/artifact/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetSandboxLogger()
		log = &l
	})
	return log
}

// Sandbox is a virtual filesystem plus a process executor. Paths are
// slash-separated and relative to the sandbox root; a leading slash is
// allowed and means the same thing.
type Sandbox interface {
	Mount(ctx context.Context, tree FileTree) error
	WriteFile(ctx context.Context, name, content string) error
	ReadFile(ctx context.Context, name string) (string, error)
	// Remove deletes a file or directory. A missing path yields an error
	// matching fs.ErrNotExist.
	Remove(ctx context.Context, name string) error
	MakeDirectory(ctx context.Context, name string, recursive bool) error
	Spawn(ctx context.Context, program string, args []string, opts SpawnOptions) (Process, error)
	// OnServerReady registers fn to be called when a spawned process starts
	// listening on a port.
	OnServerReady(fn ServerReadyFunc)
	Close() error
}

// ServerReadyFunc receives the port a dev server announced and the URL it can be reached at.
type ServerReadyFunc func(port int, url string)

// SpawnOptions configures a spawned process.
type SpawnOptions struct {
	// Cwd is relative to the sandbox root.
	Cwd string
	// Env entries are KEY=VALUE pairs added to the process environment.
	Env []string
	// Output, if set, receives a live copy of combined stdout and stderr.
	Output io.Writer
}

// Process is a running or finished sandbox process.
type Process interface {
	// Wait blocks until exit. A non-zero exit is reported through the code,
	// not the error.
	Wait() (exitCode int, err error)
	// Output returns combined output captured so far.
	Output() string
	Kill() error
}

// CleanPath maps any user supplied path onto an absolute slash path inside the root.
func CleanPath(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return path.Clean("/" + name)
}
