package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sokinpui/artifact/internal/config"
	"github.com/sokinpui/artifact/internal/sandbox"
	"github.com/sokinpui/artifact/internal/sandbox/docker"
)

// OpenSandbox builds the sandbox selected by cfg.Driver.
func OpenSandbox(ctx context.Context, cfg config.SandboxConfig) (sandbox.Sandbox, error) {
	switch cfg.Driver {
	case "", "local":
		sb, err := sandbox.NewLocal(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to open local sandbox: %w", err)
		}
		return sb, nil
	case "memory":
		return sandbox.NewMemory(), nil
	case "docker":
		c, err := docker.NewClient(cfg.Docker.Host)
		if err != nil {
			return nil, err
		}
		sb, err := docker.New(ctx, c, docker.Options{
			Image:        cfg.Docker.Image,
			WorkspaceDir: cfg.Docker.WorkspaceDir,
			Ports:        cfg.Docker.Ports,
			Environment:  cfg.Docker.Environment,
			MemoryMB:     cfg.Docker.MemoryMB,
			CPUShares:    cfg.Docker.CPUShares,
			StopTimeout:  cfg.Docker.StopTimeout,
		})
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to start docker sandbox: %w", err)
		}
		return &closingSandbox{Sandbox: sb, client: c}, nil
	default:
		return nil, fmt.Errorf("unknown sandbox driver %q", cfg.Driver)
	}
}

// closingSandbox also closes the docker client the sandbox was built on.
type closingSandbox struct {
	sandbox.Sandbox
	client io.Closer
}

func (s *closingSandbox) Close() error {
	return errors.Join(s.Sandbox.Close(), s.client.Close())
}
