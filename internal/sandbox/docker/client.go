package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// ErrNotFound is returned when a path does not exist inside the container.
var ErrNotFound = errors.New("not found in container")

// ContainerSpec describes the long-lived container a sandbox runs in.
type ContainerSpec struct {
	Name        string
	Image       string
	WorkingDir  string
	Ports       []int
	Environment map[string]string
	MemoryMB    int64
	CPUShares   int64
}

// ExecSpec describes one process started inside a running container.
type ExecSpec struct {
	Cmd     []string
	WorkDir string
	Env     []string
	// Output receives demultiplexed stdout and stderr.
	Output io.Writer
}

// Engine is the slice of the Docker API a sandbox uses.
type Engine interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	// HostPorts maps published container ports to the host ports Docker chose.
	HostPorts(ctx context.Context, containerID string) (map[int]int, error)
	// PutFile writes content to dst, creating parent directories.
	PutFile(ctx context.Context, containerID, dst, content string) error
	// ReadFile returns the contents of src, or an error wrapping ErrNotFound.
	ReadFile(ctx context.Context, containerID, src string) (string, error)
	// Exec runs a command to completion and returns its exit code.
	Exec(ctx context.Context, containerID string, spec ExecSpec) (int, error)
	Close() error
}

// Client is the Engine backed by a Docker daemon.
type Client struct {
	docker *client.Client
}

var _ Engine = (*Client)(nil)

// NewClient creates a Docker client. An empty host means the environment
// (DOCKER_HOST and friends) decides.
func NewClient(host string) (*Client, error) {
	hostOpt := client.FromEnv
	if host != "" {
		hostOpt = client.WithHost(host)
	}
	dc, err := client.NewClientWithOpts(hostOpt, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return &Client{docker: dc}, nil
}

func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	exposed := make(nat.PortSet, len(spec.Ports))
	published := make(nat.PortMap, len(spec.Ports))
	for _, port := range spec.Ports {
		p, err := nat.NewPort("tcp", strconv.Itoa(port))
		if err != nil {
			return "", fmt.Errorf("bad port %d: %w", port, err)
		}
		exposed[p] = struct{}{}
		// No HostPort: Docker picks a free one on loopback.
		published[p] = []nat.PortBinding{{HostIP: "127.0.0.1"}}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Environment),
		ExposedPorts: exposed,
		WorkingDir:   spec.WorkingDir,
		Cmd:          []string{"sleep", "infinity"},
		Labels:       map[string]string{"artifact.sandbox": "true"},
	}
	hostCfg := &container.HostConfig{
		PortBindings: published,
		Resources: container.Resources{
			Memory:    spec.MemoryMB * 1024 * 1024,
			CPUShares: spec.CPUShares,
		},
	}

	resp, err := c.docker.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	return c.docker.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (c *Client) HostPorts(ctx context.Context, containerID string) (map[int]int, error) {
	resp, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	ports := make(map[int]int)
	if resp.NetworkSettings == nil {
		return ports, nil
	}
	for port, bindings := range resp.NetworkSettings.Ports {
		for _, binding := range bindings {
			hostPort, err := strconv.Atoi(binding.HostPort)
			if err != nil {
				continue
			}
			ports[port.Int()] = hostPort
			break
		}
	}
	return ports, nil
}

// PutFile ships dst as a tar stream unpacked at /. The stream carries every
// parent directory so missing ones are created.
func (c *Client) PutFile(ctx context.Context, containerID, dst, content string) error {
	archive, err := fileArchive(dst, content)
	if err != nil {
		return err
	}
	if err := c.docker.CopyToContainer(ctx, containerID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying %s into container: %w", dst, err)
	}
	return nil
}

func (c *Client) ReadFile(ctx context.Context, containerID, src string) (string, error) {
	rc, _, err := c.docker.CopyFromContainer(ctx, containerID, src)
	if client.IsErrNotFound(err) {
		return "", fmt.Errorf("%s: %w", src, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("copying %s out of container: %w", src, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	switch {
	case errors.Is(err, io.EOF):
		return "", fmt.Errorf("%s: %w", src, ErrNotFound)
	case err != nil:
		return "", fmt.Errorf("reading archive of %s: %w", src, err)
	case hdr.Typeflag == tar.TypeDir:
		return "", fmt.Errorf("%s is a directory", src)
	}

	var sb strings.Builder
	if _, err := io.Copy(&sb, tr); err != nil {
		return "", fmt.Errorf("reading %s: %w", src, err)
	}
	return sb.String(), nil
}

func (c *Client) Exec(ctx context.Context, containerID string, spec ExecSpec) (int, error) {
	execResp, err := c.docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkDir,
		Env:          spec.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to create exec instance: %w", err)
	}

	hijacked, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach to exec instance: %w", err)
	}
	defer hijacked.Close()

	out := spec.Output
	if out == nil {
		out = io.Discard
	}
	if _, err := stdcopy.StdCopy(out, out, hijacked.Reader); err != nil {
		return -1, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return -1, fmt.Errorf("failed to inspect exec instance: %w", err)
	}
	return inspect.ExitCode, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// fileArchive builds a tar stream rooted at / holding dstPath and its parents.
func fileArchive(dstPath, content string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	clean := path.Clean("/" + dstPath)
	var dirs []string
	for dir := path.Dir(clean); dir != "/"; dir = path.Dir(dir) {
		dirs = append([]string{dir}, dirs...)
	}
	for _, dir := range dirs {
		hdr := &tar.Header{Name: dir[1:] + "/", Mode: 0755, Typeflag: tar.TypeDir}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write tar header: %w", err)
		}
	}

	hdr := &tar.Header{Name: clean[1:], Mode: 0644, Size: int64(len(content))}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return nil, fmt.Errorf("failed to write content to tar: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar writer: %w", err)
	}
	return &buf, nil
}

// envList renders env as sorted KEY=value pairs.
func envList(env map[string]string) []string {
	keys := slices.Sorted(maps.Keys(env))
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + env[k]
	}
	return out
}
