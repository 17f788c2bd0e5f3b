package docker

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockClient is a testify mock of Engine.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}

func (m *MockClient) StartContainer(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockClient) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	args := m.Called(ctx, containerID, force)
	return args.Error(0)
}

func (m *MockClient) HostPorts(ctx context.Context, containerID string) (map[int]int, error) {
	args := m.Called(ctx, containerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int]int), args.Error(1)
}

func (m *MockClient) PutFile(ctx context.Context, containerID, dst, content string) error {
	args := m.Called(ctx, containerID, dst, content)
	return args.Error(0)
}

func (m *MockClient) ReadFile(ctx context.Context, containerID, src string) (string, error) {
	args := m.Called(ctx, containerID, src)
	return args.String(0), args.Error(1)
}

func (m *MockClient) Exec(ctx context.Context, containerID string, spec ExecSpec) (int, error) {
	args := m.Called(ctx, containerID, spec)
	if out, ok := args.Get(2).(string); ok && spec.Output != nil {
		_, _ = spec.Output.Write([]byte(out))
	}
	return args.Int(0), args.Error(1)
}

func (m *MockClient) Close() error {
	args := m.Called()
	return args.Error(0)
}
