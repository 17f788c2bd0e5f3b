package docker

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sokinpui/artifact/internal/sandbox"
)

func startedSandbox(t *testing.T, m *MockClient) *Sandbox {
	t.Helper()
	m.On("CreateContainer", mock.Anything, mock.MatchedBy(func(spec ContainerSpec) bool {
		return strings.HasPrefix(spec.Name, "artifact-") && spec.Image == "node:20-bookworm" && spec.WorkingDir == "/workspace"
	})).Return("c-123", nil)
	m.On("StartContainer", mock.Anything, "c-123").Return(nil)
	m.On("HostPorts", mock.Anything, "c-123").Return(map[int]int{5173: 49153}, nil)

	sb, err := New(context.Background(), m, Options{Image: "node:20-bookworm", Ports: []int{5173}})
	require.NoError(t, err)
	assert.Equal(t, "c-123", sb.ID())
	return sb
}

func TestSandbox_WriteAndReadMapIntoWorkspace(t *testing.T) {
	m := &MockClient{}
	sb := startedSandbox(t, m)
	ctx := context.Background()

	m.On("PutFile", mock.Anything, "c-123", "/workspace/app/src/a.js", "export {}").Return(nil)
	m.On("ReadFile", mock.Anything, "c-123", "/workspace/app/src/a.js").Return("export {}", nil)
	m.On("ReadFile", mock.Anything, "c-123", "/workspace/missing").Return("", ErrNotFound)

	require.NoError(t, sb.WriteFile(ctx, "app/src/a.js", "export {}"))
	got, err := sb.ReadFile(ctx, "/app/src/a.js")
	require.NoError(t, err)
	assert.Equal(t, "export {}", got)

	_, err = sb.ReadFile(ctx, "missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	m.AssertExpectations(t)
}

func TestSandbox_RemoveMapsMissingPath(t *testing.T) {
	m := &MockClient{}
	sb := startedSandbox(t, m)
	ctx := context.Background()

	isRemove := func(target string) interface{} {
		return mock.MatchedBy(func(spec ExecSpec) bool {
			return len(spec.Cmd) == 5 && spec.Cmd[0] == "sh" && spec.Cmd[4] == target
		})
	}
	m.On("Exec", mock.Anything, "c-123", isRemove("/workspace/app/old.js")).Return(0, nil, "")
	m.On("Exec", mock.Anything, "c-123", isRemove("/workspace/app/gone.js")).Return(exitMissing, nil, "")

	require.NoError(t, sb.Remove(ctx, "app/old.js"))
	err := sb.Remove(ctx, "app/gone.js")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Error(t, sb.Remove(ctx, "/"))

	m.AssertExpectations(t)
}

func TestSandbox_MakeDirectory(t *testing.T) {
	m := &MockClient{}
	sb := startedSandbox(t, m)

	m.On("Exec", mock.Anything, "c-123", ExecSpec{Cmd: []string{"mkdir", "-p", "/workspace/app/src"}, WorkDir: "/workspace"}).Return(0, nil, "")
	require.NoError(t, sb.MakeDirectory(context.Background(), "app/src", true))
	m.AssertExpectations(t)
}

func TestSandbox_SpawnAnnouncesPublishedPort(t *testing.T) {
	m := &MockClient{}
	sb := startedSandbox(t, m)

	m.On("Exec", mock.Anything, "c-123", mock.MatchedBy(func(spec ExecSpec) bool {
		return spec.WorkDir == "/workspace/app" && strings.Join(spec.Cmd, " ") == "npm run dev"
	})).Return(0, nil, "  Local:   http://localhost:5173/\n  Network: http://localhost:3000/\n")

	var urls []string
	sb.OnServerReady(func(port int, url string) {
		urls = append(urls, url)
	})

	p, err := sb.Spawn(context.Background(), "npm", []string{"run", "dev"}, sandbox.SpawnOptions{Cwd: "/app"})
	require.NoError(t, err)
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, p.Output(), "Local:")
	// 3000 is not published, so only the mapped 5173 is announced.
	assert.Equal(t, []string{"http://localhost:49153"}, urls)
}

func TestSandbox_CloseRemovesContainerOnce(t *testing.T) {
	m := &MockClient{}
	sb := startedSandbox(t, m)

	m.On("RemoveContainer", mock.Anything, "c-123", true).Return(nil).Once()
	require.NoError(t, sb.Close())
	require.NoError(t, sb.Close())

	_, err := sb.Spawn(context.Background(), "ls", nil, sandbox.SpawnOptions{})
	assert.Error(t, err)
	m.AssertExpectations(t)
}

func TestNew_RemovesContainerWhenStartFails(t *testing.T) {
	m := &MockClient{}
	m.On("CreateContainer", mock.Anything, mock.Anything).Return("c-9", nil)
	m.On("StartContainer", mock.Anything, "c-9").Return(errors.New("no such image"))
	m.On("RemoveContainer", mock.Anything, "c-9", true).Return(nil)

	_, err := New(context.Background(), m, Options{Image: "missing"})
	assert.Error(t, err)
	m.AssertExpectations(t)
}

func TestFileArchive_IncludesParents(t *testing.T) {
	r, err := fileArchive("/workspace/app/src/a.js", "hi")
	require.NoError(t, err)

	var names []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		if hdr.Typeflag != tar.TypeDir {
			body, _ := io.ReadAll(tr)
			assert.Equal(t, "hi", string(body))
		}
	}
	assert.Equal(t, []string{"workspace/", "workspace/app/", "workspace/app/src/", "workspace/app/src/a.js"}, names)
}

func TestEnvList_Sorted(t *testing.T) {
	got := envList(map[string]string{"PORT": "5173", "HOST": "0.0.0.0", "CI": "1"})
	assert.Equal(t, []string{"CI=1", "HOST=0.0.0.0", "PORT=5173"}, got)
	assert.Empty(t, envList(nil))
}
