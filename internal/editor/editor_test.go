package editor

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokinpui/artifact/model"
)

// fakeNvim has buffers open for the absolute paths in bufs.
type fakeNvim struct {
	bufs     map[string]int
	commands []string
	fail     map[string]bool
	closed   bool
}

func (f *fakeNvim) Call(fname string, result any, args ...any) error {
	if fname != "bufnr" {
		return errors.New("unexpected call " + fname)
	}
	path := args[0].(string)
	if f.fail[path] {
		return errors.New("rpc error")
	}
	n, ok := f.bufs[path]
	if !ok {
		n = -1
	}
	*result.(*int) = n
	return nil
}

func (f *fakeNvim) Command(cmd string) error {
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeNvim) Close() error {
	f.closed = true
	return nil
}

func TestRefresh(t *testing.T) {
	root := t.TempDir()
	fake := &fakeNvim{
		bufs: map[string]int{
			filepath.Join(root, "app", "a.jsx"): 3,
			filepath.Join(root, "app", "old.jsx"): 5,
		},
		fail: map[string]bool{filepath.Join(root, "app", "broken.jsx"): true},
	}
	m, err := newManager(fake, root)
	require.NoError(t, err)

	ok, failed := m.Refresh(model.Summary{
		Created:  []string{"app/new.jsx"},
		Modified: []string{"app/a.jsx", "app/broken.jsx"},
		Deleted:  []string{"app/old.jsx"},
	})
	assert.Equal(t, []string{"app/new.jsx", "app/a.jsx", "app/old.jsx"}, ok)
	assert.Equal(t, []string{"app/broken.jsx"}, failed)
	assert.Equal(t, []string{"checktime 3", "bwipeout! 5"}, fake.commands)

	require.NoError(t, m.Close())
	assert.True(t, fake.closed)
}

func TestDial_NoAddress(t *testing.T) {
	t.Setenv("NVIM_LISTEN_ADDRESS", "")
	t.Setenv("NVIM", "")
	_, err := Dial("", ".")
	assert.ErrorIs(t, err, ErrNoAddress)
}
