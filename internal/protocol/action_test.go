package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "app/src/App.jsx", want: "app/src/App.jsx"},
		{in: "/app/index.html", want: "app/index.html"},
		{in: "./app//a/../b.txt", want: "app/b.txt"},
		{in: `app\win\file.txt`, want: "app/win/file.txt"},
		{in: "", wantErr: true},
		{in: "/", wantErr: true},
		{in: "../secret", wantErr: true},
		{in: "app/../../secret", wantErr: true},
	}

	for _, tt := range tests {
		got, err := normalizePath(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestCommandAction_Argv(t *testing.T) {
	cmd, err := NewCommandAction("  npm   run  dev  ", "")
	require.NoError(t, err)

	program, args := cmd.Argv()
	assert.Equal(t, "npm", program)
	assert.Equal(t, []string{"run", "dev"}, args)
	assert.Equal(t, DefaultWorkingDir, cmd.WorkingDir)
}

func TestCommandAction_ArgvDoesNotHonorQuotes(t *testing.T) {
	cmd, err := NewCommandAction(`echo "hello world"`, "/app")
	require.NoError(t, err)

	_, args := cmd.Argv()
	assert.Equal(t, []string{`"hello`, `world"`}, args)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "create app/a.js", Describe(FileAction{Path: "app/a.js", Operation: OpCreate}))
	assert.Equal(t, `run "ls" in /app`, Describe(CommandAction{Command: "ls", WorkingDir: "/app"}))
}
