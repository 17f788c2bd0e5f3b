package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())
	assert.Equal(t, "/app", cfg.Preview.AppDir)
	assert.Equal(t, 4096, cfg.Protocol.MaxTagLength)
	assert.Equal(t, "raw", cfg.API.Framing)
}

func TestNewConfig_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
api:
  framing: sse
  timeout: 30s
  max_retries: 5
sandbox:
  driver: memory
server:
  port: 9000
  allowed_origins: ["http://localhost:5173"]
log:
  levels:
    protocol: DEBUG
`)
	cfg, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sse", cfg.API.Framing)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, 5, cfg.API.MaxRetries)
	assert.Equal(t, "memory", cfg.Sandbox.Driver)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "DEBUG", cfg.Log.Levels["protocol"])

	// Untouched keys keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "npm run dev", cfg.Preview.DevCommand)
}

func TestNewConfig_EnvironmentWins(t *testing.T) {
	path := writeConfig(t, `
api:
  framing: raw
server:
  port: 9000
`)
	t.Setenv("ARTIFACT_API_FRAMING", "sse")
	t.Setenv("ARTIFACT_SERVER_PORT", "9100")
	t.Setenv("ARTIFACT_SANDBOX_DRIVER", "memory")

	cfg, err := NewConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sse", cfg.API.Framing)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Sandbox.Driver)
}

func TestNewConfig_ExpandsPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ARTIFACT_TEST_DIR", "projects")

	path := writeConfig(t, `
sandbox:
  root: "~/$ARTIFACT_TEST_DIR/demo"
`)
	cfg, err := NewConfig(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "projects", "demo"), cfg.Sandbox.Root)
	assert.Equal(t, filepath.Join(home, ".artifact", "logs", "artifact.log"), cfg.Log.Output[0].Path)
}

func TestNewConfig_InvalidFile(t *testing.T) {
	_, err := NewConfig(writeConfig(t, "api: [unterminated"))
	assert.Error(t, err)

	_, err = NewConfig(writeConfig(t, "sandbox:\n  driver: vm\n"))
	assert.ErrorContains(t, err, "unknown sandbox driver")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{name: "defaults"},
		{name: "lowercase level", mutate: func(c *AppConfig) { c.Log.Level = "debug" }},
		{name: "bad level", mutate: func(c *AppConfig) { c.Log.Level = "LOUD" }, wantErr: "invalid log level"},
		{name: "bad framing", mutate: func(c *AppConfig) { c.API.Framing = "ndjson" }, wantErr: "api.framing"},
		{name: "negative retries", mutate: func(c *AppConfig) { c.API.MaxRetries = -1 }, wantErr: "max_retries"},
		{name: "local without root", mutate: func(c *AppConfig) { c.Sandbox.Root = "" }, wantErr: "sandbox.root"},
		{name: "memory without root", mutate: func(c *AppConfig) {
			c.Sandbox.Driver = "memory"
			c.Sandbox.Root = ""
		}},
		{name: "docker without image", mutate: func(c *AppConfig) {
			c.Sandbox.Driver = "docker"
			c.Sandbox.Docker.Image = ""
		}, wantErr: "docker.image"},
		{name: "negative tag length", mutate: func(c *AppConfig) { c.Protocol.MaxTagLength = -1 }, wantErr: "max_tag_length"},
		{name: "port out of range", mutate: func(c *AppConfig) { c.Server.Port = 70000 }, wantErr: "invalid server port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
