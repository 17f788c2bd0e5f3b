package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is built by NewConfig and handed to the components that need it.
type AppConfig struct {
	Log      LogConfig      `mapstructure:"log"`
	API      APIConfig      `mapstructure:"api"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Preview  PreviewConfig  `mapstructure:"preview"`
	Server   ServerConfig   `mapstructure:"server"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file" or "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`
	Rotate  LogRotateConfig `mapstructure:"rotate"`
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller    bool `mapstructure:"include_caller"`
	IncludeTimestamp bool `mapstructure:"include_timestamp"`
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// APIConfig describes the generation backend.
type APIConfig struct {
	StreamURL      string        `mapstructure:"stream_url"`
	TemplateURL    string        `mapstructure:"template_url"`
	APIKey         string        `mapstructure:"api_key"`
	APIKeyHeader   string        `mapstructure:"api_key_header"`
	Framing        string        `mapstructure:"framing"` // "raw" or "sse"
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	ReadBufferSize int           `mapstructure:"read_buffer_size"`
}

// SandboxConfig selects and configures the execution environment.
type SandboxConfig struct {
	Driver string       `mapstructure:"driver"` // "local", "memory" or "docker"
	Root   string       `mapstructure:"root"`
	Docker DockerConfig `mapstructure:"docker"`
}

// DockerConfig holds container sandbox settings.
type DockerConfig struct {
	Host         string            `mapstructure:"host"`
	Image        string            `mapstructure:"image"`
	WorkspaceDir string            `mapstructure:"workspace_dir"`
	Ports        []int             `mapstructure:"ports"`
	Environment  map[string]string `mapstructure:"environment"`
	MemoryMB     int64             `mapstructure:"memory_mb"`
	CPUShares    int64             `mapstructure:"cpu_shares"`
	StopTimeout  time.Duration     `mapstructure:"stop_timeout"`
}

// ProtocolConfig tunes the stream scanner.
type ProtocolConfig struct {
	MaxTagLength int `mapstructure:"max_tag_length"`
}

// PreviewConfig describes how the dev server is installed, started and restarted.
type PreviewConfig struct {
	AppDir         string `mapstructure:"app_dir"`
	InstallCommand string `mapstructure:"install_command"`
	DevCommand     string `mapstructure:"dev_command"`
	StopCommand    string `mapstructure:"stop_command"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // empty allows all
}

// NewConfig builds an AppConfig from defaults, an optional config file and
// ARTIFACT_* environment variables.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("artifact")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.artifact")
	}

	v.SetEnvPrefix("ARTIFACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// bindEnv registers the keys most often set from the environment so that
// AutomaticEnv sees them during Unmarshal even without a config file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"api.stream_url", "api.template_url", "api.api_key", "api.framing",
		"sandbox.driver", "sandbox.root", "sandbox.docker.host", "sandbox.docker.image",
		"server.host", "server.port", "log.level",
	} {
		_ = v.BindEnv(key)
	}
}

// defaultConfig returns an AppConfig with default values.
func defaultConfig() AppConfig {
	return AppConfig{
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "~/.artifact/logs/artifact.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  50,
						MaxBackups: 5,
						MaxAgeDays: 14,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: false, // the TUI owns the terminal
				},
			},
			Levels: map[string]string{
				"protocol":  "INFO",
				"sandbox":   "INFO",
				"transport": "INFO",
				"session":   "INFO",
				"api":       "INFO",
				"tui":       "WARN",
				"editor":    "WARN",
			},
			Context: LogContextConfig{
				IncludeCaller:    true,
				IncludeTimestamp: true,
			},
			Sampling: LogSamplingConfig{
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		API: APIConfig{
			StreamURL:      "http://localhost:3001/api/generate",
			TemplateURL:    "http://localhost:3001/api/template",
			APIKeyHeader:   "seiagents-api-key",
			Framing:        "raw",
			Timeout:        10 * time.Minute,
			MaxRetries:     2,
			RetryBackoff:   time.Second,
			ReadBufferSize: 4096,
		},
		Sandbox: SandboxConfig{
			Driver: "local",
			Root:   "./workspace",
			Docker: DockerConfig{
				Host:         "unix:///var/run/docker.sock",
				Image:        "node:20-bookworm",
				WorkspaceDir: "/workspace",
				Ports:        []int{5173},
				MemoryMB:     2048,
				CPUShares:    1024,
				StopTimeout:  10 * time.Second,
			},
		},
		Protocol: ProtocolConfig{
			MaxTagLength: 4096,
		},
		Preview: PreviewConfig{
			AppDir:         "/app",
			InstallCommand: "npm install",
			DevCommand:     "npm run dev",
			StopCommand:    "pkill -f vite",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	c.Sandbox.Root = expandPath(c.Sandbox.Root)
	c.Sandbox.Docker.Host = expandPath(c.Sandbox.Docker.Host)
	for i := range c.Log.Output {
		c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}
	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	switch c.API.Framing {
	case "raw", "sse":
	default:
		return fmt.Errorf("api.framing must be 'raw' or 'sse', got: %s", c.API.Framing)
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must not be negative")
	}

	switch c.Sandbox.Driver {
	case "local":
		if c.Sandbox.Root == "" {
			return errors.New("sandbox.root is required for the local driver")
		}
	case "memory":
	case "docker":
		if c.Sandbox.Docker.Image == "" {
			return errors.New("sandbox.docker.image is required for the docker driver")
		}
	default:
		return fmt.Errorf("unknown sandbox driver: %s", c.Sandbox.Driver)
	}

	if c.Protocol.MaxTagLength < 0 {
		return fmt.Errorf("invalid protocol.max_tag_length: %d", c.Protocol.MaxTagLength)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *AppConfig {
	cfg := defaultConfig()
	cfg.expandPaths()
	return &cfg
}
