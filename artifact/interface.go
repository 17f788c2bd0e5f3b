package artifact

import (
	"context"
	"fmt"

	"github.com/sokinpui/artifact/cli"
	"github.com/sokinpui/artifact/internal/config"
)

// Config for using artifact as a library.
type Config struct {
	// Root is the directory files are written to. Empty applies in memory.
	Root string
	// MaxTagLength bounds a single tag; zero uses the default.
	MaxTagLength int
}

// Apply decodes content and applies its actions. It returns a summary of
// the operations in a map.
func Apply(content string, config Config) (map[string][]string, error) {
	cliCfg := &cli.Config{Root: config.Root, Sandbox: "local"}
	if config.Root == "" {
		cliCfg.Sandbox = "memory"
	}
	appCfg := defaultLibraryConfig(config)

	ctx := context.Background()
	app, err := New(ctx, cliCfg, appCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact app: %w", err)
	}
	defer app.Close()

	summary, err := app.Apply(ctx, app.Parse(content).Actions)
	if err != nil {
		return nil, err
	}

	result := map[string][]string{
		"Created":  summary.Created,
		"Modified": summary.Modified,
		"Deleted":  summary.Deleted,
		"Commands": summary.Commands,
		"Failed":   summary.Failed,
	}
	return result, nil
}

func defaultLibraryConfig(c Config) *config.AppConfig {
	appCfg := config.Default()
	if c.MaxTagLength > 0 {
		appCfg.Protocol.MaxTagLength = c.MaxTagLength
	}
	return appCfg
}
