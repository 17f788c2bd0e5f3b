package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// Config holds all the command-line flag values.
type Config struct {
	ConfigPath    string
	Prompt        string
	Root          string
	Sandbox       string
	OutputActions bool
	Serve         bool
	Template      bool
	Nvim          bool
	NoAnimation   bool
	ChunkSize     int
}

// ParseFlags defines and parses command-line flags. Flags left unset keep
// the values from the config file.
func ParseFlags(args []string, usageOut io.Writer) (*Config, error) {
	cfg := &Config{}
	fs := pflag.NewFlagSet("artifact", pflag.ContinueOnError)
	fs.SetOutput(usageOut)

	fs.StringVarP(&cfg.ConfigPath, "config", "c", "", "Path to a config file (default: ./artifact.yaml, ./config/, ~/.artifact/).")
	fs.StringVarP(&cfg.Prompt, "prompt", "p", "", "Send this prompt to the generation API instead of replaying stdin or the clipboard.")
	fs.StringVarP(&cfg.Root, "root", "R", "", "Directory the local sandbox writes into.")
	fs.StringVarP(&cfg.Sandbox, "sandbox", "s", "", "Sandbox driver: local, memory or docker.")
	fs.BoolVarP(&cfg.OutputActions, "output-actions", "t", false, "Print the decoded actions as YAML without applying them.")
	fs.BoolVar(&cfg.Serve, "serve", false, "Serve the HTTP/WebSocket API instead of handling one message.")
	fs.BoolVar(&cfg.Template, "template", false, "Fetch and mount the project template, then start the preview.")
	fs.BoolVar(&cfg.Nvim, "nvim", false, "Reload changed files in the Neovim at $NVIM_LISTEN_ADDRESS.")
	fs.BoolVar(&cfg.NoAnimation, "no-animation", false, "Disable the interactive view and print plain progress.")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", 0, "Fragment size in bytes when replaying a recorded response.")

	fs.Usage = func() {
		fmt.Fprintln(usageOut, "Usage: artifact [flags]")
		fmt.Fprintln(usageOut, "\nStream a reply, apply its <Artifact> actions to a sandbox, and show the result.")
		fmt.Fprintln(usageOut, "\nExamples:")
		fmt.Fprintln(usageOut, "  pbpaste | artifact -R ./site")
		fmt.Fprintln(usageOut, "  artifact --template -p 'add a counter button'")
		fmt.Fprintln(usageOut, "  artifact --serve -s docker")
		fmt.Fprintln(usageOut, "\nFlags:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Serve && cfg.OutputActions {
		return nil, errors.New("--serve and --output-actions are mutually exclusive")
	}
	if cfg.Serve && cfg.Prompt != "" {
		return nil, errors.New("--prompt cannot be used with --serve; post messages to the API instead")
	}
	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("--chunk-size must not be negative, got %d", cfg.ChunkSize)
	}
	switch cfg.Sandbox {
	case "", "local", "memory", "docker":
	default:
		return nil, fmt.Errorf("unknown sandbox %q", cfg.Sandbox)
	}
	return cfg, nil
}
