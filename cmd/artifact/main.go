package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/sokinpui/artifact/artifact"
	"github.com/sokinpui/artifact/cli"
	"github.com/sokinpui/artifact/internal/config"
	"github.com/sokinpui/artifact/internal/logger"
	"github.com/sokinpui/artifact/internal/render"
	"github.com/sokinpui/artifact/internal/tui"
	"github.com/sokinpui/artifact/internal/ui"
	"github.com/sokinpui/artifact/model"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := cli.ParseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	appCfg, err := config.NewConfig(cfg.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if err := logger.Initialize(&appCfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		return 1
	}
	defer logger.CloseGlobal()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := artifact.New(ctx, cfg, appCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		return 1
	}
	defer app.Close()

	// Modes that print to stdout or run until interrupted skip the TUI.
	if cfg.OutputActions || cfg.Serve || cfg.NoAnimation {
		return runHeadless(ctx, app, cfg)
	}
	return runTUI(ctx, app)
}

func runHeadless(ctx context.Context, app *artifact.App, cfg *cli.Config) int {
	var bar *ui.ProgressBar
	if cfg.NoAnimation && !cfg.OutputActions && !cfg.Serve {
		bar = ui.NewProgressBar(0, "Applying")
		app.SetProgressCallback(bar.Set)
	}

	summary, err := app.Execute(ctx)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return reportError(err, summary)
	}
	if !cfg.OutputActions && !cfg.Serve {
		ui.PrintSummary(summary)
	}
	return exitCode(summary)
}

func runTUI(ctx context.Context, app *artifact.App) int {
	// Stdin must be drained before bubbletea takes over the terminal.
	if err := app.Load(); err != nil {
		return reportError(err, model.Summary{})
	}

	events, unsubscribe := app.Session().Subscribe()
	defer unsubscribe()

	m := tui.New(func() (model.Summary, error) { return app.Execute(ctx) }, events, render.NewTerminal(""))
	final, err := tea.NewProgram(m, tea.WithContext(ctx)).Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		return 1
	}

	fm, ok := final.(tui.Model)
	if !ok {
		return 1
	}
	if fm.Err() != nil {
		var de *artifact.DetailedError
		if errors.As(fm.Err(), &de) {
			fmt.Fprintf(os.Stderr, "\n--- Stack Trace ---\n%s\n", de.Stack)
		}
		return 1
	}
	return exitCode(fm.Summary())
}

func reportError(err error, summary model.Summary) int {
	if summary.Message != "" {
		ui.Warning("%s", summary.Message)
	}
	ui.Error("Error: %v", err)
	var de *artifact.DetailedError
	if errors.As(err, &de) {
		fmt.Fprintf(os.Stderr, "\n--- Stack Trace ---\n%s\n", de.Stack)
	}
	return 1
}

// exitCode is non-zero when any action failed.
func exitCode(s model.Summary) int {
	if len(s.Failed) > 0 {
		return 3
	}
	return 0
}
