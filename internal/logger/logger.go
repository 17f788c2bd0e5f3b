// Package logger builds the zerolog loggers every package writes to. One
// Manager owns the sinks; packages ask it for a named child logger whose level
// comes from log.levels.
package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sokinpui/artifact/internal/config"
)

// Manager hands out per-package loggers that share one set of sinks.
type Manager struct {
	cfg     config.LogConfig
	root    zerolog.Logger
	named   sync.Map // package name -> zerolog.Logger
	closers []io.Closer
}

// NewManager opens the enabled outputs of cfg.
func NewManager(cfg *config.LogConfig) (*Manager, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	m := &Manager{cfg: *cfg}
	sinks := make([]io.Writer, 0, len(cfg.Output))
	for _, out := range cfg.Output {
		if !out.Enabled {
			continue
		}
		w, err := m.openSink(out)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("failed to open %s log output: %w", out.Type, err)
		}
		sinks = append(sinks, w)
	}

	var w io.Writer = io.Discard
	if len(sinks) == 1 {
		w = sinks[0]
	} else if len(sinks) > 1 {
		w = zerolog.MultiLevelWriter(sinks...)
	}
	m.root = m.decorate(zerolog.New(w).Level(ParseLevel(cfg.Level)))
	return m, nil
}

// openSink returns the writer for one output, formatted per cfg.Format.
func (m *Manager) openSink(out config.LogOutputConfig) (io.Writer, error) {
	pretty := m.cfg.Format == "console"

	switch out.Type {
	case "console":
		if !pretty {
			return os.Stderr, nil
		}
		return prettyWriter(os.Stderr, "15:04:05.000", true), nil

	case "file":
		if out.Path == "" {
			return nil, errors.New("file output needs a path")
		}
		if err := os.MkdirAll(filepath.Dir(out.Path), 0755); err != nil {
			return nil, err
		}
		f, err := openFile(out)
		if err != nil {
			return nil, err
		}
		m.closers = append(m.closers, f)
		if !pretty {
			return f, nil
		}
		return prettyWriter(f, "2006-01-02 15:04:05.000", false), nil
	}
	return nil, fmt.Errorf("unsupported output type %q", out.Type)
}

// openFile rotates through lumberjack when a size limit is set.
func openFile(out config.LogOutputConfig) (io.WriteCloser, error) {
	if r := out.Rotate; r.MaxSizeMB > 0 {
		return &lumberjack.Logger{
			Filename:   out.Path,
			MaxSize:    r.MaxSizeMB,
			MaxBackups: r.MaxBackups,
			MaxAge:     r.MaxAgeDays,
			Compress:   r.Compress,
		}, nil
	}
	return os.OpenFile(out.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func prettyWriter(w io.Writer, timeFormat string, color bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		NoColor:    !color,
		FormatLevel: func(v any) string {
			return fmt.Sprintf("%-5s", strings.ToUpper(fmt.Sprint(v)))
		},
	}
}

// decorate adds the configured context fields and sampling.
func (m *Manager) decorate(l zerolog.Logger) zerolog.Logger {
	ctx := l.With()
	if m.cfg.Context.IncludeTimestamp {
		ctx = ctx.Timestamp()
	}
	if m.cfg.Context.IncludeCaller {
		ctx = ctx.Caller()
	}
	l = ctx.Logger()

	if s := m.cfg.Sampling; s.Enabled {
		l = l.Sample(&zerolog.BurstSampler{
			Burst:       s.Initial,
			Period:      s.Tick,
			NextSampler: &zerolog.BasicSampler{N: s.Thereafter},
		})
	}
	return l
}

// GetLogger returns the logger for pkg, tagged with a "pkg" field.
func (m *Manager) GetLogger(pkg string) zerolog.Logger {
	if l, ok := m.named.Load(pkg); ok {
		return l.(zerolog.Logger)
	}

	level := ParseLevel(m.cfg.Level)
	if lvl, ok := m.cfg.Levels[pkg]; ok {
		level = ParseLevel(lvl)
	}
	l, _ := m.named.LoadOrStore(pkg, m.root.With().Str("pkg", pkg).Logger().Level(level))
	return l.(zerolog.Logger)
}

// Close closes the file outputs.
func (m *Manager) Close() error {
	var errs []error
	for _, c := range m.closers {
		errs = append(errs, c.Close())
	}
	m.closers = nil
	return errors.Join(errs...)
}

// ParseLevel maps a config level name to a zerolog level. Unknown names
// fall back to info.
func ParseLevel(name string) zerolog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

var (
	global     *Manager
	globalOnce sync.Once
)

// Initialize sets up the process-wide manager. Only the first call has effect.
func Initialize(cfg *config.LogConfig) error {
	var err error
	globalOnce.Do(func() {
		global, err = NewManager(cfg)
	})
	return err
}

// GetLogger returns a logger for pkg from the process-wide manager. Before
// Initialize everything is discarded.
func GetLogger(pkg string) zerolog.Logger {
	if global == nil {
		return zerolog.Nop()
	}
	return global.GetLogger(pkg)
}

// CloseGlobal closes the process-wide manager's outputs.
func CloseGlobal() error {
	if global == nil {
		return nil
	}
	return global.Close()
}
