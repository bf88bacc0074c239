package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

var (
	global   *Logger
	globalMu sync.RWMutex

	// zerolog keeps its time format in package state
	timeFormatOnce sync.Once
)

// Logger wraps zerolog and owns the writers it opened.
type Logger struct {
	*zerolog.Logger
	fields  Fields
	closers []io.Closer
	mu      sync.Mutex
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `yaml:"level"`

	// Format is the console format (json, console)
	Format string `yaml:"format"`

	// Output is the console target (stdout, stderr, none)
	Output string `yaml:"output"`

	// NoColor disables color in console format
	NoColor bool `yaml:"no_color"`

	// File enables rotating file output
	File FileConfig `yaml:"file"`

	// AsyncWrite routes every write through a diode ring buffer
	AsyncWrite bool `yaml:"async_write"`

	// BufferSize is the diode capacity in messages
	BufferSize int `yaml:"buffer_size"`

	// Fields are attached to every entry
	Fields Fields `yaml:"fields"`

	// Writer overrides Output when set
	Writer io.Writer `yaml:"-"`
}

// FileConfig for file output
type FileConfig struct {
	Enable     bool   `yaml:"enable"`
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxAge     int    `yaml:"max_age"`  // days
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "console",
		Output: "stderr",
		File: FileConfig{
			Path:       "chordring.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		BufferSize: 10000,
	}
}

// New builds a logger from config. A nil config means DefaultConfig.
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var (
		writers []io.Writer
		closers []io.Closer
	)

	console := config.Writer
	if console == nil {
		switch config.Output {
		case "", "stderr":
			console = os.Stderr
		case "stdout":
			console = os.Stdout
		case "none":
		default:
			return nil, fmt.Errorf("unsupported log output %q", config.Output)
		}
	}
	if console != nil {
		switch config.Format {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        console,
				TimeFormat: "15:04:05.000",
				NoColor:    config.NoColor,
			})
		case "", "json":
			writers = append(writers, console)
		default:
			return nil, fmt.Errorf("unsupported log format %q", config.Format)
		}
	}

	if config.File.Enable {
		if config.File.Path == "" {
			return nil, fmt.Errorf("file output enabled without a path")
		}
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			Compress:   config.File.Compress,
		}
		writers = append(writers, file)
		closers = append(closers, file)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		size := config.BufferSize
		if size <= 0 {
			size = 10000
		}
		// hide Close from the diode so it never closes stdout/stderr
		dw := diode.NewWriter(struct{ io.Writer }{writer}, size, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})
		writer = dw
		closers = append([]io.Closer{dw}, closers...)
	}

	timeFormatOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
	})

	zctx := zerolog.New(writer).Level(level).With().Timestamp()
	fields := make(Fields, len(config.Fields))
	for k, v := range config.Fields {
		zctx = zctx.Interface(k, v)
		fields[k] = v
	}
	zl := zctx.Logger()

	return &Logger{
		Logger:  &zl,
		fields:  fields,
		closers: closers,
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{Logger: &zl, fields: Fields{}}
}

// SetGlobal sets the process-wide logger
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = l
}

// Get returns the process-wide logger, or a no-op logger when none is set.
func Get() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global == nil {
		return Nop()
	}
	return global
}

// WithFields creates a child logger carrying the parent's fields plus fields.
// The child shares the parent's writers; only the root should be closed.
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}

	zctx := l.Logger.With()
	for k, v := range fields {
		merged[k] = v
		zctx = zctx.Interface(k, v)
	}

	zl := zctx.Logger()
	return &Logger{Logger: &zl, fields: merged}
}

// Component is shorthand for WithFields(Fields{"component": name}).
func (l *Logger) Component(name string) *Logger {
	return l.WithFields(Fields{"component": name})
}

// WithError creates a child logger with error details added
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

// Fields returns a copy of the fields attached to this logger.
func (l *Logger) Fields() Fields {
	out := make(Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// Close flushes the async buffer and closes any log files.
func (l *Logger) Close() error {
	l.mu.Lock()
	closers := l.closers
	l.closers = nil
	l.mu.Unlock()

	var first error
	for _, c := range closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
