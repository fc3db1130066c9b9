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

// Supported formats
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

var (
	// zerolog keeps these as package globals; set them once to avoid races
	// when several nodes share a process (tests, local clusters).
	timeFormatOnce sync.Once
	callerSkipOnce sync.Once
)

// Logger wraps zerolog with child-logger helpers.
type Logger struct {
	*zerolog.Logger
	config *Config
	fields Fields
	closer io.Closer
	mu     sync.RWMutex
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `json:"level" yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console)
	Format string `json:"format" yaml:"format" mapstructure:"format"`

	// TimestampFormat for logs
	TimestampFormat string `json:"timestamp_format" yaml:"timestamp_format" mapstructure:"timestamp_format"`

	Console ConsoleConfig `json:"console" yaml:"console" mapstructure:"console"`
	File    FileConfig    `json:"file" yaml:"file" mapstructure:"file"`

	// Fields are default fields added to all logs
	Fields Fields `json:"fields" yaml:"fields" mapstructure:"fields"`

	CallerSkipFrameCount int  `json:"caller_skip_frame_count" yaml:"caller_skip_frame_count" mapstructure:"caller_skip_frame_count"`
	EnableCaller         bool `json:"enable_caller" yaml:"enable_caller" mapstructure:"enable_caller"`

	// AsyncWrite uses a diode writer so logging never blocks ring maintenance
	AsyncWrite bool `json:"async_write" yaml:"async_write" mapstructure:"async_write"`
	BufferSize int  `json:"buffer_size" yaml:"buffer_size" mapstructure:"buffer_size"`

	// Writer overrides console and file output when set. Used by tests.
	Writer io.Writer `json:"-" yaml:"-" mapstructure:"-"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable     bool   `json:"enable" yaml:"enable" mapstructure:"enable"`
	NoColor    bool   `json:"no_color" yaml:"no_color" mapstructure:"no_color"`
	TimeFormat string `json:"time_format" yaml:"time_format" mapstructure:"time_format"`
	Output     string `json:"output" yaml:"output" mapstructure:"output"` // stdout, stderr
}

// FileConfig for rotated file output
type FileConfig struct {
	Enable     bool   `json:"enable" yaml:"enable" mapstructure:"enable"`
	Path       string `json:"path" yaml:"path" mapstructure:"path"`
	MaxSize    int    `json:"max_size" yaml:"max_size" mapstructure:"max_size"` // megabytes
	MaxAge     int    `json:"max_age" yaml:"max_age" mapstructure:"max_age"`    // days
	MaxBackups int    `json:"max_backups" yaml:"max_backups" mapstructure:"max_backups"`
	LocalTime  bool   `json:"local_time" yaml:"local_time" mapstructure:"local_time"`
	Compress   bool   `json:"compress" yaml:"compress" mapstructure:"compress"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          LogFormatJSON,
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			TimeFormat: "15:04:05.000",
			Output:     "stdout",
		},
		File: FileConfig{
			Path:       "chordring.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			LocalTime:  true,
			Compress:   true,
		},
		Fields:               make(Fields),
		CallerSkipFrameCount: 2,
		BufferSize:           10000,
	}
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}

	var (
		writers []io.Writer
		closer  io.Closer
	)

	switch {
	case config.Writer != nil:
		writers = append(writers, formatWriter(config, config.Writer))
	default:
		if config.Console.Enable {
			out := io.Writer(os.Stdout)
			if config.Console.Output == "stderr" {
				out = os.Stderr
			}
			writers = append(writers, formatWriter(config, out))
		}

		if config.File.Enable {
			if config.File.Path == "" {
				return nil, fmt.Errorf("log file path cannot be empty")
			}
			if err := os.MkdirAll(filepath.Dir(config.File.Path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
			fileWriter := &lumberjack.Logger{
				Filename:   config.File.Path,
				MaxSize:    config.File.MaxSize,
				MaxAge:     config.File.MaxAge,
				MaxBackups: config.File.MaxBackups,
				LocalTime:  config.File.LocalTime,
				Compress:   config.File.Compress,
			}
			writers = append(writers, fileWriter)
			closer = fileWriter
		}
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
		dw := diode.NewWriter(writer, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "Logger dropped %d messages\n", missed)
		})
		writer = dw
		closer = dw
	}

	if config.EnableCaller {
		callerSkipOnce.Do(func() {
			zerolog.CallerSkipFrameCount = config.CallerSkipFrameCount
		})
	}
	if config.TimestampFormat != "" {
		timeFormatOnce.Do(func() {
			zerolog.TimeFieldFormat = config.TimestampFormat
		})
	}

	ctx := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		ctx = ctx.Caller()
	}
	for k, v := range config.Fields {
		ctx = ctx.Interface(k, v)
	}
	zl := ctx.Logger()

	return &Logger{
		Logger: &zl,
		config: config,
		fields: copyFields(config.Fields),
		closer: closer,
	}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	zl := zerolog.Nop()
	return &Logger{
		Logger: &zl,
		config: DefaultConfig(),
		fields: make(Fields),
	}
}

func formatWriter(config *Config, out io.Writer) io.Writer {
	if config.Format != LogFormatConsole {
		return out
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: config.Console.TimeFormat,
		NoColor:    config.Console.NoColor,
	}
}

// WithFields creates a child logger with additional fields
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.RLock()
	merged := copyFields(l.fields)
	base := l.Logger
	l.mu.RUnlock()

	ctx := base.With()
	for k, v := range fields {
		merged[k] = v
		ctx = ctx.Interface(k, v)
	}

	zl := ctx.Logger()
	return &Logger{
		Logger: &zl,
		config: l.config,
		fields: merged,
	}
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return l.WithFields(Fields{"component": name})
}

// Fields returns a copy of the persistent fields of this logger.
func (l *Logger) Fields() Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyFields(l.fields)
}

// UpdateLevel updates the log level dynamically
func (l *Logger) UpdateLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	zl := l.Logger.Level(lvl)
	l.Logger = &zl
	return nil
}

// Close flushes async output and closes the rotated log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

func copyFields(src Fields) Fields {
	dst := make(Fields, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
