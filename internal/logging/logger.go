// Package logging builds the zerolog loggers used across stash.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const permission = 0664

// Format selects the log encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Build configures a logger. The zero value logs JSON at info level to stderr.
type Build struct {
	writer io.Writer
	path   string
	level  string
	format Format
}

// New starts a logger build.
func New() *Build {
	return &Build{}
}

// ToWriter sends output to w.
func (b *Build) ToWriter(w io.Writer) *Build {
	b.writer = w
	return b
}

// ToPath appends output to the file at path, created if missing.
func (b *Build) ToPath(path string) *Build {
	b.path = path
	return b
}

// WithLevel sets the minimum level ("debug", "info", "warn", "error").
func (b *Build) WithLevel(level string) *Build {
	b.level = level
	return b
}

// WithFormat sets the output encoding.
func (b *Build) WithFormat(format Format) *Build {
	b.format = format
	return b
}

// Logger is a built logger plus the file it owns, if any.
type Logger struct {
	zerolog.Logger
	file *os.File
}

// Close closes the log file when logging to a path.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Make builds the logger.
func (b *Build) Make() (*Logger, error) {
	out := &Logger{}

	var w io.Writer = os.Stderr
	if b.writer != nil {
		w = b.writer
	}
	if b.path != "" {
		f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out.file = f
		w = zerolog.SyncWriter(f)
	}

	switch b.format {
	case "", FormatJSON:
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	default:
		out.Close()
		return nil, fmt.Errorf("unknown log format: %s (must be 'json' or 'console')", b.format)
	}

	level := zerolog.InfoLevel
	if b.level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(b.level))
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		level = parsed
	}

	out.Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	return out, nil
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
