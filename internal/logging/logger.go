package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger provides structured logging with redaction support
type Logger struct {
	zl    zerolog.Logger
	debug bool
}

// stderr resolves os.Stderr on every write so redirected output is honoured.
type stderr struct{}

func (stderr) Write(p []byte) (int, error) {
	return os.Stderr.Write(p)
}

// New creates a new logger instance writing human-readable lines to stderr
func New(debug, noColor bool) *Logger {
	out := zerolog.ConsoleWriter{
		Out:        stderr{},
		NoColor:    noColor,
		TimeFormat: time.RFC3339,
	}
	return newLogger(zerolog.New(out).With().Timestamp().Logger(), debug)
}

// NewWithWriter creates a logger that emits JSON lines to w
func NewWithWriter(w io.Writer, debug bool) *Logger {
	return newLogger(zerolog.New(w).With().Timestamp().Logger(), debug)
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return newLogger(zerolog.Nop(), false)
}

func newLogger(zl zerolog.Logger, debug bool) *Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return &Logger{zl: zl.Level(level), debug: debug}
}

// With returns a child logger carrying an extra context field
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{
		zl:    l.zl.With().Interface(key, value).Logger(),
		debug: l.debug,
	}
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

// Debug logs a debug message if debug mode is enabled
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.zl.Debug().Msgf(format, args...)
}

// Secret represents a value that should be redacted in logs
type Secret string

// String implements the Stringer interface, always returning a redacted value
func (s Secret) String() string {
	return "[REDACTED]"
}

// GoString implements the GoStringer interface for %#v formatting
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// MarshalText keeps the value redacted when a Secret is attached as a field
func (s Secret) MarshalText() ([]byte, error) {
	return []byte("[REDACTED]"), nil
}

// Redact replaces sensitive values in a string with [REDACTED]
func Redact(s string, secrets []string) string {
	result := s
	for _, secret := range secrets {
		if secret != "" && len(secret) > 3 { // Only redact non-trivial secrets
			result = strings.ReplaceAll(result, secret, "[REDACTED]")
		}
	}
	return result
}

// Token returns a short, non-reversible label for a token suitable for logs
func Token(token string) string {
	if len(token) <= 8 {
		return Secret(token).String()
	}
	return fmt.Sprintf("%s...[REDACTED]", token[:4])
}
