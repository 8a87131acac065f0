// Package logging builds the bridge's slog loggers.
//
// Loggers built here never write to stdout; they default to stderr.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level is shared by every logger built with New, so changing it adjusts
// verbosity at runtime.
var Level slog.LevelVar

// Redacted replaces the value of any attribute whose key names a credential.
const Redacted = "[redacted]"

var secretKeys = map[string]bool{
	"token":         true,
	"usertoken":     true,
	"authorization": true,
	"secret":        true,
}

// Options selects the handler built by New.
type Options struct {
	// Level is debug, info, warn or error. Anything else means info.
	Level string
	// Format is json or text. Anything else means json.
	Format string
	// Output defaults to stderr. Stdout is replaced by stderr.
	Output io.Writer
}

// FromEnv reads LOG_LEVEL and LOG_FORMAT.
func FromEnv() Options {
	return Options{Level: os.Getenv("LOG_LEVEL"), Format: os.Getenv("LOG_FORMAT")}
}

// New builds a logger for opts and sets Level from opts.Level.
func New(opts Options) *slog.Logger {
	Level.Set(ParseLevel(opts.Level))

	out := opts.Output
	if out == nil || out == io.Writer(os.Stdout) {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: &Level, ReplaceAttr: redact}
	if strings.EqualFold(strings.TrimSpace(opts.Format), "text") {
		return slog.New(slog.NewTextHandler(out, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(out, handlerOpts))
}

// Install makes logger the slog default and routes the stdlib log package
// through it.
func Install(logger *slog.Logger) {
	slog.SetDefault(logger)
	log.SetOutput(stdlibWriter{logger: logger})
	log.SetFlags(0)
}

// Setup installs a logger configured from the environment and returns it.
func Setup() *slog.Logger {
	logger := New(FromEnv())
	Install(logger)
	return logger
}

// ParseLevel converts a level name to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// stdlibWriter forwards stdlib log lines, which some libraries still use.
type stdlibWriter struct {
	logger *slog.Logger
}

func (w stdlibWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"), "source", "stdlib")
	return len(p), nil
}
