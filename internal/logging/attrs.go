package logging

import (
	"io"
	"log/slog"
)

// Attribute keys shared across packages.
const (
	KeySessionID = "sessionId"
	KeyPID       = "pid"
	KeyTransport = "transport"
)

// ForSession returns a logger tagged with a session id and transport.
func ForSession(base *slog.Logger, sessionID, transport string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	attrs := make([]any, 0, 4)
	if sessionID != "" {
		attrs = append(attrs, KeySessionID, sessionID)
	}
	if transport != "" {
		attrs = append(attrs, KeyTransport, transport)
	}
	return base.With(attrs...)
}

// ForProcess returns a logger tagged with a gateway's session and pid.
func ForProcess(base *slog.Logger, sessionID string, pid int) *slog.Logger {
	return ForSession(base, sessionID, "").With(KeyPID, pid)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
