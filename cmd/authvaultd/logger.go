package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

var logFormats = []string{"json", "text"}

type requestContextKey string

const (
	requestKeyRemoteIP  requestContextKey = "remote_ip"
	requestKeyRequestID requestContextKey = "request_id"
)

func newLogger(level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "", "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("log level is not one of debug, info, warn, error: %s", level)
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	default:
		return nil, fmt.Errorf("log format is not one of the supported values (%s): %s", strings.Join(logFormats, ", "), format)
	}

	return slog.New(newRequestContextHandler(handler)), nil
}

var _ slog.Handler = requestContextHandler{}

// requestContextHandler adds the remote IP and request id to a log record
// when the context passed to Handle carries them under requestKeyRemoteIP and
// requestKeyRequestID. Nothing in this program stores those keys in a
// context, so records pass through without them.
type requestContextHandler struct {
	handler slog.Handler
}

func newRequestContextHandler(handler slog.Handler) slog.Handler {
	return requestContextHandler{handler: handler}
}

func (h requestContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h requestContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if v, ok := ctx.Value(requestKeyRemoteIP).(string); ok {
		record.AddAttrs(slog.String(string(requestKeyRemoteIP), v))
	}
	if v, ok := ctx.Value(requestKeyRequestID).(string); ok {
		record.AddAttrs(slog.String(string(requestKeyRequestID), v))
	}
	return h.handler.Handle(ctx, record)
}

func (h requestContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return requestContextHandler{h.handler.WithAttrs(attrs)}
}

func (h requestContextHandler) WithGroup(name string) slog.Handler {
	return requestContextHandler{h.handler.WithGroup(name)}
}
