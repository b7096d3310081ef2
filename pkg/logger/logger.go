package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("logger",
	fx.Provide(NewLogger),
	fx.Provide(NewHTTPLogger),
)

// NewLogger creates the process-wide slog logger. The level is taken from
// LOG_LEVEL (debug, info, warn/warning, error; default info). In production
// (GO_ENV=production) records are emitted as JSON, otherwise as text for
// local readability.
func NewLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	case "info":
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("GO_ENV") == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// Scope returns the attribute identifying which subsystem emitted a record.
// Attach once via log.With(logger.Scope("queue.worker")).
func Scope(scope string) slog.Attr {
	return slog.Attr{Key: "scope", Value: slog.StringValue(scope)}
}

// Error returns the standard error attribute.
func Error(err error) slog.Attr {
	return slog.Attr{Key: "error", Value: slog.AnyValue(err)}
}

// HTTPLogger appends one line per request to a dedicated access-log file.
// When HTTP_LOG_FILE is unset the logger is inert.
type HTTPLogger struct {
	mu   sync.Mutex
	file *os.File
	log  *slog.Logger
}

// NewHTTPLogger opens the access-log file named by HTTP_LOG_FILE.
func NewHTTPLogger(log *slog.Logger) *HTTPLogger {
	h := &HTTPLogger{log: log.With(Scope("httplog"))}

	path := os.Getenv("HTTP_LOG_FILE")
	if path == "" {
		return h
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		h.log.Warn("cannot open http log file, access logging disabled",
			slog.String("path", path), Error(err))
		return h
	}
	h.file = f
	return h
}

// LogRequest writes a single access-log line.
func (h *HTTPLogger) LogRequest(ip, method, uri string, status int, latency time.Duration, userAgent, requestID string) {
	if h.file == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	line := fmt.Sprintf("%s %s %s %s %d %s %q %s\n",
		time.Now().UTC().Format(time.RFC3339), ip, method, uri, status, latency, userAgent, requestID)
	if _, err := h.file.WriteString(line); err != nil {
		h.log.Warn("http log write failed", Error(err))
	}
}

// Close releases the underlying file, if any.
func (h *HTTPLogger) Close() error {
	if h.file == nil {
		return nil
	}
	return h.file.Close()
}
