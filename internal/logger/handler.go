package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ColorEnabled reports whether ANSI output is appropriate for stderr.
// NO_COLOR wins over terminal detection.
var ColorEnabled = sync.OnceValue(func() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
})

// ColorTextHandler wraps slog.TextHandler to color the level prefix.
type ColorTextHandler struct {
	*slog.TextHandler
	colored bool
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, opts),
		colored:     ColorEnabled(),
	}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.colored {
		var code string
		switch r.Level {
		case slog.LevelDebug:
			code = "\033[36m" // cyan
		case slog.LevelInfo:
			code = "\033[32m" // green
		case slog.LevelWarn:
			code = "\033[33m" // yellow
		case slog.LevelError:
			code = "\033[31m" // red
		default:
			code = "\033[0m"
		}
		r.Message = code + r.Level.String() + "\033[0m  " + r.Message
	}
	return h.TextHandler.Handle(ctx, r)
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
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

// Setup builds the manager's own logger and installs it as slog's default.
func Setup(level string) *slog.Logger {
	h := NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)})
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}
