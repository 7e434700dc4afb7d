// Package applog provides the structured logger shared by every component
// of the orchestrator. It wraps logiface over a log/slog handler so every
// component logs leveled, field-based events instead of fmt.Printf.
package applog

import (
	"io"
	"log/slog"
	"os"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"
)

// Logger is a component-scoped structured logger.
type Logger = *logiface.Logger[*islog.Event]

// Builder is a single in-flight log event.
type Builder = *logiface.Builder[*islog.Event]

var root Logger

func init() {
	root = newRoot(os.Stderr, slog.LevelInfo)
}

func newRoot(w io.Writer, level slog.Level) Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return islog.L.New(
		islog.L.WithSlogHandler(handler),
		logiface.WithLevel[*islog.Event](logiface.LevelDebug),
	)
}

// Configure replaces the root logger's output and minimum level. Intended
// to be called once, early in main(), before any component logger is taken.
func Configure(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	root = newRoot(w, level)
}

// For returns a logger scoped to a component, e.g. applog.For("scheduler").
func For(component string) Logger {
	return root.Clone().Str("component", component).Logger()
}

// WithPlan returns a logger further scoped to a plan id.
func WithPlan(l Logger, planID string) Logger {
	return l.Clone().Str("plan_id", planID).Logger()
}
