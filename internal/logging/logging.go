// Package logging hands out the engine's structured loggers: one root
// slog.Logger, and a named sub-logger per subsystem obtained through
// With, mirroring how the teacher repo's vendored log package attaches a
// "pkg"/"module" attribute to every line rather than formatting it into
// the message string.
package logging

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu   sync.Mutex
	root = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

// SetHandler replaces the handler backing every logger subsequently
// obtained through Root or With. Tests and embedding callers use this to
// redirect output or raise the level; it does not affect loggers already
// handed out.
func SetHandler(h slog.Handler) {
	mu.Lock()
	defer mu.Unlock()
	root = slog.New(h)
}

// Root returns the engine's top-level logger.
func Root() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root
}

// With returns a logger scoped to component, attached as a "component"
// attribute on every record it emits.
func With(component string) *slog.Logger {
	return Root().With("component", component)
}
