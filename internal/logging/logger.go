package logging

import (
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Options controls how the process logger is built
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

var (
	mu            sync.RWMutex
	defaultLogger hclog.Logger
)

// New builds an hclog logger named after the binary
func New(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "dstream-snapshot",
		Level:      level,
		Output:     out,
		JSONFormat: opts.JSON,
	})
}

// SetLogger sets the process-wide logger
func SetLogger(logger hclog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// GetLogger returns the process-wide logger
func GetLogger() hclog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(Options{})
	}
	return defaultLogger
}
