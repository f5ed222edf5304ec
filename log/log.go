// Package log owns the process-wide diagnostic logger.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	root     zerolog.Logger
	diagFile *os.File
	logMu    sync.Mutex
	logReady bool
)

// Init configures the logger. When dir is non-empty, diagnostics append to
// diagnostics_log.txt inside it; otherwise they go to stderr.
func Init(dir string, level zerolog.Level) error {
	logMu.Lock()
	defer logMu.Unlock()

	var out io.Writer = os.Stderr
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "diagnostics_log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		diagFile = f
		out = f
	}

	cw := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    dir != "",
	}
	root = zerolog.New(cw).Level(level).With().
		Timestamp().
		Int("pid", os.Getpid()).
		Logger()

	logReady = true
	return nil
}

// Component returns a logger tagged with a component name. Safe to call
// before Init; events are dropped until the logger is configured.
func Component(name string) zerolog.Logger {
	logMu.Lock()
	defer logMu.Unlock()
	if !logReady {
		return zerolog.Nop()
	}
	return root.With().Str("component", name).Logger()
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if ready() {
		root.Info().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if ready() {
		root.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func Errorf(format string, args ...any) {
	if ready() {
		root.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func ready() bool {
	logMu.Lock()
	defer logMu.Unlock()
	return logReady
}

// SessionStart records one line at interactive session startup.
func SessionStart(wsURL, voice, format string) {
	if !ready() {
		return
	}
	root.Info().
		Str("ws_url", wsURL).
		Str("voice", voice).
		Str("format", format).
		Time("at", time.Now()).
		Msg("session_start")
}
