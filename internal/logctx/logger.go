package logctx

import (
	"io"
	"log/slog"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures NewLogger.
type Options struct {
	Level slog.Leveler

	// Console receives human-readable lines. Typically the progress hub writer, so log
	// output does not tear the progress display.
	Console io.Writer

	// File, when set, receives JSON records through a rotating writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// NewLogger fans records out to a text console handler and an optional rotating JSON file.
// The returned closer flushes and closes the file.
func NewLogger(opts Options) (*slog.Logger, io.Closer) {
	hopts := &slog.HandlerOptions{Level: opts.Level}

	handlers := []slog.Handler{slog.NewTextHandler(opts.Console, hopts)}

	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}

		handlers = append(handlers, slog.NewJSONHandler(rotating, hopts))
		closer = rotating
	}

	return slog.New(NewContextHandler(slogmulti.Fanout(handlers...))), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
