package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects where log output goes
type Config struct {
	// File is the rotated log file; empty disables file output
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Stderr tees the output to stderr
	Stderr bool
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the process logger. Output goes to the rotated file, to any
// extra writers, and to stderr when asked or when nothing else would receive
// it. The returned closer releases the log file.
func New(cfg Config, extra ...io.Writer) (*log.Logger, io.Closer) {
	var (
		writers []io.Writer
		closer  io.Closer = nopCloser{}
	)

	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, rotating)
		closer = rotating
	}
	for _, w := range extra {
		if w != nil {
			writers = append(writers, w)
		}
	}
	if cfg.Stderr || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	out := writers[0]
	if len(writers) > 1 {
		out = io.MultiWriter(writers...)
	}
	return log.New(out, "", log.LstdFlags|log.Lmicroseconds), closer
}
