// Package logging builds the process zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const permission = 0o664

type Build struct {
	writer io.Writer
	path   string
	level  string
	format string
}

type Log struct {
	Logger zerolog.Logger
	file   *os.File
}

func New() *Build {
	return &Build{}
}

func (b *Build) FromPath(path string) *Build {
	b.path = strings.TrimSpace(path)
	return b
}

func (b *Build) FromWriter(w io.Writer) *Build {
	b.writer = w
	return b
}

func (b *Build) Level(level string) *Build {
	b.level = level
	return b
}

// Format selects "json" (default) or "console" output.
func (b *Build) Format(format string) *Build {
	b.format = format
	return b
}

func (b *Build) Make() (*Log, error) {
	out := &Log{}
	var w io.Writer = os.Stdout
	if b.writer != nil {
		w = b.writer
	}
	if b.path != "" {
		f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		out.file = f
		w = zerolog.SyncWriter(f)
	}
	if strings.EqualFold(strings.TrimSpace(b.format), "console") {
		w = zerolog.ConsoleWriter{Out: w, NoColor: b.path != ""}
	}
	level := zerolog.InfoLevel
	if strings.TrimSpace(b.level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(b.level)))
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		level = parsed
	}
	out.Logger = zerolog.New(w).Level(level).With().Timestamp().Str("service", "canvasrelay").Logger()
	return out, nil
}

func (l *Log) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
