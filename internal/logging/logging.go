// Package logging builds the zerolog.Logger meshrtrd runs with, and a
// reopen hook for the log file so SIGHUP picks up a rotated file without a
// restart, the same way the teacher's atlas server does.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meshrtr/meshrtr/pkg/meshconfig"
)

// zerologWriterLevel is a zerolog.LevelWriter over a swappable underlying
// writer, so the log file descriptor can be replaced under the writer's
// lock without racing in-flight log calls.
type zerologWriterLevel struct {
	w io.Writer
	l zerolog.Level
	m sync.Mutex
}

var _ zerolog.LevelWriter = (*zerologWriterLevel)(nil)

func newZerologWriterLevel(w io.Writer, l zerolog.Level) *zerologWriterLevel {
	return &zerologWriterLevel{w: w, l: l}
}

func (wl *zerologWriterLevel) Write(p []byte) (int, error) {
	wl.m.Lock()
	defer wl.m.Unlock()
	if wl.w != nil {
		return wl.w.Write(p)
	}
	return len(p), nil
}

func (wl *zerologWriterLevel) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < wl.l {
		return len(p), nil
	}
	wl.m.Lock()
	defer wl.m.Unlock()
	if wl.w == nil {
		return len(p), nil
	}
	if lw, ok := wl.w.(zerolog.LevelWriter); ok {
		return lw.WriteLevel(l, p)
	}
	return wl.w.Write(p)
}

func (wl *zerologWriterLevel) SwapWriter(fn func(io.Writer) io.Writer) {
	wl.m.Lock()
	defer wl.m.Unlock()
	wl.w = fn(wl.w)
}

// Configure builds a zerolog.Logger from c, writing to stdout and/or a log
// file per c's fields. The returned reopen func closes and reopens the log
// file (for SIGHUP-driven log rotation); it is nil if no log file is
// configured.
func Configure(c *meshconfig.Config) (l zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer
	if c.LogStdout {
		outputs = append(outputs, newZerologWriterLevel(os.Stdout, c.LogLevel))
	}
	if fn := c.LogFile; fn != "" {
		x := newZerologWriterLevel(nil, c.LogLevel)
		fn, err = filepath.Abs(fn)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("resolve log file: %w", err)
		}
		reopen = func() {
			x.SwapWriter(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
				}
				f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, c.LogFileChmod)
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", err)
					return nil
				}
				if c.LogFileChmod != 0 {
					if err := f.Chmod(c.LogFileChmod); err != nil {
						fmt.Fprintf(os.Stderr, "error: chmod log file: %v\n", err)
					}
				}
				return f
			})
		}
		outputs = append(outputs, x)
		reopen()
	}

	l = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
	return l, reopen, nil
}
