package logging

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/meshrtr/meshrtr/pkg/meshconfig"
)

func TestZerologWriterLevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	wl := newZerologWriterLevel(&buf, zerolog.InfoLevel)

	if _, err := wl.WriteLevel(zerolog.DebugLevel, []byte("debug line\n")); err != nil {
		t.Fatalf("WriteLevel: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected debug line to be filtered, got %q", buf.String())
	}

	if _, err := wl.WriteLevel(zerolog.InfoLevel, []byte("info line\n")); err != nil {
		t.Fatalf("WriteLevel: %v", err)
	}
	if !strings.Contains(buf.String(), "info line") {
		t.Fatalf("expected info line to pass through, got %q", buf.String())
	}
}

func TestZerologWriterLevelSwapWriterReplacesTarget(t *testing.T) {
	var first, second bytes.Buffer
	wl := newZerologWriterLevel(&first, zerolog.InfoLevel)

	if _, err := wl.WriteLevel(zerolog.InfoLevel, []byte("to first\n")); err != nil {
		t.Fatalf("WriteLevel: %v", err)
	}

	wl.SwapWriter(func(old io.Writer) io.Writer {
		return &second
	})

	if _, err := wl.WriteLevel(zerolog.InfoLevel, []byte("to second\n")); err != nil {
		t.Fatalf("WriteLevel: %v", err)
	}
	if strings.Contains(first.String(), "to second") {
		t.Fatalf("expected swapped writer, but first buffer still received writes: %q", first.String())
	}
	if !strings.Contains(second.String(), "to second") {
		t.Fatalf("expected second buffer to receive post-swap writes, got %q", second.String())
	}
}

func TestConfigureReopenRotatesLogFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "meshrtrd.log")

	c := &meshconfig.Config{
		LogLevel:     zerolog.InfoLevel,
		LogStdout:    false,
		LogFile:      logPath,
		LogFileChmod: 0600,
	}

	log, reopen, err := Configure(c)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if reopen == nil {
		t.Fatalf("expected a non-nil reopen func when LogFile is set")
	}

	log.Info().Msg("before rotate")

	if err := os.Rename(logPath, logPath+".1"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	reopen()

	log.Info().Msg("after rotate")

	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected reopen to recreate the log file: %v", err)
	}
	after, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(after), "after rotate") {
		t.Fatalf("expected rotated log file to contain post-rotate entry, got %q", string(after))
	}
	if strings.Contains(string(after), "before rotate") {
		t.Fatalf("expected rotated log file to NOT contain pre-rotate entry, got %q", string(after))
	}
}

func TestConfigureNoOutputsProducesSilentLogger(t *testing.T) {
	c := &meshconfig.Config{LogLevel: zerolog.InfoLevel}
	log, reopen, err := Configure(c)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if reopen != nil {
		t.Fatalf("expected nil reopen with no log file configured")
	}
	log.Info().Msg("discarded")
}
