package telemetrylog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RallyPat/LibreTune-sub000/internal/session"
)

func TestRecordWritesRotatedCSVWithDerivedHeader(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 1})

	frame := &session.Frame{
		Stamp:    time.Now(),
		Channels: map[string]float64{"rpm": 3500, "map": 95.5},
	}
	l.Record(frame)
	l.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one rotated file, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "timestamp,map,rpm") {
		t.Fatalf("expected sorted derived header, got %q", content)
	}
	if !strings.Contains(content, "95.5000") || !strings.Contains(content, "3500.0000") {
		t.Fatalf("expected channel values in row, got %q", content)
	}
}

func TestRecordSkippedWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: false, Path: dir})
	l.Record(&session.Frame{Stamp: time.Now(), Channels: map[string]float64{"rpm": 1}})
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no file written while disabled, got %d entries", len(entries))
	}
}
