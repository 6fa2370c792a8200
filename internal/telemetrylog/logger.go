// Package telemetrylog records timestamped telemetry frames to
// rotating CSV files, with columns derived from a definition's
// output-channel names instead of a fixed per-ECU layout.
package telemetrylog

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/RallyPat/LibreTune-sub000/internal/session"
)

const maxRowsPerFile = 100_000

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

// Logger records timestamped telemetry frames to CSV files, rotating
// by row count.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	columns []string
	file    *os.File
	writer  *csv.Writer
	lastTs  time.Time
	rows    int
}

// New creates a Logger. Columns are fixed from the channel names
// present in the first recorded frame.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/libretune"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &Logger{dir: cfg.Path, interval: interval, enabled: cfg.Enabled}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a telemetry frame's channel values if the minimum
// interval has elapsed since the last row.
func (l *Logger) Record(frame *session.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || frame == nil {
		return
	}

	if l.lastTs.IsZero() || frame.Stamp.Sub(l.lastTs) >= l.interval {
		l.lastTs = frame.Stamp
	} else {
		return
	}

	if l.columns == nil {
		l.columns = sortedChannelNames(frame.Channels)
	}
	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(frame.Stamp); err != nil {
			log.Printf("telemetrylog: rotate failed: %v", err)
			return
		}
	}

	row := make([]string, len(l.columns)+1)
	row[0] = frame.Stamp.Format(time.RFC3339Nano)
	for i, name := range l.columns {
		if v, ok := frame.Channels[name]; ok {
			row[i+1] = fmt.Sprintf("%.4f", v)
		}
	}
	if err := l.writer.Write(row); err != nil {
		log.Printf("telemetrylog: write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("libretune_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	header := append([]string{"timestamp"}, l.columns...)
	if err := l.writer.Write(header); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("telemetrylog: opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func sortedChannelNames(channels map[string]float64) []string {
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
