package logger

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/obd-dash/internal/obd"
)

// Logger records published readings to CSV files with automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	log      *slog.Logger

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000 // ~5.5 hrs at the default 200ms poll rate
)

var csvHeader = []string{
	"timestamp", "device", "rpm", "speed_kph", "coolant_c", "fuel_pct",
	"battery_v", "mil_on", "oil_c",
}

// New creates a new Logger.
func New(cfg Config, log *slog.Logger) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/obd-dash"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 200 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		log:      log.With("component", "logger"),
	}
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

// Run records every reading from ch until ctx ends or ch closes.
func (l *Logger) Run(ctx context.Context, device func() string, ch <-chan obd.Reading) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			if r.Empty() {
				continue
			}
			l.Record(device(), r)
		}
	}
}

// Record writes a reading if the minimum interval has elapsed.
func (l *Logger) Record(device string, r obd.Reading) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := r.At
	if now.IsZero() {
		now = time.Now()
	}
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			l.log.Error("rotate failed", "err", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(now, device, r)); err != nil {
		l.log.Error("write failed", "err", err)
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

	filename := fmt.Sprintf("obd_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Info("opened", "path", path)
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

func buildRow(ts time.Time, device string, r obd.Reading) []string {
	return []string{
		ts.Format(time.RFC3339Nano),
		device,
		intStr(r.RPM),
		intStr(r.SpeedKmh),
		intStr(r.EngineTempC),
		intStr(r.FuelLevelPct),
		floatStr(r.BatteryVoltage),
		boolStr(r.MILOn),
		intStr(r.OilTempC),
	}
}

// Absent channels are written as empty cells.
func intStr(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func floatStr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 1, 64)
}

func boolStr(v *bool) string {
	switch {
	case v == nil:
		return ""
	case *v:
		return "1"
	default:
		return "0"
	}
}
