package server

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxSpeedGap is the longest gap between speed samples that is still
// integrated. Longer gaps (reconnects, pauses) only reseed the clock.
const maxSpeedGap = 5 * time.Second

// OdoData is the odometer info sent to clients.
type OdoData struct {
	Total float64 `json:"total"` // km
	Trip  float64 `json:"trip"`  // km
}

// Odometer accumulates distance from vehicle speed samples and persists it.
type Odometer struct {
	mu     sync.Mutex
	total  float64 // km
	trip   float64 // km, resettable
	lastAt time.Time
	path   string
	log    *slog.Logger
}

func NewOdometer(path string, log *slog.Logger) *Odometer {
	if log == nil {
		log = slog.Default()
	}
	return &Odometer{path: path, log: log.With("component", "odo")}
}

// Update integrates one speed sample taken at at.
func (o *Odometer) Update(speedKmh float64, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.lastAt.IsZero() {
		// First sample, seed the clock only
		o.lastAt = at
		return
	}
	dt := at.Sub(o.lastAt)
	o.lastAt = at
	if dt <= 0 || dt > maxSpeedGap {
		return
	}
	// Ignore creeping below 1 km/h
	if speedKmh <= 1 {
		return
	}
	dist := speedKmh * dt.Hours()
	o.total += dist
	o.trip += dist
}

// Snapshot returns the current values rounded to 100 m.
func (o *Odometer) Snapshot() *OdoData {
	o.mu.Lock()
	defer o.mu.Unlock()
	return &OdoData{Total: math.Round(o.total*10) / 10, Trip: math.Round(o.trip*10) / 10}
}

func (o *Odometer) ResetTrip() {
	o.mu.Lock()
	o.trip = 0
	o.mu.Unlock()
	o.Save()
}

// Load reads persisted odometer values from disk.
func (o *Odometer) Load() {
	data, err := os.ReadFile(o.path)
	if err != nil {
		o.log.Info("no saved data, starting at 0", "path", o.path)
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	parts := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(parts) >= 1 {
		if v, err := strconv.ParseFloat(parts[0], 64); err == nil {
			o.total = v
		}
	}
	if len(parts) >= 2 {
		if v, err := strconv.ParseFloat(parts[1], 64); err == nil {
			o.trip = v
		}
	}
	o.log.Info("loaded", "total_km", o.total, "trip_km", o.trip)
}

// Save persists odometer values to disk.
func (o *Odometer) Save() {
	o.mu.Lock()
	total, trip := o.total, o.trip
	o.mu.Unlock()

	// Ensure directory exists
	os.MkdirAll(filepath.Dir(o.path), 0755)

	data := fmt.Sprintf("%.6f\n%.6f\n", total, trip)
	if err := os.WriteFile(o.path, []byte(data), 0644); err != nil {
		o.log.Warn("save failed", "err", err)
	}
}
