package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/obd-dash/internal/obd"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Adapter link and session timings
	OBD OBDConfig `yaml:"obd" json:"obd"`

	// Where connect candidates come from
	Devices DevicesConfig `yaml:"devices" json:"devices"`

	// Connection history
	Activity ActivityConfig `yaml:"activity" json:"activity"`

	// Display preferences
	Display DisplayConfig `yaml:"display" json:"display"`

	// CSV telemetry recorder
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	MQTT MQTTConfig `yaml:"mqtt" json:"mqtt"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	App AppConfig `yaml:"app" json:"app"`

	path string // file path for save/load
}

type OBDConfig struct {
	PortPath           string `yaml:"port_path" json:"portPath"` // fallback device when no static list is given
	BaudRate           int    `yaml:"baud_rate" json:"baudRate"`
	CommandTimeoutMs   int    `yaml:"command_timeout_ms" json:"commandTimeoutMs"`
	ReconnectBackoffMs int    `yaml:"reconnect_backoff_ms" json:"reconnectBackoffMs"`
	PollIntervalMs     int    `yaml:"poll_interval_ms" json:"pollIntervalMs"`
	BusInitPauseMs     int    `yaml:"bus_init_pause_ms" json:"busInitPauseMs"`
	ResetSettleMs      int    `yaml:"reset_settle_ms" json:"resetSettleMs"`
	ErrorThreshold     int    `yaml:"error_threshold" json:"errorThreshold"`
	AutoConnect        string `yaml:"auto_connect" json:"autoConnect"` // address, port or name; empty = wait for the UI
}

type DevicesConfig struct {
	Source  string            `yaml:"source" json:"source"`   // "static", "bluez", "ports" or "all"
	Adapter string            `yaml:"adapter" json:"adapter"` // e.g. hci0
	Static  []obd.Device      `yaml:"static" json:"static"`
	RFCOMM  map[string]string `yaml:"rfcomm" json:"rfcomm"` // address -> /dev/rfcommN
}

type ActivityConfig struct {
	Path           string   `yaml:"path" json:"path"`
	RetentionHours int      `yaml:"retention_hours" json:"retentionHours"`
	SkipCategories []string `yaml:"skip_categories" json:"skipCategories"`
}

type DisplayConfig struct {
	Units      UnitsConfig     `yaml:"units" json:"units"`
	Thresholds ThresholdConfig `yaml:"thresholds" json:"thresholds"`
}

type UnitsConfig struct {
	Temperature string `yaml:"temperature" json:"temperature"` // "C" or "F"
	Speed       string `yaml:"speed" json:"speed"`             // "kph" or "mph"
}

type ThresholdConfig struct {
	RPMWarn   int     `yaml:"rpm_warn" json:"rpmWarn"`
	RPMMax    int     `yaml:"rpm_max" json:"rpmMax"`
	CLTWarn   int     `yaml:"clt_warn" json:"cltWarn"`     // °C
	CLTDanger int     `yaml:"clt_danger" json:"cltDanger"` // °C
	FuelLow   int     `yaml:"fuel_low" json:"fuelLow"`     // %
	BattLow   float64 `yaml:"batt_low" json:"battLow"`
	BattHigh  float64 `yaml:"batt_high" json:"battHigh"`
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"`
	Port     int    `yaml:"port" json:"port"`
	ClientID string `yaml:"client_id" json:"clientId"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type AppConfig struct {
	Env      string `yaml:"env" json:"env"`             // "dev" or "prod"
	LogLevel string `yaml:"log_level" json:"logLevel"` // debug, info, warn, error
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	d := obd.DefaultConfig()
	return &Config{
		OBD: OBDConfig{
			PortPath:           "/dev/rfcomm0",
			BaudRate:           38400,
			CommandTimeoutMs:   int(d.CommandTimeout / time.Millisecond),
			ReconnectBackoffMs: int(d.ReconnectBackoff / time.Millisecond),
			PollIntervalMs:     int(d.PollInterval / time.Millisecond),
			BusInitPauseMs:     int(d.BusInitPause / time.Millisecond),
			ResetSettleMs:      int(d.ResetSettle / time.Millisecond),
			ErrorThreshold:     d.ErrorThreshold,
		},
		Devices: DevicesConfig{
			Source:  "static",
			Adapter: "hci0",
		},
		Activity: ActivityConfig{
			Path:           "/var/lib/obd-dash/activity.db",
			RetentionHours: 72,
			SkipCategories: []string{obd.CategoryCommand},
		},
		Display: DisplayConfig{
			Units: UnitsConfig{
				Temperature: "C",
				Speed:       "kph",
			},
			Thresholds: ThresholdConfig{
				RPMWarn:   5500,
				RPMMax:    7000,
				CLTWarn:   100,
				CLTDanger: 110,
				FuelLow:   10,
				BattLow:   12.0,
				BattHigh:  15.0,
			},
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/obd-dash",
			Interval: 200,
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Broker:   "localhost",
			Port:     1883,
			ClientID: "obd-dash",
			Prefix:   "obd",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		App: AppConfig{
			Env:      "prod",
			LogLevel: "info",
		},
	}
}

// Session converts the obd section into session timings.
func (c OBDConfig) Session() obd.Config {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	cfg := obd.DefaultConfig()
	cfg.CommandTimeout = ms(c.CommandTimeoutMs)
	cfg.ReconnectBackoff = ms(c.ReconnectBackoffMs)
	cfg.PollInterval = ms(c.PollIntervalMs)
	cfg.BusInitPause = ms(c.BusInitPauseMs)
	cfg.ResetSettle = ms(c.ResetSettleMs)
	cfg.ErrorThreshold = c.ErrorThreshold
	return cfg
}

// StaticDevices returns the configured device list, falling back to a
// single adapter on the obd port path.
func (c *Config) StaticDevices() []obd.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Devices.Static) > 0 {
		return append([]obd.Device(nil), c.Devices.Static...)
	}
	if c.OBD.PortPath == "" {
		return nil
	}
	return []obd.Device{{Name: "ELM327", Port: c.OBD.PortPath}}
}

// DisplaySnapshot returns a copy of the display section.
func (c *Config) DisplaySnapshot() DisplayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Display
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Info("no config file, using defaults", "component", "config", "path", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("config parse error, using defaults", "component", "config", "path", path, "err", err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		slog.Info("config loaded", "component", "config", "path", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	slog.Info("loading .env", "component", "config", "path", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: OBD_PORT, OBD_BAUD, OBD_COMMAND_TIMEOUT_MS,
// OBD_RECONNECT_BACKOFF_MS, OBD_POLL_INTERVAL_MS, OBD_AUTO_CONNECT,
// DEVICE_SOURCE, ACTIVITY_DB, MQTT_ENABLED, MQTT_BROKER, MQTT_PORT,
// LISTEN_ADDR, APP_ENV, LOG_LEVEL, LOG_ENABLED, LOG_PATH, LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OBD_PORT"); v != "" {
		c.OBD.PortPath = v
	}
	envInt("OBD_BAUD", &c.OBD.BaudRate)
	envInt("OBD_COMMAND_TIMEOUT_MS", &c.OBD.CommandTimeoutMs)
	envInt("OBD_RECONNECT_BACKOFF_MS", &c.OBD.ReconnectBackoffMs)
	envInt("OBD_POLL_INTERVAL_MS", &c.OBD.PollIntervalMs)
	if v := os.Getenv("OBD_AUTO_CONNECT"); v != "" {
		c.OBD.AutoConnect = v
	}
	if v := os.Getenv("DEVICE_SOURCE"); v != "" {
		c.Devices.Source = v
	}
	if v := os.Getenv("ACTIVITY_DB"); v != "" {
		c.Activity.Path = v
	}
	// MQTT
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = truthy(v)
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	envInt("MQTT_PORT", &c.MQTT.Port)
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.App.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.App.LogLevel = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = truthy(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	envInt("LOG_INTERVAL_MS", &c.Logging.Interval)
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = "/etc/obd-dash/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port paths, baud rates, logging).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
