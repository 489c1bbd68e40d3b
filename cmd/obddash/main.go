package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shaunagostinho/obd-dash/internal/activity"
	"github.com/shaunagostinho/obd-dash/internal/devices"
	"github.com/shaunagostinho/obd-dash/internal/logger"
	"github.com/shaunagostinho/obd-dash/internal/logging"
	"github.com/shaunagostinho/obd-dash/internal/mqtt"
	"github.com/shaunagostinho/obd-dash/internal/obd"
	"github.com/shaunagostinho/obd-dash/internal/server"
	"github.com/shaunagostinho/obd-dash/web"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/obd-dash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against the built-in ELM327 emulator")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	// Load config
	cfg := server.LoadConfig(*configPath)

	level, err := logging.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	log := logging.New(cfg.App.Env, level, version)
	slog.SetDefault(log)
	log.Info("obd-dash starting", "config", *configPath, "demo", *demo)

	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Activity history; the dashboard runs without it if the db can't open
	var (
		actLog obd.ActivityLog
		actAPI server.ActivityStore
	)
	if s, closeDB, err := openActivity(cfg.Activity, log); err != nil {
		log.Warn("activity log disabled", "path", cfg.Activity.Path, "err", err)
	} else {
		actLog, actAPI = s, s
		defer closeDB()
	}

	// Device directory and dialer
	var (
		dir    obd.Directory
		dialer obd.Dialer
	)
	if *demo {
		dir, dialer = obd.EmulatorDirectory{}, obd.EmulatorDialer{}
		cfg.OBD.AutoConnect = obd.EmulatedDevice.Name
	} else {
		dir, err = devices.New(cfg.Devices.Source, devices.Options{
			Static:  cfg.StaticDevices(),
			Adapter: cfg.Devices.Adapter,
			RFCOMM:  cfg.Devices.RFCOMM,
			Logger:  log,
		})
		if err != nil {
			log.Error("device source", "err", err)
			os.Exit(1)
		}
		dialer = obd.SerialDialer{BaudRate: cfg.OBD.BaudRate}
	}

	session := obd.NewSession(obd.SessionOptions{
		Config:   cfg.OBD.Session(),
		Dialer:   dialer,
		Devices:  dir,
		Activity: actLog,
		Logger:   log,
	})
	defer session.Disconnect()

	// CSV telemetry recorder
	rec := logger.New(logger.Config{
		Enabled:    cfg.Logging.Enabled,
		Path:       cfg.Logging.Path,
		IntervalMs: cfg.Logging.Interval,
	}, log)
	defer rec.Close()
	go rec.Run(ctx, func() string {
		if st := session.State(); st.Kind == obd.StateConnected {
			return st.Device
		}
		return ""
	}, session.ObserveReading(ctx))

	// MQTT mirror (non-blocking; dashboard starts regardless)
	if cfg.MQTT.Enabled {
		pub := mqtt.NewPublisher(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			Port:     cfg.MQTT.Port,
			ClientID: cfg.MQTT.ClientID,
			Prefix:   cfg.MQTT.Prefix,
		}, log)
		defer pub.Close()
		go func() {
			if connectWithRetry(ctx, log, "mqtt", pub, 10) {
				pub.Run(ctx, session)
			}
		}()
	}

	if cfg.OBD.AutoConnect != "" {
		go autoConnect(ctx, log, session, cfg.OBD.AutoConnect)
	}

	srv := server.New(cfg, session, actAPI, web.FS, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("server exited", "err", err)
	}
}

func openActivity(cfg server.ActivityConfig, log *slog.Logger) (*activity.Store, func(), error) {
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, nil, err
		}
	}
	db, err := activity.Open(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	s, err := activity.NewStore(db, activity.Options{
		Retention: time.Duration(cfg.RetentionHours) * time.Hour,
		Skip:      cfg.SkipCategories,
		Logger:    log,
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, func() {
		s.Close()
		db.Close()
	}, nil
}

// autoConnect looks up the configured device (address, port or name) among
// the bonded devices and starts a session with it.
func autoConnect(ctx context.Context, log *slog.Logger, session *obd.Session, want string) {
	devs, err := session.ListBondedDevices(ctx)
	if err != nil {
		log.Warn("auto-connect: list devices failed", "err", err)
		return
	}
	dev, ok := devices.Find(devs, want, want, want)
	if !ok {
		log.Warn("auto-connect: device not bonded", "want", want, "bonded", len(devs))
		return
	}
	log.Info("auto-connect", "device", dev.Label())
	session.Connect(dev)
}

type connectable interface {
	Connect(ctx context.Context) error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. Reports false if ctx ended.
func connectWithRetry(ctx context.Context, log *slog.Logger, name string, c connectable, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		if ctx.Err() != nil {
			return false
		}

		err := c.Connect(ctx)
		if err == nil {
			log.Info("connected", "component", name, "attempt", attempt+1)
			return true
		}

		attempt++
		if attempt <= maxAttempts {
			log.Warn("connect attempt failed", "component", name,
				"attempt", attempt, "max", maxAttempts, "err", err, "retry_in", delay)
		} else {
			log.Warn("connect attempt failed", "component", name,
				"attempt", attempt, "err", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
