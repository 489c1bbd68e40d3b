// Package devices supplies the bonded adapters a session can connect to.
package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shaunagostinho/obd-dash/internal/obd"
)

// Sources accepted by New.
const (
	SourceStatic = "static"
	SourceBlueZ  = "bluez"
	SourcePorts  = "ports"
	SourceAll    = "all"
)

// Options configures the directories built by New.
type Options struct {
	Static  []obd.Device
	Adapter string            // BlueZ adapter, e.g. hci0
	RFCOMM  map[string]string // Bluetooth address -> bound tty
	Logger  *slog.Logger
}

// New builds the directory for source. "all" merges every source.
func New(source string, opts Options) (obd.Directory, error) {
	static := Static(opts.Static)
	bluez := &BlueZ{Adapter: opts.Adapter, RFCOMM: opts.RFCOMM}
	ports := Ports{}

	switch strings.ToLower(source) {
	case "", SourceStatic:
		return static, nil
	case SourceBlueZ:
		return Merged{Sources: []obd.Directory{bluez, static}, Logger: opts.Logger}, nil
	case SourcePorts:
		return Merged{Sources: []obd.Directory{static, ports}, Logger: opts.Logger}, nil
	case SourceAll:
		return Merged{Sources: []obd.Directory{bluez, static, ports}, Logger: opts.Logger}, nil
	default:
		return nil, fmt.Errorf("devices: unknown source %q", source)
	}
}

// Static is a fixed list of devices, typically from the config file.
type Static []obd.Device

func (s Static) BondedDevices(ctx context.Context) ([]obd.Device, error) {
	return append([]obd.Device(nil), s...), ctx.Err()
}

// Merged concatenates several directories, dropping duplicates. A failing
// source is logged and skipped; the call fails only when every source does.
type Merged struct {
	Sources []obd.Directory
	Logger  *slog.Logger
}

func (m Merged) BondedDevices(ctx context.Context) ([]obd.Device, error) {
	var (
		out  []obd.Device
		errs []error
		seen = make(map[string]int)
	)
	for _, src := range m.Sources {
		devs, err := src.BondedDevices(ctx)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Warn("device source failed", "source", fmt.Sprintf("%T", src), "err", err)
			}
			errs = append(errs, err)
			continue
		}
		for _, d := range devs {
			k := key(d)
			if i, ok := seen[k]; ok {
				out[i] = fill(out[i], d)
				continue
			}
			seen[k] = len(out)
			out = append(out, d)
		}
	}
	if len(errs) == len(m.Sources) && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func key(d obd.Device) string {
	if d.Address != "" {
		return "addr:" + strings.ToUpper(d.Address)
	}
	return "port:" + d.Port
}

// fill completes a with the fields b knows and a does not.
func fill(a, b obd.Device) obd.Device {
	if a.Name == "" {
		a.Name = b.Name
	}
	if a.Address == "" {
		a.Address = b.Address
	}
	if a.Port == "" {
		a.Port = b.Port
	}
	return a
}

// Find picks the device matching any of address, port or name, in that
// order of preference.
func Find(devs []obd.Device, address, port, name string) (obd.Device, bool) {
	for _, d := range devs {
		if address != "" && strings.EqualFold(d.Address, address) {
			return d, true
		}
	}
	for _, d := range devs {
		if port != "" && d.Port == port {
			return d, true
		}
	}
	for _, d := range devs {
		if name != "" && d.Name == name {
			return d, true
		}
	}
	return obd.Device{}, false
}
