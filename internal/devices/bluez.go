package devices

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/shaunagostinho/obd-dash/internal/obd"
)

const (
	bluezBus          = "org.bluez"
	bluezDevice1      = "org.bluez.Device1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ lists paired devices that offer the Serial Port Profile. Classic
// RFCOMM links are not opened here: each address must already be bound to
// a tty (rfcomm bind), and RFCOMM maps addresses to those ttys.
type BlueZ struct {
	Adapter string            // default hci0
	RFCOMM  map[string]string // address -> /dev/rfcommN
}

func (b *BlueZ) BondedDevices(ctx context.Context) ([]obd.Device, error) {
	// Shared connection; closing it would break other users of the bus.
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("devices: system bus: %w", err)
	}

	var objects managedObjects
	root := conn.Object(bluezBus, "/")
	call := root.CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("devices: GetManagedObjects failed: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("devices: failed to parse managed objects: %w", err)
	}
	return b.fromObjects(objects), nil
}

// fromObjects filters BlueZ's object tree down to paired SPP devices on
// our adapter.
func (b *BlueZ) fromObjects(objects managedObjects) []obd.Device {
	adapter := b.Adapter
	if adapter == "" {
		adapter = "hci0"
	}
	prefix := "/org/bluez/" + adapter + "/"

	var out []obd.Device
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if paired, _ := variant[bool](props, "Paired"); !paired {
			continue
		}
		uuids, _ := variant[[]string](props, "UUIDs")
		if !hasUUID(uuids, obd.SPPUUID) {
			continue
		}

		addr, _ := variant[string](props, "Address")
		name, _ := variant[string](props, "Alias")
		if name == "" {
			name, _ = variant[string](props, "Name")
		}
		out = append(out, obd.Device{
			Name:    name,
			Address: addr,
			Port:    b.portFor(addr),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (b *BlueZ) portFor(addr string) string {
	for a, p := range b.RFCOMM {
		if strings.EqualFold(a, addr) {
			return p
		}
	}
	return ""
}

func variant[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}

func hasUUID(uuids []string, want string) bool {
	for _, u := range uuids {
		if strings.EqualFold(u, want) {
			return true
		}
	}
	return false
}
