package devices

import (
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"

	"github.com/shaunagostinho/obd-dash/internal/obd"
)

// Ports lists local serial ports that can carry an ELM327: bound rfcomm
// ttys and USB serial bridges.
type Ports struct {
	list func() ([]*enumerator.PortDetails, error)
}

func (p Ports) BondedDevices(ctx context.Context) ([]obd.Device, error) {
	list := p.list
	if list == nil {
		list = enumerator.GetDetailedPortsList
	}
	ports, err := list()
	if err != nil {
		return nil, fmt.Errorf("devices: scan serial ports: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []obd.Device
	for _, port := range ports {
		if !strings.Contains(port.Name, "rfcomm") && !port.IsUSB {
			continue
		}
		name := port.Product
		if name == "" {
			name = port.Name
		}
		out = append(out, obd.Device{Name: name, Port: port.Name})
	}
	return out, nil
}
