package obd

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// SPPUUID is the Bluetooth Serial Port Profile service class. BlueZ binds
// an RFCOMM channel for this profile to /dev/rfcommN, which we then drive
// like any other serial port.
const SPPUUID = "00001101-0000-1000-8000-00805F9B34FB"

// Port is the byte stream to an ELM327-class adapter. serial.Port
// satisfies it.
type Port interface {
	io.ReadWriteCloser
	// ResetInputBuffer discards unread bytes buffered by the driver.
	ResetInputBuffer() error
	// SetReadTimeout bounds each Read call; a timed out Read returns 0, nil.
	SetReadTimeout(t time.Duration) error
}

// Device identifies one bonded adapter.
type Device struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"` // Bluetooth MAC, may be empty for wired adapters
	Port    string `yaml:"port" json:"port"`       // e.g. /dev/rfcomm0
}

// Label is the human-readable identity used in state and activity records.
func (d Device) Label() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.Address != "":
		return d.Address
	case d.Port != "":
		return d.Port
	default:
		return "Unknown Device"
	}
}

// Directory supplies the already-bonded devices a session may connect to.
type Directory interface {
	BondedDevices(ctx context.Context) ([]Device, error)
}

// Dialer opens the transport for a device. Dial must honour ctx.
type Dialer interface {
	Dial(ctx context.Context, dev Device) (Port, error)
}

// SerialDialer opens the RFCOMM tty bound to a device.
type SerialDialer struct {
	BaudRate int
}

// Dial opens dev.Port. Opening an rfcomm tty triggers the Bluetooth
// connect, which can block for several seconds, so the open runs in its own
// goroutine and is abandoned (and closed) if ctx ends first.
func (d SerialDialer) Dial(ctx context.Context, dev Device) (Port, error) {
	if dev.Port == "" {
		return nil, fmt.Errorf("obd: device %s has no serial port", dev.Label())
	}
	baud := d.BaudRate
	if baud == 0 {
		baud = 38400
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	type result struct {
		port serial.Port
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := serial.Open(dev.Port, mode)
		ch <- result{p, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("obd: failed to open %s: %w", dev.Port, r.err)
		}
		return r.port, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.port != nil {
				r.port.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
