package obd

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Emulator is an in-memory ELM327 for development and testing. It answers
// the AT commands of the bring-up sequence and the polled Mode 01 PIDs with
// a simulated engine that revs between idle and mid range.
type Emulator struct {
	mu      sync.Mutex
	out     []byte
	notify  chan struct{}
	closed  bool
	timeout time.Duration

	echo      bool
	spaces    bool
	searching bool    // next mode 01 reply carries the auto-detect preamble
	t         float64 // virtual time accumulator
	fuel      float64
	rng       *rand.Rand
	noOil     bool
}

func NewEmulator() *Emulator {
	return &Emulator{
		notify:  make(chan struct{}, 1),
		timeout: defaultReadSlice,
		echo:    true,
		spaces:  true,
		fuel:    72,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithoutOilTemp makes PID 015C answer NO DATA, like most older ECUs.
func (e *Emulator) WithoutOilTemp() *Emulator {
	e.noOil = true
	return e
}

func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, io.ErrClosedPipe
	}
	for _, line := range strings.Split(string(p), "\r") {
		cmd := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(line), " ", ""))
		if cmd == "" {
			continue
		}
		var b strings.Builder
		if e.echo {
			b.WriteString(cmd + "\r")
		}
		b.WriteString(e.answer(cmd))
		b.WriteString("\r\r>")
		e.out = append(e.out, b.String()...)
	}
	select {
	case e.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (e *Emulator) Read(p []byte) (int, error) {
	t := time.NewTimer(e.readTimeout())
	defer t.Stop()
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if len(e.out) > 0 {
			n := copy(p, e.out)
			e.out = e.out[n:]
			e.mu.Unlock()
			return n, nil
		}
		e.mu.Unlock()

		select {
		case <-e.notify:
		case <-t.C:
			return 0, nil
		}
	}
}

func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}

func (e *Emulator) ResetInputBuffer() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out = nil
	return nil
}

func (e *Emulator) SetReadTimeout(d time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = d
	return nil
}

func (e *Emulator) readTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeout
}

// answer builds the response body for one command. Called with mu held.
func (e *Emulator) answer(cmd string) string {
	switch cmd {
	case "ATZ":
		e.echo, e.spaces, e.searching = true, true, true
		return "ELM327 v1.5"
	case "ATSP0":
		e.searching = true
		return "OK"
	case "ATE0":
		e.echo = false
		return "OK"
	case "ATE1":
		e.echo = true
		return "OK"
	case "ATS0":
		e.spaces = false
		return "OK"
	case "ATS1":
		e.spaces = true
		return "OK"
	case "ATRV":
		return fmt.Sprintf("%.1fV", 13.8+e.rng.Float64()*0.4)
	}
	if strings.HasPrefix(cmd, "AT") {
		return "OK"
	}
	if !isHex(cmd) || len(cmd) != 4 || cmd[:2] != "01" {
		return "?"
	}
	if e.searching {
		e.searching = false
		return "SEARCHING...\r" + e.answerPID(cmd)
	}
	return e.answerPID(cmd)
}

// answerPID builds a Mode 01 reply. Called with mu held.
func (e *Emulator) answerPID(cmd string) string {
	e.t += 0.05
	s := math.Sin(e.t * 0.3)
	rpm := 850 + 3000*s*s + e.rng.Float64()*50
	load := (rpm - 850) / 3050

	var data []byte
	switch cmd {
	case PIDSupported:
		data = []byte{0xBE, 0x3E, 0xB8, 0x11}
	case PIDMonitorStatus:
		data = []byte{0x00, 0x07, 0xE5, 0x00}
	case PIDCoolantTemp:
		data = []byte{byte(85 + e.rng.Intn(5) + 40)}
	case PIDEngineRPM:
		raw := int(rpm * 4)
		data = []byte{byte(raw >> 8), byte(raw)}
	case PIDVehicleSpeed:
		data = []byte{byte(load * 120)}
	case PIDFuelLevel:
		e.fuel -= 0.001
		if e.fuel < 5 {
			e.fuel = 100
		}
		data = []byte{byte(e.fuel * 255 / 100)}
	case PIDOilTemp:
		if e.noOil {
			return "NO DATA"
		}
		data = []byte{byte(95 + e.rng.Intn(4) + 40)}
	default:
		return "NO DATA"
	}
	return e.frame("41"+cmd[2:], data)
}

func (e *Emulator) frame(header string, data []byte) string {
	parts := []string{header[:2], header[2:]}
	for _, b := range data {
		parts = append(parts, fmt.Sprintf("%02X", b))
	}
	sep := ""
	if e.spaces {
		sep = " "
	}
	return strings.Join(parts, sep)
}

// EmulatorDialer hands out a fresh Emulator for every Dial.
type EmulatorDialer struct{}

func (EmulatorDialer) Dial(ctx context.Context, dev Device) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewEmulator(), nil
}

// EmulatorDirectory lists the single emulated adapter.
type EmulatorDirectory struct{}

// EmulatedDevice is the device EmulatorDirectory reports.
var EmulatedDevice = Device{Name: "OBDII Emulator", Address: "00:00:00:00:00:00", Port: "emulator"}

func (EmulatorDirectory) BondedDevices(context.Context) ([]Device, error) {
	return []Device{EmulatedDevice}, nil
}
