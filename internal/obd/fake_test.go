package obd

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakePort is a scripted adapter. respond maps each written command to the
// raw bytes the adapter sends back, prompt included; "" means silence.
type fakePort struct {
	mu      sync.Mutex
	respond func(cmd string) string
	out     []byte
	cmds    []string
	chunk   int   // max bytes per Read, 0 = unlimited
	readErr error // returned by every Read once set
	closed  bool
	timeout time.Duration
}

func newFakePort(respond func(cmd string) string) *fakePort {
	return &fakePort{respond: respond, timeout: time.Millisecond}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	cmd := strings.TrimRight(string(b), "\r")
	p.cmds = append(p.cmds, cmd)
	if p.respond != nil {
		p.out = append(p.out, p.respond(cmd)...)
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.out) > 0 {
		n := len(p.out)
		if p.chunk > 0 && n > p.chunk {
			n = p.chunk
		}
		n = copy(b, p.out[:n])
		p.out = p.out[n:]
		p.mu.Unlock()
		return n, nil
	}
	d := p.timeout
	p.mu.Unlock()
	time.Sleep(d)
	return 0, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = nil
	return nil
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
	return nil
}

func (p *fakePort) commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cmds...)
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// healthyAdapter answers the bring-up sequence and every polled PID.
func healthyAdapter(cmd string) string {
	switch {
	case cmd == PIDSupported:
		return "41 00 BE 3E B8 11\r\r>"
	case cmd == CmdVoltage:
		return "14.1V\r\r>"
	case strings.HasPrefix(cmd, "AT"):
		return "OK\r\r>"
	case cmd == PIDEngineRPM:
		return "41 0C 1A F8\r\r>"
	case cmd == PIDVehicleSpeed:
		return "41 0D 32\r\r>"
	case cmd == PIDCoolantTemp:
		return "41 05 5A\r\r>"
	case cmd == PIDFuelLevel:
		return "41 2F FF\r\r>"
	case cmd == PIDMonitorStatus:
		return "41 01 81 07 E5 00\r\r>"
	default:
		return "NO DATA\r\r>"
	}
}

// linkDownAdapter passes bring-up but loses the vehicle on the first poll.
func linkDownAdapter(cmd string) string {
	if cmd == PIDSupported || strings.HasPrefix(cmd, "AT") {
		return healthyAdapter(cmd)
	}
	return "UNABLE TO CONNECT\r\r>"
}

// testConfig keeps every pause short so session tests run quickly.
func testConfig() Config {
	return Config{
		CommandTimeout:   200 * time.Millisecond,
		ReadSlice:        time.Millisecond,
		ReconnectBackoff: 5 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		ErrorThreshold:   3,
	}
}

// scriptedDialer hands out ports built by next, one per Dial.
type scriptedDialer struct {
	mu    sync.Mutex
	next  func(n int) (Port, error) // n counts dials from 1
	dials atomic.Int32
	ports []Port
}

func (d *scriptedDialer) Dial(ctx context.Context, dev Device) (Port, error) {
	n := int(d.dials.Add(1))
	p, err := d.next(n)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.ports = append(d.ports, p)
	d.mu.Unlock()
	return p, nil
}

func (d *scriptedDialer) opened() []Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Port(nil), d.ports...)
}

var errRefused = errors.New("connection refused")

// recordingActivity collects activity records.
type recordingActivity struct {
	mu      sync.Mutex
	entries []string
}

func (a *recordingActivity) Record(device, category, message string, _ *time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, category+" "+message)
}

func (a *recordingActivity) has(category string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if strings.HasPrefix(e, category+" ") {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
