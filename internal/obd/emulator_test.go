package obd

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestEmulatorEchoUntilDisabled(t *testing.T) {
	em := NewEmulator()
	f := NewFramer(em, time.Millisecond)

	em.Write([]byte("ATZ\r"))
	raw, err := f.ReadFrame(context.Background(), time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if raw != "ATZ\rELM327 v1.5\r\r" {
		t.Fatalf("ATZ reply = %q", raw)
	}

	em.Write([]byte("ATE0\r"))
	f.ReadFrame(context.Background(), time.Now().Add(time.Second))
	em.Write([]byte("010D\r"))
	raw, _ = f.ReadFrame(context.Background(), time.Now().Add(time.Second))
	if !strings.HasPrefix(raw, "SEARCHING...\r41") {
		t.Fatalf("first PID reply after ATE0 = %q, want auto-detect preamble and no echo", raw)
	}
	em.Write([]byte("010D\r"))
	raw, _ = f.ReadFrame(context.Background(), time.Now().Add(time.Second))
	if !strings.HasPrefix(raw, "41") {
		t.Fatalf("second PID reply = %q, want bare payload", raw)
	}
}

func TestEmulatorSearchingAfterProtocolReset(t *testing.T) {
	em := NewEmulator()
	e := NewEngine(em, "emu", testConfig(), nil, nil)
	ctx := context.Background()

	if err := Initialize(ctx, e, testConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := e.Send(ctx, "ATSP0"); err != nil {
		t.Fatalf("ATSP0: %v", err)
	}
	resp, err := e.Send(ctx, PIDVehicleSpeed)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := PayloadFor(PIDVehicleSpeed, resp); !ok {
		t.Fatalf("response %q after ATSP0 not accepted", resp)
	}
}

func TestEmulatorUnknownCommand(t *testing.T) {
	em := NewEmulator()
	e := NewEngine(em, "emu", testConfig(), nil, nil)

	if _, err := e.Send(context.Background(), "HELLO"); KindOf(err) != KindAdapterError {
		t.Fatalf("err = %v, want adapter error", err)
	}
	if _, err := e.Send(context.Background(), "0142"); KindOf(err) != KindNoData {
		t.Fatalf("err = %v, want no data", err)
	}
}

func TestEmulatorClosed(t *testing.T) {
	em := NewEmulator()
	em.Close()
	e := NewEngine(em, "emu", testConfig(), nil, nil)

	if _, err := e.Send(context.Background(), "010C"); KindOf(err) != KindLinkDown {
		t.Fatalf("err = %v, want link down", err)
	}
}

func TestSessionAgainstEmulator(t *testing.T) {
	s := NewSession(SessionOptions{Config: testConfig(), Dialer: EmulatorDialer{}, Devices: EmulatorDirectory{}})

	devs, err := s.ListBondedDevices(context.Background())
	if err != nil || len(devs) != 1 {
		t.Fatalf("ListBondedDevices = %v, %v", devs, err)
	}
	s.Connect(devs[0])
	waitFor(t, "a full reading", func() bool {
		r := s.Reading()
		return r.RPM != nil && r.SpeedKmh != nil && r.BatteryVoltage != nil && r.OilTempC != nil
	})
	r := s.Reading()
	if *r.RPM < 800 || *r.RPM > 4000 {
		t.Fatalf("rpm = %d out of simulated range", *r.RPM)
	}
	if *r.EngineTempC < 80 || *r.EngineTempC > 95 {
		t.Fatalf("coolant = %d out of simulated range", *r.EngineTempC)
	}
	s.Disconnect()
	if s.State() != Disconnected() {
		t.Fatalf("state = %v", s.State())
	}
}
