package obd

import (
	"context"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var testDevice = Device{Name: "OBDII", Address: "AA:BB:CC:DD:EE:FF", Port: "/dev/rfcomm0"}

func newTestSession(d Dialer, act ActivityLog) *Session {
	return NewSession(SessionOptions{Config: testConfig(), Dialer: d, Activity: act})
}

func TestSessionConnectPollsAndDisconnects(t *testing.T) {
	d := &scriptedDialer{next: func(int) (Port, error) { return newFakePort(healthyAdapter), nil }}
	act := &recordingActivity{}
	s := newTestSession(d, act)

	s.Connect(testDevice)
	waitFor(t, "connected", func() bool { return s.State() == Connected("OBDII") })
	waitFor(t, "a reading", func() bool { return s.Reading().RPM != nil })

	r := s.Reading()
	if *r.RPM != 1726 || *r.SpeedKmh != 50 || *r.EngineTempC != 50 || *r.FuelLevelPct != 100 {
		t.Fatalf("reading = %+v", r)
	}
	if r.BatteryVoltage == nil || math.Abs(*r.BatteryVoltage-14.1) > 1e-9 {
		t.Fatalf("voltage = %v", r.BatteryVoltage)
	}
	if r.MILOn == nil || !*r.MILOn {
		t.Fatalf("MIL = %v", r.MILOn)
	}
	if r.OilTempC != nil {
		t.Fatalf("oil temp = %d, want absent on NO DATA", *r.OilTempC)
	}

	s.Disconnect()
	if st := s.State(); st != Disconnected() {
		t.Fatalf("state after Disconnect = %v", st)
	}
	if !d.opened()[0].(*fakePort).isClosed() {
		t.Fatalf("port left open after Disconnect")
	}
	for _, c := range []string{CategoryConnect, CategoryDataRead, CategoryDisconnect, CategoryState} {
		if !act.has(c) {
			t.Errorf("no %s activity recorded", c)
		}
	}
}

func TestSessionPollOrder(t *testing.T) {
	p := newFakePort(healthyAdapter)
	d := &scriptedDialer{next: func(int) (Port, error) { return p, nil }}
	s := newTestSession(d, nil)

	s.Connect(testDevice)
	waitFor(t, "a reading", func() bool { return s.Reading().RPM != nil })
	s.Disconnect()

	cmds := p.commands()[len(InitSequence)+1:]
	want := []string{PIDEngineRPM, PIDVehicleSpeed, PIDCoolantTemp, PIDFuelLevel, CmdVoltage, PIDMonitorStatus, PIDOilTemp}
	for i, c := range want {
		if cmds[i] != c {
			t.Fatalf("poll command %d = %s, want %s (sent %q)", i, cmds[i], c, cmds)
		}
	}
}

func TestSessionErrorBudgetExhausted(t *testing.T) {
	d := &scriptedDialer{next: func(int) (Port, error) { return newFakePort(linkDownAdapter), nil }}
	s := newTestSession(d, nil)

	s.Connect(testDevice)
	waitFor(t, "persistent error", func() bool {
		st := s.State()
		return st.Kind == StateError && st.Persistent
	})

	if n := d.dials.Load(); n != 3 {
		t.Fatalf("dials = %d, want 3 (one connect, two reconnects)", n)
	}
	for _, p := range d.opened() {
		waitFor(t, "port closed", p.(*fakePort).isClosed)
	}

	// No further automatic reconnection.
	time.Sleep(50 * time.Millisecond)
	if n := d.dials.Load(); n != 3 {
		t.Fatalf("dials = %d after giving up", n)
	}
}

func TestSessionRecoversBeforeThreshold(t *testing.T) {
	d := &scriptedDialer{next: func(n int) (Port, error) {
		if n <= 2 {
			return newFakePort(linkDownAdapter), nil
		}
		return newFakePort(healthyAdapter), nil
	}}
	act := &recordingActivity{}
	s := newTestSession(d, act)

	s.Connect(testDevice)
	waitFor(t, "a reading after reconnect", func() bool { return s.Reading().RPM != nil })

	if st := s.State(); st != Connected("OBDII") {
		t.Fatalf("state = %v, want connected", st)
	}
	if n := d.dials.Load(); n != 3 {
		t.Fatalf("dials = %d, want 3", n)
	}
	if !act.has(CategoryError) {
		t.Fatalf("link failures not recorded")
	}
	s.Disconnect()
}

func TestSessionBusInitLeavesChannelEmpty(t *testing.T) {
	p := newFakePort(func(cmd string) string {
		if cmd == PIDVehicleSpeed {
			return "BUS INIT: ...ERROR\r\r>"
		}
		return healthyAdapter(cmd)
	})
	d := &scriptedDialer{next: func(int) (Port, error) { return p, nil }}
	act := &recordingActivity{}
	cfg := testConfig()
	cfg.BusInitPause = 20 * time.Millisecond
	s := NewSession(SessionOptions{Config: cfg, Dialer: d, Activity: act})

	s.Connect(testDevice)
	waitFor(t, "three polls of the speed PID", func() bool {
		n := 0
		for _, c := range p.commands() {
			if c == PIDVehicleSpeed {
				n++
			}
		}
		return n >= 3
	})

	r := s.Reading()
	if r.RPM == nil || r.EngineTempC == nil || r.BatteryVoltage == nil {
		t.Fatalf("reading = %+v, want other channels present", r)
	}
	if r.SpeedKmh != nil {
		t.Fatalf("speed = %d, want absent while the bus initializes", *r.SpeedKmh)
	}
	if st := s.State(); st != Connected("OBDII") {
		t.Fatalf("state = %v, want connected", st)
	}
	if n := d.dials.Load(); n != 1 {
		t.Fatalf("dials = %d, want 1 (no reconnect)", n)
	}

	act.mu.Lock()
	logged := false
	for _, e := range act.entries {
		if strings.HasPrefix(e, CategoryError+" Bus initializing") {
			logged = true
		}
	}
	act.mu.Unlock()
	if !logged {
		t.Fatalf("bus init not recorded in activity")
	}
	s.Disconnect()
}

func TestSessionBudgetResetsOnSuccess(t *testing.T) {
	// Every port answers a few ticks and then loses the link, so the session
	// keeps reconnecting without ever accumulating three failures in a row.
	d := &scriptedDialer{next: func(int) (Port, error) {
		var polls atomic.Int32
		return newFakePort(func(cmd string) string {
			if cmd == PIDEngineRPM && polls.Add(1) > 2 {
				return linkDownAdapter(cmd)
			}
			return healthyAdapter(cmd)
		}), nil
	}}
	s := newTestSession(d, nil)

	s.Connect(testDevice)
	waitFor(t, "five connections", func() bool { return d.dials.Load() >= 5 })
	if st := s.State(); st.Persistent {
		t.Fatalf("state = %v, budget was not reset by successful polls", st)
	}
	s.Disconnect()
}

func TestSessionReconnectFailureIsPersistent(t *testing.T) {
	d := &scriptedDialer{next: func(n int) (Port, error) {
		if n == 1 {
			return newFakePort(linkDownAdapter), nil
		}
		return nil, errRefused
	}}
	s := newTestSession(d, nil)

	s.Connect(testDevice)
	waitFor(t, "persistent error", func() bool { return s.State().Persistent })
	if msg := s.State().Message; !strings.Contains(msg, "Reconnection failed") {
		t.Fatalf("message = %q", msg)
	}
}

func TestSessionInitialConnectFailure(t *testing.T) {
	d := &scriptedDialer{next: func(int) (Port, error) { return nil, errRefused }}
	s := newTestSession(d, nil)

	s.Connect(testDevice)
	waitFor(t, "error", func() bool { return s.State().Kind == StateError })
	if st := s.State(); st.Persistent || !strings.Contains(st.Message, "connection refused") {
		t.Fatalf("state = %v, want transient error with cause", st)
	}
}

func TestSessionProbeFailureEndsAttempt(t *testing.T) {
	p := newFakePort(func(cmd string) string {
		if cmd == PIDSupported {
			return "NO DATA\r\r>"
		}
		return healthyAdapter(cmd)
	})
	d := &scriptedDialer{next: func(int) (Port, error) { return p, nil }}
	s := newTestSession(d, nil)

	s.Connect(testDevice)
	waitFor(t, "error", func() bool { return s.State().Kind == StateError })
	if !p.isClosed() {
		t.Fatalf("port left open after failed initialization")
	}
	if n := d.dials.Load(); n != 1 {
		t.Fatalf("dials = %d, want no retry", n)
	}
}

func TestSessionForcedDisconnectKeepsError(t *testing.T) {
	d := &scriptedDialer{next: func(int) (Port, error) { return newFakePort(linkDownAdapter), nil }}
	s := newTestSession(d, nil)

	s.Connect(testDevice)
	waitFor(t, "persistent error", func() bool { return s.State().Persistent })
	want := s.State()

	s.disconnect(true)
	if st := s.State(); st != want {
		t.Fatalf("forced disconnect changed state to %v", st)
	}
	s.disconnect(false)
	if st := s.State(); st != Disconnected() {
		t.Fatalf("unforced disconnect left state %v", st)
	}
}

func TestSessionConnectSupersedesInFlight(t *testing.T) {
	slowA := make(chan struct{})
	var portA, portB *fakePort
	d := &scriptedDialer{next: func(n int) (Port, error) {
		if n == 1 {
			portA = newFakePort(func(cmd string) string {
				if cmd == "ATZ" {
					<-slowA
				}
				return healthyAdapter(cmd)
			})
			return portA, nil
		}
		portB = newFakePort(healthyAdapter)
		return portB, nil
	}}
	s := newTestSession(d, nil)

	s.Connect(Device{Name: "A", Port: "/dev/rfcomm0"})
	waitFor(t, "A dialed", func() bool { return d.dials.Load() == 1 })
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(slowA)
	}()
	s.Connect(Device{Name: "B", Port: "/dev/rfcomm1"})

	if !portA.isClosed() {
		t.Fatalf("socket to A still open after connecting to B")
	}
	waitFor(t, "connected to B", func() bool { return s.State() == Connected("B") })
	if portB.isClosed() {
		t.Fatalf("socket to B closed")
	}
	s.Disconnect()
}

func TestSessionSmoothingEndToEnd(t *testing.T) {
	rpms := []string{"1A F8", "1B 58", "1B BC"}
	var tick atomic.Int32
	p := newFakePort(func(cmd string) string {
		if cmd == PIDEngineRPM {
			i := int(tick.Add(1)) - 1
			return "41 0C " + rpms[min(i, len(rpms)-1)] + "\r\r>"
		}
		return healthyAdapter(cmd)
	})
	d := &scriptedDialer{next: func(int) (Port, error) { return p, nil }}
	cfg := testConfig()
	cfg.PollInterval = 50 * time.Millisecond // give the subscriber time to see every tick
	s := NewSession(SessionOptions{Config: cfg, Dialer: d})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	readings := s.ObserveReading(ctx)
	<-readings // initial empty value

	s.Connect(testDevice)
	var got []Reading
	timeout := time.After(3 * time.Second)
	for len(got) < 3 {
		select {
		case r := <-readings:
			got = append(got, r)
		case <-timeout:
			t.Fatalf("received %d readings", len(got))
		}
	}
	s.Disconnect()

	if *got[0].RPM != 1726 || *got[1].RPM != 1750 {
		t.Fatalf("warm-up RPM = %d, %d; want raw 1726, 1750", *got[0].RPM, *got[1].RPM)
	}
	w0, w1, w2 := 1.0, math.Exp(0.2), math.Exp(0.4)
	want := int(math.Round((1726*w0 + 1750*w1 + 1775*w2) / (w0 + w1 + w2)))
	if *got[2].RPM != want {
		t.Fatalf("third RPM = %d, want blend %d", *got[2].RPM, want)
	}
	for i, r := range got {
		if *r.SpeedKmh != 50 {
			t.Fatalf("reading %d speed = %d, want 50", i, *r.SpeedKmh)
		}
	}
}

func TestListBondedDevicesRecordsFound(t *testing.T) {
	act := &recordingActivity{}
	s := NewSession(SessionOptions{Devices: EmulatorDirectory{}, Activity: act})

	devs, err := s.ListBondedDevices(context.Background())
	if err != nil {
		t.Fatalf("ListBondedDevices: %v", err)
	}
	if len(devs) != 1 || devs[0] != EmulatedDevice {
		t.Fatalf("devices = %+v", devs)
	}
	if !act.has(CategoryDeviceFound) {
		t.Fatalf("DEVICE_FOUND not recorded")
	}
}
