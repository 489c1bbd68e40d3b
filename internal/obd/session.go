package obd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Session owns the connection to one adapter: it opens the port, runs the
// bring-up sequence, polls telemetry, and reconnects or gives up when the
// link fails. Callers see its progress only through ConnectionState and
// Reading values; no error escapes the public API.
//
// Connect and Disconnect are serialized. All connection work happens on a
// single worker goroutine; a new Connect or a Disconnect cancels the worker
// and waits for it to exit, so at most one port is ever open.
type Session struct {
	cfg      Config
	dialer   Dialer
	devices  Directory
	activity ActivityLog
	logger   *slog.Logger

	states   *Feed[ConnectionState]
	readings *Feed[Reading]

	opMu   sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the worker while it runs. Disconnect and Connect touch them
	// only after the worker's done channel is closed.
	port      Port
	device    Device
	since     time.Time
	budget    int
	smoothers smoothers
}

// SessionOptions wires a Session to its collaborators.
type SessionOptions struct {
	Config   Config
	Dialer   Dialer
	Devices  Directory
	Activity ActivityLog
	Logger   *slog.Logger
}

func NewSession(opts SessionOptions) *Session {
	if opts.Activity == nil {
		opts.Activity = nopActivity{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		cfg:       opts.Config.withDefaults(),
		dialer:    opts.Dialer,
		devices:   opts.Devices,
		activity:  opts.Activity,
		logger:    opts.Logger.With("component", "obd"),
		states:    NewFeed(Disconnected()),
		readings:  NewFeed(Reading{}),
		smoothers: newSmoothers(),
	}
}

// State returns the current connection state.
func (s *Session) State() ConnectionState { return s.states.Latest() }

// Reading returns the most recently published reading.
func (s *Session) Reading() Reading { return s.readings.Latest() }

// ObserveConnectionState streams state transitions until ctx ends.
func (s *Session) ObserveConnectionState(ctx context.Context) <-chan ConnectionState {
	return s.states.Subscribe(ctx)
}

// ObserveReading streams published readings until ctx ends.
func (s *Session) ObserveReading(ctx context.Context) <-chan Reading {
	return s.readings.Subscribe(ctx)
}

// ListBondedDevices returns the connect candidates from the directory.
func (s *Session) ListBondedDevices(ctx context.Context) ([]Device, error) {
	if s.devices == nil {
		return nil, nil
	}
	devs, err := s.devices.BondedDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devs {
		s.activity.Record(d.Label(), CategoryDeviceFound, "Device found: "+d.Label(), nil)
	}
	return devs, nil
}

// Connect abandons any previous connection and starts connecting to dev.
// It returns once the new attempt is under way; progress is reported
// through the connection state.
func (s *Session) Connect(dev Device) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stopLocked()
	s.budget = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	s.setState(Connecting(), dev)
	s.activity.Record(dev.Label(), CategoryConnect, "Attempting to connect to device", nil)
	go s.run(ctx, dev, done)
}

// Disconnect stops polling, closes the port and ends in Disconnected.
func (s *Session) Disconnect() { s.disconnect(false) }

// disconnect tears the connection down. With forced set the current state
// is left as is, which keeps a persistent error visible to the caller.
func (s *Session) disconnect(forced bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stopLocked()
	if !forced {
		s.setState(Disconnected(), Device{})
	}
}

// stopLocked cancels the worker and waits for it. The worker releases the
// port, smoothers and error budget on its way out.
func (s *Session) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

// run is the worker: connect, poll, and recover from link failures.
func (s *Session) run(ctx context.Context, dev Device, done chan struct{}) {
	defer close(done)
	defer s.release()

	if err := s.establish(ctx, dev); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("connection failed", "device", dev.Label(), "err", err)
		s.activity.Record(dev.Label(), CategoryError, "Connection error: "+err.Error(), nil)
		s.setState(Failed("Connection failed: "+err.Error(), false), dev)
		return
	}

	for {
		err := s.pollLoop(ctx)
		if ctx.Err() != nil {
			return
		}

		s.budget++
		s.logger.Warn("link down", "device", dev.Label(), "failures", s.budget, "err", err)
		s.activity.Record(dev.Label(), CategoryError, fmt.Sprintf("Link down (%d/%d): %v", s.budget, s.cfg.ErrorThreshold, err), nil)

		if s.budget >= s.cfg.ErrorThreshold {
			s.giveUp(dev, fmt.Sprintf("Connection lost after %d consecutive failures: %v", s.budget, err))
			return
		}

		s.setState(Failed(err.Error(), false), dev)
		s.closePort()
		s.smoothers.reset()
		s.setState(Connecting(), dev)

		if err := sleepCtx(ctx, s.cfg.ReconnectBackoff); err != nil {
			return
		}
		if err := s.establish(ctx, dev); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.giveUp(dev, "Reconnection failed: "+err.Error())
			return
		}
	}
}

// establish opens the port, initializes the adapter and enters Connected.
func (s *Session) establish(ctx context.Context, dev Device) error {
	if s.dialer == nil {
		return errors.New("obd: no dialer configured")
	}
	port, err := s.dialer.Dial(ctx, dev)
	if err != nil {
		return err
	}
	s.port = port
	s.device = dev

	engine := NewEngine(port, dev.Label(), s.cfg, s.activity, s.logger)
	if err := Initialize(ctx, engine, s.cfg); err != nil {
		s.closePort()
		return err
	}

	s.since = time.Now()
	s.setState(Connected(dev.Label()), dev)
	s.activity.Record(dev.Label(), CategoryConnect, "Successfully connected to device", nil)
	return nil
}

// giveUp enters the persistent error state. The worker's exit then
// force-disconnects without touching that state.
func (s *Session) giveUp(dev Device, msg string) {
	s.logger.Error("giving up", "device", dev.Label(), "reason", msg)
	s.activity.Record(dev.Label(), CategoryError, msg, nil)
	s.setState(Failed(msg, true), dev)
}

// release is the worker's guaranteed cleanup path.
func (s *Session) release() {
	s.closePort()
	s.smoothers.reset()
	s.budget = 0
	if s.device != (Device{}) {
		var dur *time.Duration
		if !s.since.IsZero() {
			d := time.Since(s.since)
			dur = &d
		}
		s.logger.Info("disconnected", "device", s.device.Label(), "duration", dur)
		s.activity.Record(s.device.Label(), CategoryDisconnect, "Disconnected from device", dur)
	}
	s.device = Device{}
	s.since = time.Time{}
}

func (s *Session) closePort() {
	if s.port == nil {
		return
	}
	if err := s.port.Close(); err != nil {
		s.logger.Warn("close port", "device", s.device.Label(), "err", err)
		s.activity.Record(s.device.Label(), CategoryError, "Error closing socket: "+err.Error(), nil)
	}
	s.port = nil
}

// pollLoop polls until ctx ends (nil) or the link goes down (the error).
func (s *Session) pollLoop(ctx context.Context) error {
	if s.port == nil {
		return errors.New("obd: polling started without an open port")
	}
	engine := NewEngine(s.port, s.device.Label(), s.cfg, s.activity, s.logger)
	for {
		r, err := s.pollOnce(ctx, engine)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if !r.Empty() {
			s.readings.Publish(r)
			s.activity.Record(s.device.Label(), CategoryDataRead, summarize(r), nil)
		}
		if err := sleepCtx(ctx, s.cfg.PollInterval); err != nil {
			return nil
		}
	}
}

// pollStep reads one channel into a Reading.
type pollStep struct {
	cmd   string
	apply func(s *Session, r *Reading, resp string) bool
}

// pollPlan is the fixed per-tick request order.
var pollPlan = []pollStep{
	{PIDEngineRPM, func(s *Session, r *Reading, resp string) bool {
		v, ok := decodePID(PIDEngineRPM, resp, DecodeRPM)
		if ok {
			r.RPM = ptr(s.smoothers.rpm.PushInt(v))
		}
		return ok
	}},
	{PIDVehicleSpeed, func(s *Session, r *Reading, resp string) bool {
		v, ok := decodePID(PIDVehicleSpeed, resp, DecodeSpeed)
		if ok {
			r.SpeedKmh = ptr(s.smoothers.speed.PushInt(v))
		}
		return ok
	}},
	{PIDCoolantTemp, func(s *Session, r *Reading, resp string) bool {
		v, ok := decodePID(PIDCoolantTemp, resp, DecodeTemp)
		if ok {
			r.EngineTempC = ptr(s.smoothers.engineTemp.PushInt(v))
		}
		return ok
	}},
	{PIDFuelLevel, func(s *Session, r *Reading, resp string) bool {
		v, ok := decodePID(PIDFuelLevel, resp, DecodeFuelLevel)
		if ok {
			r.FuelLevelPct = ptr(v)
		}
		return ok
	}},
	{CmdVoltage, func(s *Session, r *Reading, resp string) bool {
		v, ok := DecodeVoltage(resp)
		if ok {
			r.BatteryVoltage = ptr(s.smoothers.voltage.Push(v))
		}
		return ok
	}},
	{PIDMonitorStatus, func(s *Session, r *Reading, resp string) bool {
		v, ok := decodePID(PIDMonitorStatus, resp, DecodeMIL)
		if ok {
			r.MILOn = ptr(v)
		}
		return ok
	}},
	{PIDOilTemp, func(s *Session, r *Reading, resp string) bool {
		v, ok := decodePID(PIDOilTemp, resp, DecodeTemp)
		if ok {
			r.OilTempC = ptr(s.smoothers.oilTemp.PushInt(v))
		}
		return ok
	}},
}

func decodePID[T any](pid, resp string, decode func(string) (T, bool)) (T, bool) {
	var zero T
	payload, ok := PayloadFor(pid, resp)
	if !ok {
		return zero, false
	}
	return decode(payload)
}

// pollOnce runs one tick. Per-PID failures leave the channel empty; a
// LinkDown aborts the tick and is returned.
func (s *Session) pollOnce(ctx context.Context, engine *Engine) (Reading, error) {
	var r Reading
	for _, step := range pollPlan {
		resp, err := engine.Send(ctx, step.cmd)
		if ctx.Err() != nil {
			return Reading{}, ctx.Err()
		}
		switch KindOf(err) {
		case KindNone:
			s.budget = 0
			if !step.apply(s, &r, resp) {
				s.logger.Debug("decode failed", "device", s.device.Label(), "command", step.cmd, "response", resp)
				s.activity.Record(s.device.Label(), CategoryError, fmt.Sprintf("Bad response for %s: %q", step.cmd, resp), nil)
			}
		case KindLinkDown:
			return Reading{}, err
		case KindBusInit:
			s.logger.Debug("bus init in progress", "device", s.device.Label(), "command", step.cmd)
			s.activity.Record(s.device.Label(), CategoryError, "Bus initializing for command: "+step.cmd, nil)
			if err := sleepCtx(ctx, s.cfg.BusInitPause); err != nil {
				return Reading{}, err
			}
		case KindNegativeResponse:
			s.activity.Record(s.device.Label(), CategoryError, "Negative response for command: "+step.cmd, nil)
		default:
			s.logger.Debug("channel unavailable", "device", s.device.Label(), "command", step.cmd, "kind", KindOf(err).String())
		}
	}
	r.At = time.Now()
	return r, nil
}

func (s *Session) setState(st ConnectionState, dev Device) {
	prev := s.states.Latest()
	s.states.Publish(st)
	if prev == st {
		return
	}
	s.logger.Info("state", "from", prev.String(), "to", st.String(), "device", dev.Label())
	s.activity.Record(dev.Label(), CategoryState, fmt.Sprintf("%s -> %s", prev, st), nil)
}

func summarize(r Reading) string {
	return fmt.Sprintf("Data updated: RPM=%s, Speed=%s, Temp=%s", optStr(r.RPM), optStr(r.SpeedKmh), optStr(r.EngineTempC))
}

func optStr[T any](v *T) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprint(*v)
}
