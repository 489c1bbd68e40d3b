package obd

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateKind tags the active variant of a ConnectionState.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

// ConnectionState is the session's externally visible state. Only the
// fields belonging to Kind are meaningful:
//
//	Disconnected
//	Connecting
//	Connected{Device}
//	Error{Message, Persistent}
type ConnectionState struct {
	Kind       StateKind
	Device     string
	Message    string
	Persistent bool
}

func Disconnected() ConnectionState { return ConnectionState{Kind: StateDisconnected} }
func Connecting() ConnectionState   { return ConnectionState{Kind: StateConnecting} }

func Connected(device string) ConnectionState {
	return ConnectionState{Kind: StateConnected, Device: device}
}

func Failed(message string, persistent bool) ConnectionState {
	return ConnectionState{Kind: StateError, Message: message, Persistent: persistent}
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case StateConnected:
		return fmt.Sprintf("connected(%s)", s.Device)
	case StateError:
		if s.Persistent {
			return fmt.Sprintf("error(persistent: %s)", s.Message)
		}
		return fmt.Sprintf("error(%s)", s.Message)
	default:
		return s.Kind.String()
	}
}

// MarshalJSON emits only the payload of the active variant.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	out := struct {
		State      string `json:"state"`
		Device     string `json:"device,omitempty"`
		Message    string `json:"message,omitempty"`
		Persistent bool   `json:"persistent,omitempty"`
	}{State: s.Kind.String()}

	switch s.Kind {
	case StateConnected:
		out.Device = s.Device
	case StateError:
		out.Message = s.Message
		out.Persistent = s.Persistent
	}
	return json.Marshal(out)
}

// Reading is one poll cycle's worth of decoded, smoothed telemetry. Each
// channel is independently optional; nil means the adapter did not supply
// it this cycle. A Reading is never mutated after it is published.
type Reading struct {
	RPM            *int     `json:"rpm,omitempty"`
	SpeedKmh       *int     `json:"speedKmh,omitempty"`
	EngineTempC    *int     `json:"engineTempC,omitempty"`
	FuelLevelPct   *int     `json:"fuelLevelPct,omitempty"`
	BatteryVoltage *float64 `json:"batteryVoltage,omitempty"`
	MILOn          *bool    `json:"milOn,omitempty"`
	OilTempC       *int     `json:"oilTempC,omitempty"`

	At time.Time `json:"at"`
}

// Empty reports whether no channel was decoded.
func (r Reading) Empty() bool {
	return r.RPM == nil && r.SpeedKmh == nil && r.EngineTempC == nil &&
		r.FuelLevelPct == nil && r.BatteryVoltage == nil && r.MILOn == nil &&
		r.OilTempC == nil
}

func ptr[T any](v T) *T { return &v }
