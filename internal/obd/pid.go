package obd

import (
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// Mode 01 PIDs polled every tick.
const (
	PIDMonitorStatus = "0101" // MIL + DTC count
	PIDCoolantTemp   = "0105"
	PIDEngineRPM     = "010C"
	PIDVehicleSpeed  = "010D"
	PIDFuelLevel     = "012F"
	PIDOilTemp       = "015C"
	PIDSupported     = "0100" // supported PIDs 01-20, used as the readiness probe

	// CmdVoltage is the adapter's own battery voltage read; its reply is
	// plain text ("14.1V"), not a PID frame.
	CmdVoltage = "ATRV"
)

// PayloadFor validates that resp answers the mode-01 request pid and
// returns the data bytes following the 41<pid> header.
func PayloadFor(pid, resp string) (string, bool) {
	prefix, ok := positivePrefix(pid)
	if !ok || !strings.HasPrefix(resp, prefix) {
		return "", false
	}
	return resp[len(prefix):], true
}

func payloadBytes(payload string, n int) ([]byte, bool) {
	if len(payload) < 2*n {
		return nil, false
	}
	b, err := hex.DecodeString(payload[:2*n])
	if err != nil {
		return nil, false
	}
	return b, true
}

// DecodeRPM: ((A*256)+B)/4.
func DecodeRPM(payload string) (int, bool) {
	b, ok := payloadBytes(payload, 2)
	if !ok {
		return 0, false
	}
	return (int(b[0])*256 + int(b[1])) / 4, true
}

// DecodeSpeed: A km/h.
func DecodeSpeed(payload string) (int, bool) {
	b, ok := payloadBytes(payload, 1)
	if !ok {
		return 0, false
	}
	return int(b[0]), true
}

// DecodeTemp: A-40 °C. Used for coolant and oil temperature.
func DecodeTemp(payload string) (int, bool) {
	b, ok := payloadBytes(payload, 1)
	if !ok {
		return 0, false
	}
	return int(b[0]) - 40, true
}

// DecodeFuelLevel: A*100/255 %, integer division.
func DecodeFuelLevel(payload string) (int, bool) {
	b, ok := payloadBytes(payload, 1)
	if !ok {
		return 0, false
	}
	return int(b[0]) * 100 / 255, true
}

// DecodeMIL reports bit 7 of A (malfunction indicator lamp on).
func DecodeMIL(payload string) (bool, bool) {
	b, ok := payloadBytes(payload, 1)
	if !ok {
		return false, false
	}
	return b[0]&0x80 != 0, true
}

var floatRe = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)?`)

// DecodeVoltage parses the first number in an ATRV reply such as "14.1V".
func DecodeVoltage(resp string) (float64, bool) {
	m := floatRe.FindString(resp)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
