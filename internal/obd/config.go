package obd

import "time"

// Config holds the session's timing and policy knobs. Non-positive
// timeouts, intervals and thresholds fall back to DefaultConfig; the pauses
// may be zero.
type Config struct {
	// CommandTimeout bounds one command/response exchange.
	CommandTimeout time.Duration
	// ReadSlice is the per-Read timeout used while framing; it bounds how
	// long a cancellation can go unnoticed inside a read.
	ReadSlice time.Duration
	// ReconnectBackoff is the pause before an internal reconnect.
	ReconnectBackoff time.Duration
	// PollInterval is the sleep between poll ticks.
	PollInterval time.Duration
	// BusInitPause is the pause after a BUS INIT response.
	BusInitPause time.Duration
	// ResetSettle is the pause after ATZ and after the protocol is set.
	ResetSettle time.Duration
	// CommandPause is the pause between initialization commands.
	CommandPause time.Duration
	// ErrorThreshold is the number of consecutive link failures that ends
	// the session in a persistent error.
	ErrorThreshold int
}

// DefaultConfig returns the timings that work with common ELM327 clones.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:   2 * time.Second,
		ReadSlice:        defaultReadSlice,
		ReconnectBackoff: 1 * time.Second,
		PollInterval:     200 * time.Millisecond,
		BusInitPause:     500 * time.Millisecond,
		ResetSettle:      1 * time.Second,
		CommandPause:     100 * time.Millisecond,
		ErrorThreshold:   3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.ReadSlice <= 0 {
		c.ReadSlice = d.ReadSlice
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = d.ReconnectBackoff
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BusInitPause < 0 {
		c.BusInitPause = 0
	}
	if c.ResetSettle < 0 {
		c.ResetSettle = 0
	}
	if c.CommandPause < 0 {
		c.CommandPause = 0
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	return c
}
