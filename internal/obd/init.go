package obd

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInitializationFailed means the adapter did not pass the readiness
// probe after the bring-up sequence.
var ErrInitializationFailed = errors.New("obd: initialization failed")

// InitSequence is the ELM327 bring-up, in order.
var InitSequence = []string{
	"ATZ",    // reset
	"ATE0",   // echo off
	"ATSP0",  // protocol auto-select
	"ATH0",   // headers off
	"ATS0",   // spaces off
	"ATL0",   // linefeeds off
	"ATSTFF", // response timeout to max
	"ATAT1",  // adaptive timing
}

// Initialize runs the bring-up sequence on e and probes for supported PIDs.
// A failed AT command is logged and skipped; a lost link or a failed probe
// aborts with an error wrapping ErrInitializationFailed.
func Initialize(ctx context.Context, e *Engine, cfg Config) error {
	for _, cmd := range InitSequence {
		resp, err := e.Send(ctx, cmd)
		if fatal := abortInit(ctx, cmd, err); fatal != nil {
			return fatal
		}
		if err != nil {
			e.logger.Warn("init command failed", "device", e.device, "command", cmd, "response", resp, "err", err)
		}

		pause := cfg.CommandPause
		if cmd == "ATZ" {
			pause = cfg.ResetSettle
		}
		if err := sleepCtx(ctx, pause); err != nil {
			return err
		}
	}

	// Let the adapter settle on a protocol before the first real request.
	if err := sleepCtx(ctx, cfg.ResetSettle); err != nil {
		return err
	}

	resp, err := e.Send(ctx, PIDSupported)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("%w: probe %s: %w", ErrInitializationFailed, PIDSupported, err)
	}
	if _, ok := PayloadFor(PIDSupported, resp); !ok {
		return fmt.Errorf("%w: probe %s: unexpected response %q", ErrInitializationFailed, PIDSupported, resp)
	}

	e.logger.Info("adapter initialized", "device", e.device)
	e.activity.Record(e.device, CategoryDataRead, "OBD initialization successful", nil)
	return nil
}

func abortInit(ctx context.Context, cmd string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if KindOf(err) == KindLinkDown {
		return fmt.Errorf("%w: %s: %w", ErrInitializationFailed, cmd, err)
	}
	return nil
}

// sleepCtx pauses for d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
