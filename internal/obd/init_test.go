package obd

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"
)

func TestInitializeSendsSequenceThenProbe(t *testing.T) {
	p := newFakePort(healthyAdapter)
	act := &recordingActivity{}
	e := NewEngine(p, "test", testConfig(), act, nil)

	if err := Initialize(context.Background(), e, testConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	want := append(slices.Clone(InitSequence), PIDSupported)
	if got := p.commands(); !slices.Equal(got, want) {
		t.Fatalf("commands = %q, want %q", got, want)
	}
	if !act.has(CategoryDataRead) {
		t.Fatalf("initialization success not recorded")
	}
}

func TestInitializeToleratesRejectedATCommand(t *testing.T) {
	p := newFakePort(func(cmd string) string {
		if cmd == "ATSTFF" {
			return "?\r\r>"
		}
		return healthyAdapter(cmd)
	})
	e := NewEngine(p, "test", testConfig(), nil, nil)

	if err := Initialize(context.Background(), e, testConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func TestInitializeAcceptsSearchingPreamble(t *testing.T) {
	p := newFakePort(func(cmd string) string {
		if cmd == PIDSupported {
			return "SEARCHING...\r41 00 BE 3E B8 13\r\r>"
		}
		return healthyAdapter(cmd)
	})
	e := NewEngine(p, "test", testConfig(), nil, nil)

	if err := Initialize(context.Background(), e, testConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func TestInitializeProbeFailure(t *testing.T) {
	for _, probe := range []string{"NO DATA\r\r>", "ERROR\r\r>", "", "41 0D 00\r\r>"} {
		p := newFakePort(func(cmd string) string {
			if cmd == PIDSupported {
				return probe
			}
			return healthyAdapter(cmd)
		})
		e := NewEngine(p, "test", testConfig(), nil, nil)

		err := Initialize(context.Background(), e, testConfig())
		if !errors.Is(err, ErrInitializationFailed) {
			t.Errorf("probe %q: err = %v, want ErrInitializationFailed", probe, err)
		}
	}
}

func TestInitializeAbortsOnLinkDown(t *testing.T) {
	p := newFakePort(healthyAdapter)
	p.readErr = io.EOF
	e := NewEngine(p, "test", testConfig(), nil, nil)

	err := Initialize(context.Background(), e, testConfig())
	if !errors.Is(err, ErrInitializationFailed) {
		t.Fatalf("err = %v, want ErrInitializationFailed", err)
	}
	if got := p.commands(); len(got) != 1 {
		t.Fatalf("sent %q after the link went down", got)
	}
}

func TestInitializeCancelled(t *testing.T) {
	p := newFakePort(healthyAdapter)
	e := NewEngine(p, "test", testConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Initialize(ctx, e, testConfig()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
