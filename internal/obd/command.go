package obd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrorKind classifies a failed command exchange.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindNoData: the PID is unavailable this cycle.
	KindNoData
	// KindAdapterError: the adapter rejected or did not understand the command.
	KindAdapterError
	// KindLinkDown: the transport or the vehicle link is gone. Only this kind
	// escalates to the session's reconnect policy.
	KindLinkDown
	// KindBusInit: the adapter is (re)initialising the vehicle bus.
	KindBusInit
	// KindNegativeResponse: the ECU answered with a 7F negative response.
	KindNegativeResponse
	// KindTimeout: no bytes before the command deadline.
	KindTimeout
	// KindBadFormat: the response header did not match the request.
	KindBadFormat
)

var kindNames = map[ErrorKind]string{
	KindNone:             "none",
	KindNoData:           "no data",
	KindAdapterError:     "adapter error",
	KindLinkDown:         "link down",
	KindBusInit:          "bus init",
	KindNegativeResponse: "negative response",
	KindTimeout:          "timeout",
	KindBadFormat:        "bad format",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// CommandError describes why a command produced no usable response.
type CommandError struct {
	Kind     ErrorKind
	Command  string
	Response string // cleaned response text, if any
	Err      error  // underlying I/O error, if any
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "obd: %s: %s", e.Command, e.Kind)
	if e.Response != "" {
		fmt.Fprintf(&b, " (%q)", e.Response)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CommandError) Unwrap() error { return e.Err }

// KindOf returns the classification carried by err, KindNone for nil and
// KindLinkDown for any unclassified transport failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, ErrTransport) {
		return KindLinkDown
	}
	return KindAdapterError
}

// Activity categories reported to the ActivityLog.
const (
	CategoryDeviceFound = "DEVICE_FOUND"
	CategoryConnect     = "CONNECT"
	CategoryDataRead    = "DATA_READ"
	CategoryDisconnect  = "DISCONNECT"
	CategoryError       = "ERROR"
	CategoryState       = "STATE"
	CategoryCommand     = "COMMAND"
)

// ActivityLog is a fire-and-forget sink for human-readable diagnostics.
// Implementations must not block; the core never looks at the outcome.
type ActivityLog interface {
	Record(device, category, message string, duration *time.Duration)
}

type nopActivity struct{}

func (nopActivity) Record(string, string, string, *time.Duration) {}

// Engine runs one synchronous command/response exchange at a time over a
// Port. It is not safe for concurrent use; the session owns it.
type Engine struct {
	port     Port
	framer   *Framer
	timeout  time.Duration
	device   string
	activity ActivityLog
	logger   *slog.Logger
}

func NewEngine(port Port, device string, cfg Config, activity ActivityLog, logger *slog.Logger) *Engine {
	if activity == nil {
		activity = nopActivity{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		port:     port,
		framer:   NewFramer(port, cfg.ReadSlice),
		timeout:  cfg.CommandTimeout,
		device:   device,
		activity: activity,
		logger:   logger,
	}
}

// Send writes cmd, waits for the framed answer and classifies it. The
// returned text is the cleaned response; on error it is still returned when
// one was received.
func (e *Engine) Send(ctx context.Context, cmd string) (string, error) {
	resp, err := e.exchange(ctx, cmd)
	e.report(cmd, resp, err)
	return resp, err
}

func (e *Engine) exchange(ctx context.Context, cmd string) (string, error) {
	if err := e.framer.Discard(); err != nil {
		return "", &CommandError{Kind: KindLinkDown, Command: cmd, Err: err}
	}
	if _, err := e.port.Write([]byte(cmd + "\r")); err != nil {
		return "", &CommandError{Kind: KindLinkDown, Command: cmd, Err: err}
	}

	raw, err := e.framer.ReadFrame(ctx, time.Now().Add(e.timeout))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &CommandError{Kind: KindLinkDown, Command: cmd, Err: err}
	}

	resp := Clean(raw, cmd)
	if kind := Classify(cmd, resp); kind != KindNone {
		return resp, &CommandError{Kind: kind, Command: cmd, Response: resp}
	}
	return resp, nil
}

func (e *Engine) report(cmd, resp string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	msg := fmt.Sprintf("%s -> %q", cmd, resp)
	if err != nil {
		msg = fmt.Sprintf("%s -> %q [%s]", cmd, resp, KindOf(err))
	}
	e.logger.Debug("exchange", "device", e.device, "command", cmd, "response", resp, "kind", KindOf(err).String())
	e.activity.Record(e.device, CategoryCommand, msg, nil)
}

// Classify maps a cleaned response to an error kind, KindNone when the
// response is usable.
func Classify(cmd, resp string) ErrorKind {
	switch {
	case resp == "":
		return KindTimeout
	case strings.Contains(resp, "NODATA"):
		return KindNoData
	case strings.Contains(resp, "UNABLETOCONNECT"), strings.Contains(resp, "STOPPED"):
		return KindLinkDown
	case strings.Contains(resp, "BUSINIT"):
		return KindBusInit
	case strings.Contains(resp, "?"), strings.Contains(resp, "ERROR"):
		return KindAdapterError
	case strings.Contains(resp, "7F") && !hasPositivePrefix(cmd, resp):
		return KindNegativeResponse
	}
	return KindNone
}

// hasPositivePrefix reports whether resp starts with the positive answer to
// a diagnostic request: the mode plus 0x40 followed by the echoed PID.
func hasPositivePrefix(cmd, resp string) bool {
	prefix, ok := positivePrefix(cmd)
	return ok && strings.HasPrefix(resp, prefix)
}

func positivePrefix(cmd string) (string, bool) {
	cmd = strings.ToUpper(strings.ReplaceAll(cmd, " ", ""))
	if len(cmd) < 4 || strings.HasPrefix(cmd, "AT") || !isHex(cmd) {
		return "", false
	}
	mode := cmd[:2]
	if mode[0] != '0' {
		return "", false
	}
	return "4" + mode[1:] + cmd[2:4], true
}

func isHex(s string) bool {
	for _, r := range s {
		if !('0' <= r && r <= '9' || 'A' <= r && r <= 'F' || 'a' <= r && r <= 'f') {
			return false
		}
	}
	return s != ""
}
