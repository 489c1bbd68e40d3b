package obd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Prompt terminates every ELM327 response.
const Prompt = '>'

// ErrTransport marks a failure of the underlying byte stream (closed port,
// broken pipe, reset). The framer never retries; the session decides.
var ErrTransport = errors.New("obd: transport failure")

const defaultReadSlice = 50 * time.Millisecond

// Framer accumulates adapter output into prompt-terminated responses.
type Framer struct {
	port    Port
	slice   time.Duration // per-Read timeout, bounds how long a cancel can go unnoticed
	pending []byte        // bytes read past the last prompt
}

func NewFramer(port Port, slice time.Duration) *Framer {
	if slice <= 0 {
		slice = defaultReadSlice
	}
	return &Framer{port: port, slice: slice}
}

// Discard drops stale bytes, both ours and the driver's.
func (f *Framer) Discard() error {
	f.pending = nil
	return f.port.ResetInputBuffer()
}

// ReadFrame reads until the prompt byte or the deadline. It returns the raw
// text preceding the first prompt; anything after the prompt is held back
// for the next frame. On deadline the partial text read so far is returned,
// which is the empty string when the adapter sent nothing.
func (f *Framer) ReadFrame(ctx context.Context, deadline time.Time) (string, error) {
	if err := f.port.SetReadTimeout(f.slice); err != nil {
		return "", fmt.Errorf("%w: set read timeout: %w", ErrTransport, err)
	}

	buf := f.pending
	f.pending = nil
	chunk := make([]byte, 256)

	for {
		if i := bytes.IndexByte(buf, Prompt); i >= 0 {
			if rest := buf[i+1:]; len(rest) > 0 {
				f.pending = append([]byte(nil), rest...)
			}
			return string(buf[:i]), nil
		}
		if err := ctx.Err(); err != nil {
			return string(buf), err
		}
		if !time.Now().Before(deadline) {
			return string(buf), nil
		}

		n, err := f.port.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return string(buf), fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
	}
}

// Clean normalizes a raw response: a leading echo of cmd is removed, then a
// SEARCHING... line from protocol auto-detect, then all whitespace and
// prompt characters, and the result is upper-cased. Cleaning already clean
// text returns it unchanged.
//
// The echo is recognized as a first line equal to cmd, not as any leading
// run of hex digits followed by CR, so a multi-line hex payload keeps its
// first line.
func Clean(raw, cmd string) string {
	raw = stripSearching(stripEcho(raw, cmd))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == Prompt {
			return -1
		}
		return unicode.ToUpper(r)
	}, raw)
}

// stripEcho removes the first line when it repeats the command we sent.
// A hex payload line on its own is never mistaken for an echo.
func stripEcho(raw, cmd string) string {
	if cmd == "" {
		return raw
	}
	line, rest, found := strings.Cut(raw, "\r")
	if !found {
		return raw
	}
	if strings.EqualFold(strings.Join(strings.Fields(line), ""), strings.ReplaceAll(cmd, " ", "")) {
		return rest
	}
	return raw
}

// stripSearching removes the "SEARCHING..." line an adapter in automatic
// protocol mode prints before its first reply after a reset.
func stripSearching(raw string) string {
	line, rest, found := strings.Cut(raw, "\r")
	if !found {
		return raw
	}
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(line)), "SEARCHING") {
		return rest
	}
	return raw
}
