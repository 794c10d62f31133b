// Package ipc implements the two interchangeable transports that carry
// ProgressEvents from the engine process to the Runner (spec §4.2):
// Queue-mode, a length-prefixed msgpack-encoded framed stream over a pipe,
// and Stdout-mode, a ##PROGRESS:-prefixed JSON-lines fallback.
//
// Both modes preserve strict per-audit ordering. Queue-mode is lossless;
// Stdout-mode may drop malformed lines, in which case the reader
// re-synchronizes on the next valid prefixed line and records a gap.
package ipc

import (
	"errors"

	"github.com/veritas-audit/veritas/internal/events"
)

// Mode names the transport in use, recorded verbatim in audits.ipc_mode.
type Mode string

const (
	ModeQueue  Mode = "queue"
	ModeStdout Mode = "stdout"
)

// ErrGap is returned (wrapped) by a Reader when it detects a discontinuity
// in sequence_no — a Stdout-mode line was dropped or malformed, or a
// Queue-mode frame went missing. The caller should record the gap and keep
// reading; it is not fatal.
var ErrGap = errors.New("ipc: sequence gap detected")

// Writer is implemented by the engine side: it encodes and emits
// ProgressEvents read off the event bus.
type Writer interface {
	// WriteEvent emits a single event. Implementations must not reorder or
	// buffer across calls in a way that could violate per-audit ordering.
	WriteEvent(event events.ProgressEvent) error

	// Close flushes and releases any underlying resources.
	Close() error
}

// Reader is implemented by the Runner side: it decodes ProgressEvents from
// the chosen transport in arrival order.
type Reader interface {
	// ReadEvent blocks until the next event is available, the stream ends
	// (returns io.EOF), or a transport error occurs. A returned error
	// wrapping ErrGap is non-fatal: the caller should log the gap and call
	// ReadEvent again.
	ReadEvent() (events.ProgressEvent, error)
}

// LastSequence tracks the last sequence number seen by a Reader, used by
// both QueueReader and StdoutReader to detect gaps.
type LastSequence struct {
	seen bool
	last uint64
}

// Observe records seq and reports whether a gap exists between it and the
// previously observed sequence number (seq > last+1).
func (s *LastSequence) Observe(seq uint64) bool {
	gap := false
	if s.seen && seq > s.last+1 {
		gap = true
	}
	s.seen = true
	s.last = seq
	return gap
}
