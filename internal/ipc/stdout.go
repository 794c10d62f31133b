package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/veritas-audit/veritas/internal/events"
)

// progressPrefix is the literal marker (spec §4.2, §6) that precedes every
// Stdout-mode event line. Consumers must ignore any line without it.
const progressPrefix = "##PROGRESS:"

// StdoutWriter implements Writer for Stdout-mode: each ProgressEvent is
// JSON-encoded onto a single line, prefixed with progressPrefix. The
// underlying writer must carry nothing else — no diagnostic logging may
// share this stream (spec §4.8).
type StdoutWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdoutWriter wraps w (normally os.Stdout of the engine process) as a
// Stdout-mode Writer.
func NewStdoutWriter(w io.Writer) *StdoutWriter {
	return &StdoutWriter{w: w}
}

func (s *StdoutWriter) WriteEvent(event events.ProgressEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ipc: encode event: %w", err)
	}
	// Multi-line JSON is not permitted (spec §4.2); json.Marshal never
	// emits embedded newlines for this payload shape, so a single Write
	// suffices.
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "%s%s\n", progressPrefix, line); err != nil {
		return fmt.Errorf("ipc: write line: %w", err)
	}
	return nil
}

func (s *StdoutWriter) Close() error {
	return nil
}

// StdoutReader implements Reader for Stdout-mode. It scans lines, discards
// anything without progressPrefix (stray prints from the child process),
// and decodes the remainder. A sequence gap resynchronizes on the next
// valid prefixed line and is reported via ErrGap rather than treated as
// fatal.
type StdoutReader struct {
	scanner *bufio.Scanner
	seq     LastSequence
}

// NewStdoutReader wraps r (normally the engine subprocess's stdout pipe) as
// a Stdout-mode Reader.
func NewStdoutReader(r io.Reader) *StdoutReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &StdoutReader{scanner: scanner}
}

func (s *StdoutReader) ReadEvent() (events.ProgressEvent, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		rest, ok := strings.CutPrefix(line, progressPrefix)
		if !ok {
			// Stray line from the child process; ignore and keep scanning.
			continue
		}

		var event events.ProgressEvent
		if err := json.Unmarshal([]byte(rest), &event); err != nil {
			// Malformed prefixed line: drop it and resynchronize on the
			// next valid line, per spec §4.2's loss tolerance for
			// Stdout-mode.
			continue
		}

		if s.seq.Observe(event.SequenceNo) {
			return event, fmt.Errorf("%w: stdout-mode sequence_no=%d", ErrGap, event.SequenceNo)
		}
		return event, nil
	}
	if err := s.scanner.Err(); err != nil {
		return events.ProgressEvent{}, fmt.Errorf("ipc: scan stdout: %w", err)
	}
	return events.ProgressEvent{}, io.EOF
}
