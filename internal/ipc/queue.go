package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/veritas-audit/veritas/internal/events"
)

// lengthPrefixSize is the size, in bytes, of the big-endian frame length
// prefix that precedes every msgpack-encoded ProgressEvent in Queue-mode.
const lengthPrefixSize = 4

// maxFrameSize bounds a single encoded event; a value far above any
// realistic ProgressEvent but small enough to reject a corrupt prefix
// before attempting to allocate for it.
const maxFrameSize = 4 * 1024 * 1024

// QueueWriter implements Writer for Queue-mode: each ProgressEvent is
// msgpack-encoded and written as a length-prefixed frame to the pipe shared
// with the Runner. On platforms without a native cross-process queue this
// degrades gracefully to the same framed stream over an os.Pipe file
// descriptor, which is what the engine always uses in practice.
type QueueWriter struct {
	w io.Writer
}

// NewQueueWriter wraps w (typically the write end of a pipe passed to the
// engine subprocess) as a Queue-mode Writer.
func NewQueueWriter(w io.Writer) *QueueWriter {
	return &QueueWriter{w: w}
}

func (q *QueueWriter) WriteEvent(event events.ProgressEvent) error {
	payload, err := msgpack.Marshal(event)
	if err != nil {
		return fmt.Errorf("ipc: encode event: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("ipc: encoded event exceeds max frame size (%d > %d)", len(payload), maxFrameSize)
	}

	frame := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(payload)))
	copy(frame[lengthPrefixSize:], payload)

	if _, err := q.w.Write(frame); err != nil {
		return fmt.Errorf("ipc: write frame: %w", err)
	}
	return nil
}

func (q *QueueWriter) Close() error {
	if c, ok := q.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// QueueReader implements Reader for Queue-mode.
type QueueReader struct {
	r   *bufio.Reader
	seq LastSequence
}

// NewQueueReader wraps r (the read end of the pipe) as a Queue-mode Reader.
func NewQueueReader(r io.Reader) *QueueReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &QueueReader{r: br}
}

func (q *QueueReader) ReadEvent() (events.ProgressEvent, error) {
	var lengthBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(q.r, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return events.ProgressEvent{}, io.EOF
		}
		return events.ProgressEvent{}, fmt.Errorf("ipc: read length prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(lengthBuf[:])
	if size > maxFrameSize {
		return events.ProgressEvent{}, fmt.Errorf("ipc: frame size %d exceeds maximum %d", size, maxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(q.r, payload); err != nil {
		return events.ProgressEvent{}, fmt.Errorf("ipc: read frame payload: %w", err)
	}

	var event events.ProgressEvent
	if err := msgpack.Unmarshal(payload, &event); err != nil {
		return events.ProgressEvent{}, fmt.Errorf("ipc: decode event: %w", err)
	}

	// Queue-mode is lossless by contract (spec §4.2); a gap here indicates
	// a transport bug rather than an expected condition, but it is still
	// surfaced rather than silently accepted.
	if q.seq.Observe(event.SequenceNo) {
		return event, fmt.Errorf("%w: queue-mode sequence_no=%d", ErrGap, event.SequenceNo)
	}
	return event, nil
}
