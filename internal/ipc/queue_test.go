package ipc

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/veritas-audit/veritas/internal/events"
)

func TestQueueRoundTripPreservesOrder(t *testing.T) {
	var buf bytes.Buffer
	writer := NewQueueWriter(&buf)

	for i := uint64(1); i <= 5; i++ {
		evt := events.ProgressEvent{
			AuditID:    "audit-1",
			SequenceNo: i,
			Kind:       events.KindPhaseProgress,
			Phase:      events.PhaseScout,
			Payload:    json.RawMessage(`{}`),
			Timestamp:  time.Now(),
		}
		if err := writer.WriteEvent(evt); err != nil {
			t.Fatalf("write event %d: %v", i, err)
		}
	}

	reader := NewQueueReader(&buf)
	for i := uint64(1); i <= 5; i++ {
		evt, err := reader.ReadEvent()
		if err != nil {
			t.Fatalf("read event %d: %v", i, err)
		}
		if evt.SequenceNo != i {
			t.Errorf("expected sequence_no %d, got %d", i, evt.SequenceNo)
		}
	}

	if _, err := reader.ReadEvent(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestQueueReaderDetectsGap(t *testing.T) {
	var buf bytes.Buffer
	writer := NewQueueWriter(&buf)

	writer.WriteEvent(events.ProgressEvent{AuditID: "a", SequenceNo: 1, Kind: events.KindLog, Payload: json.RawMessage(`{}`)})
	writer.WriteEvent(events.ProgressEvent{AuditID: "a", SequenceNo: 3, Kind: events.KindLog, Payload: json.RawMessage(`{}`)})

	reader := NewQueueReader(&buf)
	if _, err := reader.ReadEvent(); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	_, err := reader.ReadEvent()
	if err == nil {
		t.Fatal("expected gap error on second event")
	}
}
