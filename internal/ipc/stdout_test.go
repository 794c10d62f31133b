package ipc

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/veritas-audit/veritas/internal/events"
)

func TestStdoutRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writer := NewStdoutWriter(&buf)

	evt := events.ProgressEvent{
		AuditID:    "audit-1",
		SequenceNo: 1,
		Kind:       events.KindPhaseStart,
		Phase:      events.PhaseScout,
		Payload:    json.RawMessage(`{"url":"https://example.com"}`),
		Timestamp:  time.Now(),
	}
	if err := writer.WriteEvent(evt); err != nil {
		t.Fatalf("write event: %v", err)
	}

	if !strings.HasPrefix(buf.String(), progressPrefix) {
		t.Fatalf("expected line to start with %q, got %q", progressPrefix, buf.String())
	}

	reader := NewStdoutReader(&buf)
	got, err := reader.ReadEvent()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.AuditID != evt.AuditID || got.SequenceNo != evt.SequenceNo {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestStdoutReaderDiscardsStrayLines(t *testing.T) {
	input := "some debug text printed by accident\n" +
		progressPrefix + `{"audit_id":"a","sequence_no":1,"kind":"log","payload":{}}` + "\n" +
		"another stray line\n"

	reader := NewStdoutReader(strings.NewReader(input))
	evt, err := reader.ReadEvent()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.SequenceNo != 1 {
		t.Errorf("expected sequence_no 1, got %d", evt.SequenceNo)
	}

	if _, err := reader.ReadEvent(); err != io.EOF {
		t.Fatalf("expected io.EOF after stray trailing line, got %v", err)
	}
}

func TestStdoutReaderDropsMalformedLineAndResyncs(t *testing.T) {
	input := progressPrefix + `{not valid json` + "\n" +
		progressPrefix + `{"audit_id":"a","sequence_no":5,"kind":"log","payload":{}}` + "\n"

	reader := NewStdoutReader(strings.NewReader(input))
	evt, err := reader.ReadEvent()
	if err != nil {
		t.Fatalf("expected resync to succeed, got error: %v", err)
	}
	if evt.SequenceNo != 5 {
		t.Errorf("expected sequence_no 5 after resync, got %d", evt.SequenceNo)
	}
}

func TestStdoutReaderReportsGapWithoutDroppingEvent(t *testing.T) {
	input := progressPrefix + `{"audit_id":"a","sequence_no":1,"kind":"log","payload":{}}` + "\n" +
		progressPrefix + `{"audit_id":"a","sequence_no":4,"kind":"log","payload":{}}` + "\n"

	reader := NewStdoutReader(strings.NewReader(input))
	if _, err := reader.ReadEvent(); err != nil {
		t.Fatalf("read first event: %v", err)
	}

	evt, err := reader.ReadEvent()
	if err == nil {
		t.Fatal("expected gap error on second event")
	}
	if evt.SequenceNo != 4 {
		t.Errorf("expected gap event to still be returned with sequence_no 4, got %d", evt.SequenceNo)
	}
}
