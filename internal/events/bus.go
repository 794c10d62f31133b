package events

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veritas-audit/veritas/internal/logger"
)

// DefaultCapacity is the bounded queue capacity from spec §4.1.
const DefaultCapacity = 500

// maxEventsPerSecond is the per-audit emission cap from spec §4.1.
const maxEventsPerSecond = 5

// coalesceWindow is the window within which findings are batched into a
// single phase_progress event, per spec §4.1.
const coalesceWindow = 200 * time.Millisecond

// ErrEngineHalted is returned by Publish once the bus has been closed.
var ErrEngineHalted = errors.New("events: bus is closed")

// Bus is the single-producer-single-consumer ordered channel of
// ProgressEvents described in spec §4.1. There is exactly one producer (the
// orchestrator and the agents it runs) and one consumer (the IPC writer).
type Bus struct {
	auditID string
	ch      chan ProgressEvent
	seq     uint64

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	// sliding window of emission timestamps for non-exempt events, used to
	// enforce the 5-events/sec cap.
	emitWindow []time.Time

	// finding coalescing state.
	pendingFindings []json.RawMessage
	pendingPhase    Phase
	flushTimer      *time.Timer
}

// NewBus creates a Bus with the given bounded capacity (0 uses the default).
func NewBus(auditID string, capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		auditID: auditID,
		ch:      make(chan ProgressEvent, capacity),
	}
}

// Events returns the channel the IPC writer should drain. It is closed once
// Close has flushed and drained all pending work.
func (b *Bus) Events() <-chan ProgressEvent {
	return b.ch
}

// Publish assigns the next sequence number and enqueues the event. It blocks
// when the bus is at capacity (backpressure, spec §4.1) and returns
// ErrEngineHalted if the bus has been closed.
//
// kind=finding payloads arriving within the coalescing window are merged
// into a single phase_progress event instead of being published
// individually; all other kinds are published as requested (subject to the
// rate limiter, unless exempt).
func (b *Bus) Publish(kind Kind, phase Phase, payload json.RawMessage) error {
	if kind == KindFinding {
		return b.publishFinding(phase, payload)
	}
	return b.emit(kind, phase, payload)
}

// publishFinding buffers a finding for coalescing. The first finding in a
// window schedules a flush after coalesceWindow; subsequent findings in the
// same window are appended to the same batch.
func (b *Bus) publishFinding(phase Phase, payload json.RawMessage) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrEngineHalted
	}
	b.pendingFindings = append(b.pendingFindings, payload)
	b.pendingPhase = phase
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(coalesceWindow, b.flushPending)
	}
	b.mu.Unlock()
	return nil
}

// flushPending emits the buffered findings as one phase_progress event.
func (b *Bus) flushPending() {
	b.mu.Lock()
	items := b.pendingFindings
	phase := b.pendingPhase
	b.pendingFindings = nil
	b.flushTimer = nil
	closed := b.closed
	b.mu.Unlock()

	if closed || len(items) == 0 {
		return
	}

	batch, err := json.Marshal(PhaseProgressBatch{Items: items})
	if err != nil {
		logger.EventBus().Error().Err(err).Msg("failed to marshal coalesced finding batch")
		return
	}
	if err := b.emit(KindPhaseProgress, phase, batch); err != nil && err != ErrEngineHalted {
		logger.EventBus().Error().Err(err).Msg("failed to emit coalesced finding batch")
	}
}

// emit applies the rate limiter (unless the kind is exempt), assigns the
// sequence number, and pushes onto the bounded channel.
func (b *Bus) emit(kind Kind, phase Phase, payload json.RawMessage) error {
	if !kind.exempt() {
		b.throttle()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrEngineHalted
	}
	seq := atomic.AddUint64(&b.seq, 1)
	b.mu.Unlock()

	event := ProgressEvent{
		AuditID:    b.auditID,
		SequenceNo: seq,
		Kind:       kind,
		Phase:      phase,
		Payload:    payload,
		Timestamp:  time.Now(),
	}

	b.ch <- event
	return nil
}

// throttle blocks the caller, if necessary, so that no more than
// maxEventsPerSecond non-exempt events are emitted in any trailing one
// second window.
func (b *Bus) throttle() {
	for {
		b.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Second)
		window := b.emitWindow[:0]
		for _, t := range b.emitWindow {
			if t.After(cutoff) {
				window = append(window, t)
			}
		}
		b.emitWindow = window

		if len(b.emitWindow) < maxEventsPerSecond {
			b.emitWindow = append(b.emitWindow, now)
			b.mu.Unlock()
			return
		}
		wait := b.emitWindow[0].Add(time.Second).Sub(now)
		b.mu.Unlock()
		if wait > 0 {
			time.Sleep(wait)
		}
	}
}

// Close is idempotent. It flushes any pending coalesced findings, marks the
// bus closed (further Publish calls fail with ErrEngineHalted), and closes
// the channel so the consumer's range loop terminates once drained.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
		}
		pending := b.pendingFindings
		phase := b.pendingPhase
		b.pendingFindings = nil
		b.closed = true
		b.mu.Unlock()

		if len(pending) > 0 {
			if batch, err := json.Marshal(PhaseProgressBatch{Items: pending}); err == nil {
				seq := atomic.AddUint64(&b.seq, 1)
				b.ch <- ProgressEvent{
					AuditID:    b.auditID,
					SequenceNo: seq,
					Kind:       KindPhaseProgress,
					Phase:      phase,
					Payload:    batch,
					Timestamp:  time.Now(),
				}
			}
		}
		close(b.ch)
	})
}
