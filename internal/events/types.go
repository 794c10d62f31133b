// Package events implements the Progress Event Bus (spec §4.1): a
// single-producer-single-consumer, ordered, bounded queue of ProgressEvents
// inside the engine process, with rate limiting and finding coalescing.
package events

import (
	"encoding/json"
	"time"
)

// Kind is the discriminator for a ProgressEvent's payload shape (spec §3).
type Kind string

const (
	KindPhaseStart     Kind = "phase_start"
	KindPhaseProgress  Kind = "phase_progress"
	KindPhaseComplete  Kind = "phase_complete"
	KindFinding        Kind = "finding"
	KindScreenshot     Kind = "screenshot"
	KindLog            Kind = "log"
	KindAuditResult    Kind = "audit_result"
	KindAuditError     Kind = "audit_error"
	KindAuditComplete  Kind = "audit_complete"
)

// IsValid reports whether k is one of the kinds named in spec §3.
func (k Kind) IsValid() bool {
	switch k {
	case KindPhaseStart, KindPhaseProgress, KindPhaseComplete, KindFinding,
		KindScreenshot, KindLog, KindAuditResult, KindAuditError, KindAuditComplete:
		return true
	default:
		return false
	}
}

// exempt reports whether this kind is never throttled or coalesced (spec §4.1).
func (k Kind) exempt() bool {
	return k == KindAuditResult || k == KindAuditError || k == KindAuditComplete
}

// Phase identifies which stage of the pipeline an event belongs to.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseScout    Phase = "scout"
	PhaseSecurity Phase = "security"
	PhaseVision   Phase = "vision"
	PhaseGraph    Phase = "graph"
	PhaseJudge    Phase = "judge"
)

// ProgressEvent is the sole unit of engine-to-API communication (spec §3, §6).
type ProgressEvent struct {
	AuditID     string          `json:"audit_id"`
	SequenceNo  uint64          `json:"sequence_no"`
	Kind        Kind            `json:"kind"`
	Phase       Phase           `json:"phase,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PhaseCompletePayload is the payload shape for a phase_complete event.
type PhaseCompletePayload struct {
	DurationMS   int64  `json:"duration_ms"`
	FindingCount int    `json:"finding_count,omitempty"`
	Error        string `json:"error,omitempty"`
}

// PhaseProgressBatch is the payload shape used when coalescing findings
// that arrived within the 200ms coalescing window into one phase_progress
// event (spec §4.1).
type PhaseProgressBatch struct {
	Items []json.RawMessage `json:"items"`
}
