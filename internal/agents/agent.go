// Package agents implements the Agent Contracts (spec §4.4): the five
// pipeline agents — Scout, Security, Vision, Graph, Judge — all sharing the
// shape `analyze(snapshot of AuditState, ctx) → patch OR error`.
//
// This distillation ships deterministic stand-in implementations: they
// exercise the full contract (timeouts, cancellation, error kinds,
// mid-run event emission) without calling out to a real browser, VLM, or
// OSINT provider. A production deployment swaps these for real
// implementations registered under the same ids.
package agents

import (
	"context"

	"github.com/veritas-audit/veritas/internal/audit"
	"github.com/veritas-audit/veritas/internal/events"
)

// Context carries everything an agent needs beyond the read-only snapshot:
// a handle to the event bus for mid-run emission, cancellation, and the
// audit_id (spec §4.4).
type Context struct {
	context.Context

	AuditID string
	Bus     *events.Bus
	Phase   events.Phase

	// ForceFinalize is set when the orchestrator invokes Judge from
	// force_verdict (spec §4.7 "show must go on"): the synthesis must
	// produce a verdict outright, so Judge must not request further
	// investigation no matter what evidence looks unsettled.
	ForceFinalize bool
}

// Emit publishes a sub-event on the caller's behalf, tagged with the
// agent's phase. Agents use this for findings, screenshots, and logs
// surfaced mid-run (spec §4.5 "Event proxy").
func (c Context) Emit(kind events.Kind, payload []byte) error {
	return c.Bus.Publish(kind, c.Phase, payload)
}

// Agent is the shape every pipeline stage's worker implements (spec §4.4).
type Agent interface {
	// Analyze runs one invocation against a read-only snapshot of the
	// audit and returns a patch to apply, or an error. The error's
	// concrete type should be *apperr.AppError so the stage runner can
	// classify it.
	Analyze(ctx Context, snapshot audit.Snapshot) (audit.Patch, error)
}
