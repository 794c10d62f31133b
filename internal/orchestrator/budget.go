// Package orchestrator implements the Budget & Deadline Tracker (C6) and
// the Orchestrator State Machine (C7) driving the five-stage audit
// pipeline.
package orchestrator

import (
	"time"

	"github.com/veritas-audit/veritas/internal/audit"
)

// TierLimits is the tier→budget mapping from spec §4.6.
type TierLimits struct {
	MaxIterations int
	MaxPages      int
	MaxVLMCredits int
	WallClock     time.Duration
}

// tierTable is the fixed mapping named in spec §4.6.
var tierTable = map[audit.Tier]TierLimits{
	audit.TierQuickScan:     {MaxIterations: 1, MaxPages: 1, MaxVLMCredits: 3, WallClock: 60 * time.Second},
	audit.TierStandardAudit: {MaxIterations: 3, MaxPages: 5, MaxVLMCredits: 12, WallClock: 180 * time.Second},
	audit.TierDeepForensic:  {MaxIterations: 5, MaxPages: 10, MaxVLMCredits: 30, WallClock: 600 * time.Second},
}

// LimitsFor returns the budget limits for tier, defaulting to
// standard_audit if tier is unrecognized.
func LimitsFor(tier audit.Tier) TierLimits {
	if limits, ok := tierTable[tier]; ok {
		return limits
	}
	return tierTable[audit.TierStandardAudit]
}

// Budget tracks the four hard-stop counters from spec §4.6. It is a plain
// value type owned by a single goroutine (the orchestrator loop), so its
// predicate methods need no locking (spec §5 "Shared resource policy").
type Budget struct {
	Limits            TierLimits
	WallClockDeadline time.Time

	Iteration      int
	PagesVisited   int
	VLMCreditsUsed int
}

// NewBudget starts the wall-clock deadline counting from now.
func NewBudget(limits TierLimits) Budget {
	return Budget{
		Limits:            limits,
		WallClockDeadline: time.Now().Add(limits.WallClock),
	}
}

func (b *Budget) IterationExhausted() bool {
	return b.Iteration >= b.Limits.MaxIterations
}

func (b *Budget) PagesExhausted() bool {
	return b.PagesVisited >= b.Limits.MaxPages
}

func (b *Budget) VLMExhausted() bool {
	return b.VLMCreditsUsed >= b.Limits.MaxVLMCredits
}

func (b *Budget) DeadlineReached() bool {
	return !time.Now().Before(b.WallClockDeadline)
}

// AnyExhausted reports whether any hard stop has been reached, which forces
// the orchestrator into the force_verdict branch at the next decision point
// (spec §4.6).
func (b *Budget) AnyExhausted() bool {
	return b.IterationExhausted() || b.PagesExhausted() || b.VLMExhausted() || b.DeadlineReached()
}

// SyncFrom updates the counters from the latest AuditState snapshot fields
// after a patch has been applied.
func (b *Budget) SyncFrom(state *audit.AuditState) {
	b.Iteration = state.Iteration
	b.PagesVisited = state.PagesVisited
	b.VLMCreditsUsed = state.VLMCallsUsed
}
