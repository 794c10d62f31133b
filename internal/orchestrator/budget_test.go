package orchestrator

import (
	"testing"
	"time"

	"github.com/veritas-audit/veritas/internal/audit"
)

func TestLimitsForKnownTiers(t *testing.T) {
	cases := map[audit.Tier]int{
		audit.TierQuickScan:     1,
		audit.TierStandardAudit: 3,
		audit.TierDeepForensic:  5,
	}
	for tier, wantIterations := range cases {
		limits := LimitsFor(tier)
		if limits.MaxIterations != wantIterations {
			t.Errorf("tier %s: expected max_iterations=%d, got %d", tier, wantIterations, limits.MaxIterations)
		}
	}
}

func TestLimitsForUnknownTierDefaultsToStandard(t *testing.T) {
	got := LimitsFor(audit.Tier("bogus"))
	want := LimitsFor(audit.TierStandardAudit)
	if got != want {
		t.Errorf("expected default to standard_audit limits, got %+v", got)
	}
}

func TestBudgetPredicates(t *testing.T) {
	budget := NewBudget(TierLimits{MaxIterations: 2, MaxPages: 2, MaxVLMCredits: 2, WallClock: time.Hour})

	if budget.IterationExhausted() || budget.PagesExhausted() || budget.VLMExhausted() || budget.DeadlineReached() {
		t.Fatal("expected no predicate true at budget creation")
	}

	budget.Iteration = 2
	if !budget.IterationExhausted() {
		t.Error("expected iteration_exhausted once iteration reaches max")
	}

	budget.WallClockDeadline = time.Now().Add(-time.Second)
	if !budget.DeadlineReached() {
		t.Error("expected deadline_reached once past wall clock deadline")
	}

	if !budget.AnyExhausted() {
		t.Error("expected AnyExhausted true when any predicate is true")
	}
}
