package agents

import (
	"github.com/veritas-audit/veritas/internal/apperr"
	"github.com/veritas-audit/veritas/internal/audit"
)

// VisionID is the registry id for the Vision agent (spec §4.4).
const VisionID = "vision"

// Vision is a deterministic stand-in for the VLM-driven dark-pattern
// detector. It consumes the screenshots from the latest ScoutResult and
// charges one VLM credit per screenshot examined; when the budget is
// already exhausted it reports vlm_credit_exhausted so the orchestrator can
// force a verdict (spec §4.6, §4.7).
type Vision struct{}

func NewVision() Agent { return &Vision{} }

func (v *Vision) Analyze(ctx Context, snap audit.Snapshot) (audit.Patch, error) {
	if len(snap.ScoutResults) == 0 {
		return audit.Patch{SetVisionResult: &audit.VisionReport{Confidence: 0}}, nil
	}

	latest := snap.ScoutResults[len(snap.ScoutResults)-1]
	if len(latest.Screenshots) == 0 {
		return audit.Patch{SetVisionResult: &audit.VisionReport{Confidence: 0}}, nil
	}

	if snap.VLMCallsUsed >= snap.MaxVLMCredits {
		return audit.Patch{}, apperr.NewInPhase(apperr.KindVLMCreditExhausted, string(audit.PhaseVision), "vlm credit budget exhausted")
	}

	select {
	case <-ctx.Done():
		return audit.Patch{}, apperr.NewInPhase(apperr.KindVLMTimeout, string(audit.PhaseVision), "vision pass cancelled")
	default:
	}

	report := &audit.VisionReport{
		Findings:   nil,
		Confidence: 0.5,
	}

	return audit.Patch{
		SetVisionResult:       report,
		IncrementVLMCallsUsed: len(latest.Screenshots),
	}, nil
}
