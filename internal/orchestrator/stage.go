package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/veritas-audit/veritas/internal/agents"
	"github.com/veritas-audit/veritas/internal/apperr"
	"github.com/veritas-audit/veritas/internal/audit"
	"github.com/veritas-audit/veritas/internal/events"
	"github.com/veritas-audit/veritas/internal/logger"
)

// phaseTimeouts are the per-stage timeout caps from spec §4.5.
var phaseTimeouts = map[audit.Phase]time.Duration{
	audit.PhaseScout:    60 * time.Second,
	audit.PhaseSecurity: 30 * time.Second,
	audit.PhaseVision:   45 * time.Second,
	audit.PhaseGraph:    30 * time.Second,
	audit.PhaseJudge:    10 * time.Second,
}

// scoutMaxRetries and the backoff schedule implement spec §4.5's retry
// policy: "Scout retries on transient network errors up to 3 times with
// exponential backoff (initial 1s, cap 30s); other stages do not retry."
const scoutMaxRetries = 3

const (
	scoutBackoffInitial = time.Second
	scoutBackoffCap     = 30 * time.Second
)

// transientScoutKinds are the error kinds that qualify for Scout's retry
// policy; a navigation/DNS failure is transient, a blocked navigation is
// handled by the state machine's own backoff transition instead (spec §4.7:
// "bot_blocked/captcha_blocked ... scout (same URL, backoff)").
var transientScoutKinds = map[string]bool{
	apperr.KindNavigationTimeout: true,
	apperr.KindDNSFailed:         true,
}

// StageRunner wraps an Agent with the lifecycle from spec §4.5: enter,
// invoke with a derived deadline, event proxy (handled by the agent's own
// Context.Emit calls), and complete/fail.
type StageRunner struct {
	bus *events.Bus
}

// NewStageRunner builds a StageRunner publishing through bus.
func NewStageRunner(bus *events.Bus) *StageRunner {
	return &StageRunner{bus: bus}
}

// Run executes one stage invocation of the agent registered under agentID
// for the given phase, against the current state. ctx should carry the
// audit's overall cancellation signal; Run derives a stage-scoped deadline
// from it and the remaining wall-clock budget.
func (r *StageRunner) Run(ctx context.Context, phase audit.Phase, agentID string, state *audit.AuditState, budget *Budget) audit.Patch {
	start := time.Now()
	r.publishPhaseStart(phase)

	var patch audit.Patch
	var failure error

	if phase == audit.PhaseScout {
		patch, failure = r.runWithRetry(ctx, phase, agentID, state, budget)
	} else {
		patch, failure = r.invoke(ctx, phase, agentID, state, budget)
	}

	duration := time.Since(start)
	if failure != nil {
		patch.AppendErrors = append(patch.AppendErrors, toErrorRecord(phase, failure))
		r.publishPhaseComplete(phase, duration, 0, failure)
	} else {
		r.publishPhaseComplete(phase, duration, findingCount(phase, patch), nil)
	}

	return patch
}

// runWithRetry implements Scout's exponential-backoff retry policy. Only
// transient network errors are retried; a blocked navigation is returned
// immediately so the orchestrator's own backoff transition (spec §4.7)
// applies instead of double-counting failures.
func (r *StageRunner) runWithRetry(ctx context.Context, phase audit.Phase, agentID string, state *audit.AuditState, budget *Budget) (audit.Patch, error) {
	backoff := scoutBackoffInitial

	var patch audit.Patch
	var failure error

	for attempt := 0; attempt <= scoutMaxRetries; attempt++ {
		patch, failure = r.invoke(ctx, phase, agentID, state, budget)
		if failure == nil {
			return patch, nil
		}

		appErr, ok := failure.(*apperr.AppError)
		if !ok || !transientScoutKinds[appErr.Kind] || attempt == scoutMaxRetries {
			return patch, failure
		}

		select {
		case <-ctx.Done():
			return patch, failure
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > scoutBackoffCap {
			backoff = scoutBackoffCap
		}
	}
	return patch, failure
}

// invoke derives the stage deadline (min of remaining budget and the
// per-phase cap) and calls the agent.
func (r *StageRunner) invoke(ctx context.Context, phase audit.Phase, agentID string, state *audit.AuditState, budget *Budget) (audit.Patch, error) {
	cap := phaseTimeouts[phase]
	remaining := time.Until(budget.WallClockDeadline)
	deadline := cap
	if remaining < deadline {
		deadline = remaining
	}
	if deadline < 0 {
		deadline = 0
	}

	stageCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	agent := agents.New(agentID)
	agentCtx := agents.Context{
		Context: stageCtx,
		AuditID: state.AuditID,
		Bus:     r.bus,
		Phase:   events.Phase(phase),
	}

	patch, err := agent.Analyze(agentCtx, state.Snapshot())
	if err != nil {
		return patch, err
	}
	return patch, nil
}

func (r *StageRunner) publishPhaseStart(phase audit.Phase) {
	payload, _ := json.Marshal(struct{}{})
	if err := r.bus.Publish(events.KindPhaseStart, events.Phase(phase), payload); err != nil {
		logger.Stage().Warn().Err(err).Str("phase", string(phase)).Msg("failed to publish phase_start")
	}
}

func (r *StageRunner) publishPhaseComplete(phase audit.Phase, duration time.Duration, findingCount int, failure error) {
	completion := events.PhaseCompletePayload{
		DurationMS:   duration.Milliseconds(),
		FindingCount: findingCount,
	}
	if failure != nil {
		completion.Error = failure.Error()
	}
	payload, _ := json.Marshal(completion)
	if err := r.bus.Publish(events.KindPhaseComplete, events.Phase(phase), payload); err != nil {
		logger.Stage().Warn().Err(err).Str("phase", string(phase)).Msg("failed to publish phase_complete")
	}
}

func toErrorRecord(phase audit.Phase, err error) audit.ErrorRecord {
	if appErr, ok := err.(*apperr.AppError); ok {
		return audit.ErrorRecord{
			Kind:    appErr.Kind,
			Phase:   phase,
			Message: appErr.Message,
			Details: appErr.Details,
			At:      time.Now(),
		}
	}
	return audit.ErrorRecord{
		Kind:    apperr.KindAgentError,
		Phase:   phase,
		Message: err.Error(),
		At:      time.Now(),
	}
}

func findingCount(phase audit.Phase, patch audit.Patch) int {
	switch phase {
	case audit.PhaseSecurity:
		count := 0
		for _, result := range patch.MergeSecurityResults {
			count += len(result.Findings)
		}
		return count
	case audit.PhaseVision:
		if patch.SetVisionResult != nil {
			return len(patch.SetVisionResult.Findings)
		}
	}
	return 0
}
