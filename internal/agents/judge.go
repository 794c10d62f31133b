package agents

import (
	"fmt"

	"github.com/veritas-audit/veritas/internal/audit"
)

// JudgeID is the registry id for the Judge agent (spec §4.4).
const JudgeID = "judge"

// investigationFollowupPaths are deterministic follow-up paths the Judge
// proposes against the most recently scouted host when it wants more
// evidence before finalizing (spec §4.7's cyclic reasoning loop, §8
// scenario 3). A real Judge derives candidates from accumulated findings;
// this stand-in walks a fixed list so the request_more_investigation cycle
// is actually reachable without a live model, stopping once every
// candidate has been requested or visited.
var investigationFollowupPaths = []string{"/privacy", "/terms", "/contact", "/about"}

// Judge is a deterministic stand-in for the verdict-synthesis stage. It
// requests further investigation of unvisited follow-up paths on the
// scouted host before settling into a scored finalize (spec §4.7); a
// force_verdict synthesis call always finalizes regardless of unvisited
// candidates, since that state exists specifically to guarantee
// termination.
type Judge struct{}

func NewJudge() Agent { return &Judge{} }

func (j *Judge) Analyze(ctx Context, snap audit.Snapshot) (audit.Patch, error) {
	if !ctx.ForceFinalize {
		if more, ok := requestMoreInvestigation(snap); ok {
			return audit.Patch{SetJudgeDecision: &audit.JudgeDecision{
				Action:          audit.JudgeRequestMoreInvestigation,
				InvestigateURLs: more,
			}}, nil
		}
	}

	score := computeTrustScore(snap)
	risk := riskLevelFor(score)

	decision := &audit.JudgeDecision{
		Action:         audit.JudgeFinalize,
		VerdictSummary: summaryFor(snap, score),
		TrustScore:     &score,
		RiskLevel:      risk,
	}

	return audit.Patch{SetJudgeDecision: decision}, nil
}

// requestMoreInvestigation proposes the next unvisited follow-up paths on
// the most recently scouted host: two candidates on the audit's first
// decision, one per decision afterward, matching §8 scenario 3's "two new
// URLs" then "a third URL" shape. It reports ok=false once there is no
// scouted host yet or every candidate is already pending or investigated.
func requestMoreInvestigation(snap audit.Snapshot) ([]string, bool) {
	last, ok := lastScoutResult(snap.ScoutResults)
	if !ok {
		return nil, false
	}
	host := last.Metadata["host"]
	if host == "" {
		return nil, false
	}

	known := make(map[string]bool, len(snap.InvestigatedURLs)+len(snap.PendingURLs))
	for u := range snap.InvestigatedURLs {
		known[u] = true
	}
	for _, u := range snap.PendingURLs {
		known[u] = true
	}

	want := 1
	if snap.Iteration <= 1 {
		want = 2
	}

	var urls []string
	for _, p := range investigationFollowupPaths {
		candidate := fmt.Sprintf("https://%s%s", host, p)
		if known[candidate] {
			continue
		}
		urls = append(urls, candidate)
		if len(urls) == want {
			break
		}
	}
	if len(urls) == 0 {
		return nil, false
	}
	return urls, true
}

func lastScoutResult(results []audit.ScoutResult) (audit.ScoutResult, bool) {
	if len(results) == 0 {
		return audit.ScoutResult{}, false
	}
	return results[len(results)-1], true
}

// computeTrustScore derives a 0-100 score from accumulated findings and
// security module scores. Degraded-mode audits are capped at 50 per spec
// §4.7's tie-break policy ("Scout's patch yields zero usable pages but no
// hard error ... final trust score is capped at 50").
func computeTrustScore(snap audit.Snapshot) int {
	score := 100

	for _, result := range snap.SecurityResults {
		score -= int((1 - result.Score) * 20)
		score -= len(result.Findings) * 5
	}
	if snap.VisionResult != nil {
		score -= len(snap.VisionResult.Findings) * 5
	}
	if snap.GraphResult != nil {
		score -= len(snap.GraphResult.ContradictedEntities) * 10
	}
	score -= len(snap.Errors) * 2

	if score < 0 {
		score = 0
	}
	if snap.DegradedMode && score > 50 {
		score = 50
	}
	return score
}

func riskLevelFor(score int) audit.RiskLevel {
	switch {
	case score >= 80:
		return audit.RiskLow
	case score >= 55:
		return audit.RiskMedium
	case score >= 30:
		return audit.RiskHigh
	default:
		return audit.RiskCritical
	}
}

func summaryFor(snap audit.Snapshot, score int) string {
	if snap.DegradedMode {
		return "audit completed in degraded mode; confidence limited by incomplete evidence"
	}
	if score >= 80 {
		return "no significant deceptive patterns or security findings confirmed"
	}
	return "one or more findings require attention; see findings for detail"
}
