package agents

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/veritas-audit/veritas/internal/audit"
	"github.com/veritas-audit/veritas/internal/events"
)

func testContext(auditID string) Context {
	return Context{
		Context: context.Background(),
		AuditID: auditID,
		Bus:     events.NewBus(auditID, 10),
		Phase:   events.PhaseScout,
	}
}

func TestRegistryLookupKnownIDs(t *testing.T) {
	for _, id := range []string{ScoutID, SecurityID, VisionID, GraphID, JudgeID} {
		if _, ok := Lookup(id); !ok {
			t.Errorf("expected %q to be registered", id)
		}
	}
}

func TestRegistryNewUnknownIDPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unknown agent id")
		}
	}()
	New("does-not-exist")
}

func TestScoutRejectsMalformedURL(t *testing.T) {
	scout := NewScout()
	snap := audit.Snapshot{PendingURLs: []string{"not a url"}}

	_, err := scout.Analyze(testContext("audit-1"), snap)
	if err == nil {
		t.Fatal("expected error for malformed URL")
	}
}

func TestScoutAppendsResultAndMovesURL(t *testing.T) {
	scout := NewScout()
	snap := audit.Snapshot{PendingURLs: []string{"https://example.com"}, InvestigatedURLs: map[string]bool{}}

	patch, err := scout.Analyze(testContext("audit-1"), snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if patch.AppendScoutResult == nil {
		t.Fatal("expected a scout result to be appended")
	}
	if patch.MovePendingToInvestigated != "https://example.com" {
		t.Errorf("expected pending URL to move to investigated, got %q", patch.MovePendingToInvestigated)
	}
}

func TestScoutAppendsResultWithContainedScreenshotPath(t *testing.T) {
	scout := NewScout()
	snap := audit.Snapshot{PendingURLs: []string{"https://example.com"}, InvestigatedURLs: map[string]bool{}}

	patch, err := scout.Analyze(testContext("audit-1"), snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path := patch.AppendScoutResult.Screenshots[0].Path
	if !strings.HasPrefix(path, screenshotRoot+"/") {
		t.Errorf("expected screenshot path to stay under %s, got %q", screenshotRoot, path)
	}
}

func TestScoutRejectsAuditIDThatEscapesScreenshotRoot(t *testing.T) {
	scout := NewScout()
	snap := audit.Snapshot{PendingURLs: []string{"https://example.com"}, InvestigatedURLs: map[string]bool{}}

	_, err := scout.Analyze(testContext("../../etc/passwd"), snap)
	if err == nil {
		t.Fatal("expected an error for an audit_id that escapes the screenshot root")
	}
}

func TestScreenshotPathRejectsTraversalInAuditID(t *testing.T) {
	if _, err := screenshotPath("../../etc/passwd", 0, time.Unix(0, 0)); err == nil {
		t.Fatal("expected traversal in audit_id to be rejected")
	}
}

func TestScreenshotPathAcceptsUUIDShapedAuditID(t *testing.T) {
	path, err := screenshotPath("5b1f6c2e-1a2b-4c3d-9e0f-abcdef123456", 0, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(path, screenshotRoot+"/") {
		t.Errorf("expected path under %s, got %q", screenshotRoot, path)
	}
}

func TestVisionRespectsExhaustedBudget(t *testing.T) {
	vision := NewVision()
	snap := audit.Snapshot{
		ScoutResults:  []audit.ScoutResult{{Screenshots: []audit.Screenshot{{Path: "x"}}}},
		VLMCallsUsed:  3,
		MaxVLMCredits: 3,
	}

	_, err := vision.Analyze(testContext("audit-1"), snap)
	if err == nil {
		t.Fatal("expected vlm_credit_exhausted error")
	}
}

func TestJudgeCapsScoreInDegradedMode(t *testing.T) {
	judge := NewJudge()
	snap := audit.Snapshot{DegradedMode: true}

	patch, err := judge.Analyze(testContext("audit-1"), snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if patch.SetJudgeDecision == nil || patch.SetJudgeDecision.TrustScore == nil {
		t.Fatal("expected a trust score to be set")
	}
	if *patch.SetJudgeDecision.TrustScore > 50 {
		t.Errorf("expected degraded-mode score capped at 50, got %d", *patch.SetJudgeDecision.TrustScore)
	}
}

func TestJudgeRequestsMoreInvestigationWhenHostHasUnvisitedFollowups(t *testing.T) {
	judge := NewJudge()
	snap := audit.Snapshot{
		Iteration:        1,
		ScoutResults:     []audit.ScoutResult{{URL: "https://example.com", Metadata: map[string]string{"host": "example.com"}}},
		InvestigatedURLs: map[string]bool{"https://example.com": true},
	}

	patch, err := judge.Analyze(testContext("audit-1"), snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decision := patch.SetJudgeDecision
	if decision == nil || decision.Action != audit.JudgeRequestMoreInvestigation {
		t.Fatalf("expected a request_more_investigation decision, got %+v", decision)
	}
	if len(decision.InvestigateURLs) != 2 {
		t.Errorf("expected two candidate URLs on the first request, got %v", decision.InvestigateURLs)
	}
}

func TestJudgeFinalizesWhenAllFollowupsAreAlreadyKnown(t *testing.T) {
	judge := NewJudge()
	investigated := map[string]bool{
		"https://example.com":         true,
		"https://example.com/privacy": true,
		"https://example.com/terms":   true,
		"https://example.com/contact": true,
		"https://example.com/about":   true,
	}
	snap := audit.Snapshot{
		Iteration:        4,
		ScoutResults:     []audit.ScoutResult{{URL: "https://example.com", Metadata: map[string]string{"host": "example.com"}}},
		InvestigatedURLs: investigated,
	}

	patch, err := judge.Analyze(testContext("audit-1"), snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if patch.SetJudgeDecision == nil || patch.SetJudgeDecision.Action != audit.JudgeFinalize {
		t.Fatalf("expected finalize once every follow-up is known, got %+v", patch.SetJudgeDecision)
	}
}

func TestJudgeForceFinalizeSkipsRequestMoreInvestigation(t *testing.T) {
	judge := NewJudge()
	snap := audit.Snapshot{
		Iteration:        1,
		ScoutResults:     []audit.ScoutResult{{URL: "https://example.com", Metadata: map[string]string{"host": "example.com"}}},
		InvestigatedURLs: map[string]bool{"https://example.com": true},
	}
	ctx := testContext("audit-1")
	ctx.ForceFinalize = true

	patch, err := judge.Analyze(ctx, snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if patch.SetJudgeDecision == nil || patch.SetJudgeDecision.Action != audit.JudgeFinalize {
		t.Fatalf("expected finalize when ForceFinalize is set, got %+v", patch.SetJudgeDecision)
	}
}

func TestGraphMergesSubreports(t *testing.T) {
	graph := NewGraph()
	patch, err := graph.Analyze(testContext("audit-1"), audit.Snapshot{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if patch.SetGraphResult == nil {
		t.Fatal("expected a graph result to be set")
	}
}
