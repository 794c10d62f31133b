// Package audit defines the domain model shared by the orchestrator and the
// agents it drives: AuditState and the record types that make up its
// fields (spec §3). It has no dependency on the event bus, IPC, or
// persistence layers, so both internal/orchestrator and internal/agents can
// import it without a cycle.
package audit

import "time"

// Tier selects the budget limits for an audit (spec §4.6).
type Tier string

const (
	TierQuickScan      Tier = "quick_scan"
	TierStandardAudit  Tier = "standard_audit"
	TierDeepForensic   Tier = "deep_forensic"
)

// VerdictMode controls how much detail the Judge includes in its summary.
type VerdictMode string

const (
	VerdictModeSimple VerdictMode = "simple"
	VerdictModeExpert VerdictMode = "expert"
)

// Status is the terminal or in-flight lifecycle status of an audit.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusError     Status = "error"
)

// Phase names a pipeline stage, mirroring internal/events.Phase so that
// AuditState.Errors and ScoutResult etc. can be tagged without importing
// the events package.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseScout    Phase = "scout"
	PhaseSecurity Phase = "security"
	PhaseVision   Phase = "vision"
	PhaseGraph    Phase = "graph"
	PhaseJudge    Phase = "judge"
)

// ErrorRecord is a structured error appended to AuditState.Errors
// (spec §3, §7). Kind values come from internal/apperr.
type ErrorRecord struct {
	Kind    string    `json:"kind"`
	Phase   Phase     `json:"phase,omitempty"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	At      time.Time `json:"at"`
}

// Screenshot records metadata for a captured screenshot; the binary payload
// lives on the filesystem (spec §3).
type Screenshot struct {
	Path  string `json:"path"`
	Label string `json:"label"`
	Index int    `json:"index"`
	Size  int64  `json:"size"`
	MIME  string `json:"mime"`
}

// Finding is a single deceptive-pattern or security observation surfaced by
// a stage (spec §3, §6).
type Finding struct {
	PatternType     string  `json:"pattern_type"`
	Category        string  `json:"category"`
	Severity        string  `json:"severity"`
	Confidence      float64 `json:"confidence"`
	Description     string  `json:"description"`
	ScreenshotIndex *int    `json:"screenshot_index,omitempty"`
}

// ScoutResult is the output of one Scout invocation (spec §4.4).
type ScoutResult struct {
	URL         string       `json:"url"`
	DOM         string       `json:"dom,omitempty"`
	Screenshots []Screenshot `json:"screenshots"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Degraded    bool         `json:"degraded"`
}

// ModuleResult is one Security module's contribution to security_results
// (spec §4.4).
type ModuleResult struct {
	Module   string    `json:"module"`
	Score    float64   `json:"score"`
	Findings []Finding `json:"findings"`
	Errors   []ErrorRecord `json:"errors,omitempty"`
}

// VisionFinding is a single dark-pattern observation from the Vision agent,
// with per-finding confidence (spec §4.4).
type VisionFinding struct {
	Finding
	TemporalNote string `json:"temporal_note,omitempty"`
}

// VisionReport is the Vision agent's output (spec §4.4).
type VisionReport struct {
	Findings   []VisionFinding `json:"findings"`
	Confidence float64         `json:"confidence"`
}

// OSINTSubreport is one source's contribution to a GraphReport (spec §4.4).
type OSINTSubreport struct {
	Source      string    `json:"source"`
	Verified    []string  `json:"verified_entities,omitempty"`
	Contradicted []string `json:"contradicted_entities,omitempty"`
	Unavailable bool      `json:"unavailable"`
}

// GraphReport is the Graph agent's output (spec §4.4).
type GraphReport struct {
	VerifiedEntities     []string         `json:"verified_entities"`
	ContradictedEntities []string         `json:"contradicted_entities"`
	Subreports           []OSINTSubreport `json:"subreports"`
}

// JudgeAction is the Judge's decision kind (spec §4.4).
type JudgeAction string

const (
	JudgeFinalize                JudgeAction = "finalize"
	JudgeRequestMoreInvestigation JudgeAction = "request_more_investigation"
	JudgeAbort                   JudgeAction = "abort"
)

// RiskLevel classifies the final verdict's severity.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// JudgeDecision is the Judge agent's output (spec §4.4).
type JudgeDecision struct {
	Action          JudgeAction `json:"action"`
	InvestigateURLs []string    `json:"investigate_urls,omitempty"`
	VerdictSummary  string      `json:"verdict,omitempty"`
	TrustScore      *int        `json:"trust_score,omitempty"`
	RiskLevel       RiskLevel   `json:"risk_level,omitempty"`
}

// AuditState is the full mutable state of one audit, owned exclusively by
// the orchestrator (spec §3). Stage runners receive a read-only Snapshot
// and return a Patch; the orchestrator applies patches serially.
type AuditState struct {
	AuditID        string
	URL            string
	Tier           Tier
	VerdictMode    VerdictMode
	EnabledModules []string

	Iteration      int
	MaxIterations  int
	MaxPages       int
	MaxVLMCredits  int

	Status Status

	PendingURLs      []string
	InvestigatedURLs map[string]bool

	ScoutResults    []ScoutResult
	SecurityResults map[string]ModuleResult
	VisionResult    *VisionReport
	GraphResult     *GraphReport
	JudgeDecision   *JudgeDecision

	Errors []ErrorRecord

	ScoutFailures int
	VLMCallsUsed  int
	PagesVisited  int

	DegradedMode bool

	StartTime      time.Time
	ElapsedSeconds float64
}

// NewAuditState constructs the initial state (spec §4.7: "Initial: init with
// pending_urls = [url], iteration = 0").
func NewAuditState(auditID, url string, tier Tier, verdictMode VerdictMode, maxIterations, maxPages, maxVLMCredits int) *AuditState {
	return &AuditState{
		AuditID:          auditID,
		URL:              url,
		Tier:             tier,
		VerdictMode:      verdictMode,
		MaxIterations:    maxIterations,
		MaxPages:         maxPages,
		MaxVLMCredits:    maxVLMCredits,
		Status:           StatusQueued,
		PendingURLs:      []string{url},
		InvestigatedURLs: make(map[string]bool),
		SecurityResults:  make(map[string]ModuleResult),
		StartTime:        time.Now(),
	}
}

// Snapshot is a read-only view of AuditState handed to agents (spec §3
// "Ownership"). It is a value copy of the fields an agent may legitimately
// read; mutating it has no effect on the orchestrator's state.
type Snapshot struct {
	AuditID        string
	URL            string
	Tier           Tier
	VerdictMode    VerdictMode
	EnabledModules []string

	Iteration int

	MaxIterations int
	MaxPages      int
	MaxVLMCredits int

	PendingURLs      []string
	InvestigatedURLs map[string]bool

	ScoutResults    []ScoutResult
	SecurityResults map[string]ModuleResult
	VisionResult    *VisionReport
	GraphResult     *GraphReport

	Errors []ErrorRecord

	ScoutFailures int
	VLMCallsUsed  int
	PagesVisited  int

	DegradedMode bool
}

// Snapshot produces a read-only copy of the current state for an agent
// invocation. PendingURLs, InvestigatedURLs, ScoutResults, SecurityResults
// and Errors are copied one level deep, so an agent cannot change the
// orchestrator's own slices and maps through them. EnabledModules, the
// VisionResult and GraphResult pointers, and the slices and maps nested
// inside ScoutResults and ModuleResults are shared with the state; agents
// must not mutate them.
func (s *AuditState) Snapshot() Snapshot {
	pending := make([]string, len(s.PendingURLs))
	copy(pending, s.PendingURLs)

	investigated := make(map[string]bool, len(s.InvestigatedURLs))
	for k, v := range s.InvestigatedURLs {
		investigated[k] = v
	}

	scoutResults := make([]ScoutResult, len(s.ScoutResults))
	copy(scoutResults, s.ScoutResults)

	securityResults := make(map[string]ModuleResult, len(s.SecurityResults))
	for k, v := range s.SecurityResults {
		securityResults[k] = v
	}

	errs := make([]ErrorRecord, len(s.Errors))
	copy(errs, s.Errors)

	return Snapshot{
		AuditID:          s.AuditID,
		URL:              s.URL,
		Tier:             s.Tier,
		VerdictMode:      s.VerdictMode,
		EnabledModules:   s.EnabledModules,
		Iteration:        s.Iteration,
		MaxIterations:    s.MaxIterations,
		MaxPages:         s.MaxPages,
		MaxVLMCredits:    s.MaxVLMCredits,
		PendingURLs:      pending,
		InvestigatedURLs: investigated,
		ScoutResults:     scoutResults,
		SecurityResults:  securityResults,
		VisionResult:     s.VisionResult,
		GraphResult:      s.GraphResult,
		Errors:           errs,
		ScoutFailures:    s.ScoutFailures,
		VLMCallsUsed:     s.VLMCallsUsed,
		PagesVisited:     s.PagesVisited,
		DegradedMode:     s.DegradedMode,
	}
}

// Patch is the set of field updates a stage runner returns after invoking
// an agent (spec §3 "Ownership"). Only the fields relevant to the stage
// that produced it are populated; zero-value fields are left untouched by
// Apply except where explicitly documented.
type Patch struct {
	AppendScoutResult *ScoutResult
	MovePendingToInvestigated string

	MergeSecurityResults map[string]ModuleResult

	SetVisionResult *VisionReport
	SetGraphResult  *GraphReport
	SetJudgeDecision *JudgeDecision

	AppendErrors []ErrorRecord

	IncrementScoutFailures bool
	ResetScoutFailures     bool
	IncrementVLMCallsUsed  int
	IncrementPagesVisited  int

	SetDegradedMode bool

	NewPendingURLs []string
}

// Apply merges a patch into the state. It is the orchestrator's sole write
// path: stage runners never touch AuditState directly (spec §3).
func (s *AuditState) Apply(p Patch) {
	if p.AppendScoutResult != nil {
		s.ScoutResults = append(s.ScoutResults, *p.AppendScoutResult)
	}
	if p.MovePendingToInvestigated != "" {
		s.InvestigatedURLs[p.MovePendingToInvestigated] = true
		s.PendingURLs = removeURL(s.PendingURLs, p.MovePendingToInvestigated)
	}
	for module, result := range p.MergeSecurityResults {
		s.SecurityResults[module] = result
	}
	if p.SetVisionResult != nil {
		s.VisionResult = p.SetVisionResult
	}
	if p.SetGraphResult != nil {
		s.GraphResult = p.SetGraphResult
	}
	if p.SetJudgeDecision != nil {
		s.JudgeDecision = p.SetJudgeDecision
	}
	s.Errors = append(s.Errors, p.AppendErrors...)

	if p.IncrementScoutFailures {
		s.ScoutFailures++
	}
	if p.ResetScoutFailures {
		s.ScoutFailures = 0
	}
	s.VLMCallsUsed += p.IncrementVLMCallsUsed
	s.PagesVisited += p.IncrementPagesVisited

	if p.SetDegradedMode {
		s.DegradedMode = true
	}
	if len(p.NewPendingURLs) > 0 {
		s.PendingURLs = append(s.PendingURLs, p.NewPendingURLs...)
	}

	s.ElapsedSeconds = time.Since(s.StartTime).Seconds()
}

func removeURL(urls []string, target string) []string {
	out := urls[:0:0]
	for _, u := range urls {
		if u != target {
			out = append(out, u)
		}
	}
	return out
}
