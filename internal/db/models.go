package db

import (
	"encoding/json"
	"time"
)

// AuditRow is the persisted row shape of the audits table (spec §6).
type AuditRow struct {
	AuditID              string
	URL                  string
	Status               string
	Tier                 string
	VerdictMode          string
	EnabledModules       []string
	TrustScore           *int
	RiskLevel            *string
	VerdictSummary       *string
	SiteType             *string
	IPCMode              string
	PagesScanned         int
	ScreenshotsCount     int
	VLMCallsUsed         int
	ElapsedSeconds       float64
	Errors               json.RawMessage
	PersistenceDegraded  bool
	StartedAt            time.Time
	CompletedAt          *time.Time
}

// FindingRow is the persisted row shape of the audit_findings table.
type FindingRow struct {
	ID              int64
	AuditID         string
	PatternType     string
	Category        string
	Severity        string
	Confidence      float64
	Description     string
	ScreenshotIndex *int
	CreatedAt       time.Time
}

// ScreenshotRow is the persisted row shape of the audit_screenshots table.
type ScreenshotRow struct {
	ID            int64
	AuditID       string
	FilePath      string
	Label         string
	IndexNum      int
	FileSizeBytes int64
	MimeType      string
	CreatedAt     time.Time
}

// EventRow is the persisted row shape of the audit_events table; it stores
// every ProgressEvent verbatim for post-mortem reconstruction (spec §3).
type EventRow struct {
	ID          int64
	AuditID     string
	SequenceNo  uint64
	Kind        string
	Phase       string
	PayloadJSON json.RawMessage
	Timestamp   time.Time
}

// CompletionUpdate is the set of fields written in a single transaction by
// Complete (spec §4.3: "single transaction: updates audits row with
// verdict, score, risk level, elapsed, sets status=completed").
type CompletionUpdate struct {
	Status           string
	TrustScore       *int
	RiskLevel        *string
	VerdictSummary   *string
	SiteType         *string
	PagesScanned     int
	ScreenshotsCount int
	VLMCallsUsed     int
	ElapsedSeconds   float64
	Errors           json.RawMessage
}
