package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/veritas-audit/veritas/internal/events"
	"github.com/veritas-audit/veritas/internal/logger"
)

// maxAppendRetries is the number of consecutive AppendEvent failures for one
// audit after which that audit is flagged persistence_degraded. The
// repository does not buffer or re-attempt a failed event; it is not
// stored unless the caller appends it again.
const maxAppendRetries = 16

// Repository implements the Audit Repository (C3). Writes for a single
// audit_id are expected to be serialized by the caller (the Runner); the
// underlying SQLite connection is itself single-writer by construction
// (Database.NewDatabase limits the pool to one connection).
type Repository struct {
	database *Database

	mu       sync.Mutex
	failures map[string]int
	degraded map[string]bool
}

// NewRepository wraps an open Database as a Repository.
func NewRepository(database *Database) *Repository {
	return &Repository{
		database: database,
		failures: make(map[string]int),
		degraded: make(map[string]bool),
	}
}

// Create inserts a queued audit row. Idempotent on audit_id: a second
// Create for the same id is a no-op rather than an error.
func (r *Repository) Create(ctx context.Context, auditID, url, tier, verdictMode string, enabledModules []string) error {
	modulesJSON, err := json.Marshal(enabledModules)
	if err != nil {
		return fmt.Errorf("marshal enabled_modules: %w", err)
	}

	_, err = r.database.DB().ExecContext(ctx, `
		INSERT INTO audits (audit_id, url, status, tier, verdict_mode, enabled_modules, ipc_mode, started_at)
		VALUES (?, ?, 'queued', ?, ?, ?, 'queue', ?)
		ON CONFLICT(audit_id) DO NOTHING`,
		auditID, url, tier, verdictMode, string(modulesJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create audit %s: %w", auditID, err)
	}
	return nil
}

// SetIPCMode records the transport mode chosen at spawn time, including the
// auto-fallback case (spec §4.9).
func (r *Repository) SetIPCMode(ctx context.Context, auditID string, mode string) error {
	_, err := r.database.DB().ExecContext(ctx,
		`UPDATE audits SET ipc_mode = ? WHERE audit_id = ?`, mode, auditID)
	if err != nil {
		return fmt.Errorf("set ipc_mode for %s: %w", auditID, err)
	}
	return nil
}

// MarkRunning transitions a queued audit to running.
func (r *Repository) MarkRunning(ctx context.Context, auditID string) error {
	_, err := r.database.DB().ExecContext(ctx,
		`UPDATE audits SET status = 'running' WHERE audit_id = ? AND status = 'queued'`, auditID)
	if err != nil {
		return fmt.Errorf("mark running %s: %w", auditID, err)
	}
	return nil
}

// AppendEvent persists a single ProgressEvent. A failure never aborts the
// audit: a failing append is logged and its error returned to the caller,
// and once the audit has accumulated maxAppendRetries consecutive failures
// it is flagged persistence_degraded while execution continues.
func (r *Repository) AppendEvent(ctx context.Context, event events.ProgressEvent) error {
	_, err := r.database.DB().ExecContext(ctx, `
		INSERT INTO audit_events (audit_id, sequence_no, kind, phase, payload_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(audit_id, sequence_no) DO NOTHING`,
		event.AuditID, event.SequenceNo, string(event.Kind), string(event.Phase),
		string(event.Payload), event.Timestamp.UTC())
	if err != nil {
		return r.recordAppendFailure(ctx, event.AuditID, err)
	}

	r.mu.Lock()
	delete(r.failures, event.AuditID)
	r.mu.Unlock()
	return nil
}

// recordAppendFailure logs the failure and counts it against auditID's
// retry budget. Only once a single audit has accumulated maxAppendRetries
// consecutive append failures is it marked persistence_degraded; isolated
// failures are logged and returned without flipping the flag, since a
// transient write error should not permanently brand an otherwise-healthy
// audit. The audit is never aborted for this reason alone (spec §4.3,
// apperr.KindPersistenceDegraded).
func (r *Repository) recordAppendFailure(ctx context.Context, auditID string, cause error) error {
	logger.Repository().Error().Err(cause).Str("audit_id", auditID).Msg("append_event failed")

	r.mu.Lock()
	if r.degraded[auditID] {
		r.mu.Unlock()
		return cause
	}
	r.failures[auditID]++
	exhausted := r.failures[auditID] >= maxAppendRetries
	if exhausted {
		r.degraded[auditID] = true
	}
	r.mu.Unlock()

	if !exhausted {
		return cause
	}

	if _, err := r.database.DB().ExecContext(ctx,
		`UPDATE audits SET persistence_degraded = 1 WHERE audit_id = ?`, auditID); err != nil {
		logger.Repository().Error().Err(err).Str("audit_id", auditID).Msg("failed to mark audit degraded")
	}
	return cause
}

// IsDegraded reports whether AppendEvent has previously failed for auditID
// past the retry budget.
func (r *Repository) IsDegraded(auditID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded[auditID]
}

// AddFinding persists a finding, indexed by audit_id.
func (r *Repository) AddFinding(ctx context.Context, auditID string, f FindingRow) error {
	_, err := r.database.DB().ExecContext(ctx, `
		INSERT INTO audit_findings (audit_id, pattern_type, category, severity, confidence, description, screenshot_index, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		auditID, f.PatternType, f.Category, f.Severity, f.Confidence, f.Description, f.ScreenshotIndex, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add finding for %s: %w", auditID, err)
	}
	return nil
}

// AddScreenshot persists screenshot metadata, indexed by audit_id. Only the
// path and size are stored; the binary payload lives on the filesystem
// under storage/screenshots/<audit_id>/ (spec §6).
func (r *Repository) AddScreenshot(ctx context.Context, auditID string, s ScreenshotRow) error {
	_, err := r.database.DB().ExecContext(ctx, `
		INSERT INTO audit_screenshots (audit_id, file_path, label, index_num, file_size_bytes, mime_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(audit_id, file_path) DO NOTHING`,
		auditID, s.FilePath, s.Label, s.IndexNum, s.FileSizeBytes, s.MimeType, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add screenshot for %s: %w", auditID, err)
	}

	_, err = r.database.DB().ExecContext(ctx,
		`UPDATE audits SET screenshots_count = screenshots_count + 1 WHERE audit_id = ?`, auditID)
	if err != nil {
		return fmt.Errorf("increment screenshots_count for %s: %w", auditID, err)
	}
	return nil
}

// Complete writes the terminal state of an audit in a single transaction
// (spec §4.3): verdict, score, risk level, elapsed time, status=completed
// (or aborted/error, carried in update.Status).
func (r *Repository) Complete(ctx context.Context, auditID string, update CompletionUpdate) error {
	tx, err := r.database.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin completion tx for %s: %w", auditID, err)
	}
	defer tx.Rollback()

	errorsJSON := update.Errors
	if errorsJSON == nil {
		errorsJSON = json.RawMessage("[]")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE audits SET
			status = ?,
			trust_score = ?,
			risk_level = ?,
			verdict_summary = ?,
			site_type = ?,
			pages_scanned = ?,
			screenshots_count = ?,
			vlm_calls_used = ?,
			elapsed_seconds = ?,
			errors_json = ?,
			completed_at = ?
		WHERE audit_id = ?`,
		update.Status, update.TrustScore, update.RiskLevel, update.VerdictSummary, update.SiteType,
		update.PagesScanned, update.ScreenshotsCount, update.VLMCallsUsed, update.ElapsedSeconds,
		string(errorsJSON), time.Now().UTC(), auditID)
	if err != nil {
		return fmt.Errorf("complete audit %s: %w", auditID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit completion for %s: %w", auditID, err)
	}
	return nil
}

// Get fetches the audits row for auditID.
func (r *Repository) Get(ctx context.Context, auditID string) (*AuditRow, error) {
	row := r.database.DB().QueryRowContext(ctx, `
		SELECT audit_id, url, status, tier, verdict_mode, enabled_modules, trust_score, risk_level,
		       verdict_summary, site_type, ipc_mode, pages_scanned, screenshots_count, vlm_calls_used,
		       elapsed_seconds, errors_json, persistence_degraded, started_at, completed_at
		FROM audits WHERE audit_id = ?`, auditID)

	return scanAuditRow(row)
}

// ListRecent returns the most recently started audits, most recent first.
func (r *Repository) ListRecent(ctx context.Context, limit, offset int) ([]*AuditRow, error) {
	rows, err := r.database.DB().QueryContext(ctx, `
		SELECT audit_id, url, status, tier, verdict_mode, enabled_modules, trust_score, risk_level,
		       verdict_summary, site_type, ipc_mode, pages_scanned, screenshots_count, vlm_calls_used,
		       elapsed_seconds, errors_json, persistence_degraded, started_at, completed_at
		FROM audits ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list recent audits: %w", err)
	}
	defer rows.Close()

	var result []*AuditRow
	for rows.Next() {
		audit, err := scanAuditRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, audit)
	}
	return result, rows.Err()
}

// AuditWithChildren bundles an audit with its findings and screenshots.
type AuditWithChildren struct {
	Audit       *AuditRow
	Findings    []FindingRow
	Screenshots []ScreenshotRow
}

// GetWithChildren fetches an audit along with its findings and screenshots.
func (r *Repository) GetWithChildren(ctx context.Context, auditID string) (*AuditWithChildren, error) {
	audit, err := r.Get(ctx, auditID)
	if err != nil {
		return nil, err
	}
	if audit == nil {
		return nil, nil
	}

	findings, err := r.listFindings(ctx, auditID)
	if err != nil {
		return nil, err
	}
	screenshots, err := r.listScreenshots(ctx, auditID)
	if err != nil {
		return nil, err
	}

	return &AuditWithChildren{Audit: audit, Findings: findings, Screenshots: screenshots}, nil
}

func (r *Repository) listFindings(ctx context.Context, auditID string) ([]FindingRow, error) {
	rows, err := r.database.DB().QueryContext(ctx, `
		SELECT id, audit_id, pattern_type, category, severity, confidence, description, screenshot_index, created_at
		FROM audit_findings WHERE audit_id = ? ORDER BY id ASC`, auditID)
	if err != nil {
		return nil, fmt.Errorf("list findings for %s: %w", auditID, err)
	}
	defer rows.Close()

	var findings []FindingRow
	for rows.Next() {
		var f FindingRow
		if err := rows.Scan(&f.ID, &f.AuditID, &f.PatternType, &f.Category, &f.Severity,
			&f.Confidence, &f.Description, &f.ScreenshotIndex, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

func (r *Repository) listScreenshots(ctx context.Context, auditID string) ([]ScreenshotRow, error) {
	rows, err := r.database.DB().QueryContext(ctx, `
		SELECT id, audit_id, file_path, label, index_num, file_size_bytes, mime_type, created_at
		FROM audit_screenshots WHERE audit_id = ? ORDER BY index_num ASC`, auditID)
	if err != nil {
		return nil, fmt.Errorf("list screenshots for %s: %w", auditID, err)
	}
	defer rows.Close()

	var screenshots []ScreenshotRow
	for rows.Next() {
		var s ScreenshotRow
		if err := rows.Scan(&s.ID, &s.AuditID, &s.FilePath, &s.Label, &s.IndexNum,
			&s.FileSizeBytes, &s.MimeType, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan screenshot: %w", err)
		}
		screenshots = append(screenshots, s)
	}
	return screenshots, rows.Err()
}

// DeleteOlderThan removes audits (and their cascaded children) started
// before cutoff. Used by the optional, disabled-by-default retention sweep
// (SPEC_FULL §6).
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.database.DB().ExecContext(ctx,
		`DELETE FROM audits WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete audits older than %s: %w", cutoff, err)
	}
	return res.RowsAffected()
}

// rowScanner abstracts over *sql.Row and *sql.Rows so scanAuditRow serves
// both Get and ListRecent.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditRow(scanner rowScanner) (*AuditRow, error) {
	var a AuditRow
	var enabledModulesJSON string
	var errorsJSON string
	var degraded int

	err := scanner.Scan(&a.AuditID, &a.URL, &a.Status, &a.Tier, &a.VerdictMode, &enabledModulesJSON,
		&a.TrustScore, &a.RiskLevel, &a.VerdictSummary, &a.SiteType, &a.IPCMode, &a.PagesScanned,
		&a.ScreenshotsCount, &a.VLMCallsUsed, &a.ElapsedSeconds, &errorsJSON, &degraded,
		&a.StartedAt, &a.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan audit row: %w", err)
	}

	if err := json.Unmarshal([]byte(enabledModulesJSON), &a.EnabledModules); err != nil {
		return nil, fmt.Errorf("unmarshal enabled_modules: %w", err)
	}
	a.Errors = json.RawMessage(errorsJSON)
	a.PersistenceDegraded = degraded != 0

	return &a, nil
}
