package db

import "fmt"

// Migrate creates the persisted schema from spec §6 if it does not already
// exist. Every table's creation is idempotent so repeated startups are safe.
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS audits (
			audit_id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			tier TEXT NOT NULL,
			verdict_mode TEXT NOT NULL,
			enabled_modules TEXT NOT NULL DEFAULT '[]',
			trust_score INTEGER,
			risk_level TEXT,
			verdict_summary TEXT,
			site_type TEXT,
			ipc_mode TEXT NOT NULL DEFAULT 'queue',
			pages_scanned INTEGER NOT NULL DEFAULT 0,
			screenshots_count INTEGER NOT NULL DEFAULT 0,
			vlm_calls_used INTEGER NOT NULL DEFAULT 0,
			elapsed_seconds REAL NOT NULL DEFAULT 0,
			errors_json TEXT NOT NULL DEFAULT '[]',
			persistence_degraded INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_audits_status ON audits(status)`,
		`CREATE INDEX IF NOT EXISTS idx_audits_started_at ON audits(started_at DESC)`,

		`CREATE TABLE IF NOT EXISTS audit_findings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			audit_id TEXT NOT NULL REFERENCES audits(audit_id) ON DELETE CASCADE,
			pattern_type TEXT NOT NULL,
			category TEXT NOT NULL,
			severity TEXT NOT NULL,
			confidence REAL NOT NULL,
			description TEXT NOT NULL,
			screenshot_index INTEGER,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_audit_findings_audit_id ON audit_findings(audit_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_findings_category ON audit_findings(category)`,

		`CREATE TABLE IF NOT EXISTS audit_screenshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			audit_id TEXT NOT NULL REFERENCES audits(audit_id) ON DELETE CASCADE,
			file_path TEXT NOT NULL,
			label TEXT,
			index_num INTEGER NOT NULL,
			file_size_bytes INTEGER NOT NULL,
			mime_type TEXT NOT NULL DEFAULT 'image/png',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(audit_id, file_path)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_audit_screenshots_audit_id ON audit_screenshots(audit_id)`,

		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			audit_id TEXT NOT NULL REFERENCES audits(audit_id) ON DELETE CASCADE,
			sequence_no INTEGER NOT NULL,
			kind TEXT NOT NULL,
			phase TEXT,
			payload_json TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			UNIQUE(audit_id, sequence_no)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_audit_events_audit_id ON audit_events(audit_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_audit_seq ON audit_events(audit_id, sequence_no)`,
	}

	for i, stmt := range migrations {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
