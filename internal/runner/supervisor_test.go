package runner

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-audit/veritas/internal/audit"
	"github.com/veritas-audit/veritas/internal/db"
	"github.com/veritas-audit/veritas/internal/events"
	"github.com/veritas-audit/veritas/internal/ipc"
	ws "github.com/veritas-audit/veritas/internal/websocket"
)

func newTestSupervisor(t *testing.T) (*Supervisor, sqlmock.Sqlmock, func()) {
	return newTestSupervisorWithFallback(t, false)
}

func newTestSupervisorWithFallback(t *testing.T, useStdoutFallback bool) (*Supervisor, sqlmock.Sqlmock, func()) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	database := db.NewDatabaseForTesting(mockDB)
	repo := db.NewRepository(database)
	hub := ws.NewHub()

	s := NewSupervisor(repo, hub, "./veritas-engine", useStdoutFallback)
	return s, mock, func() { mockDB.Close() }
}

func TestApplyCompletionWritesCompletedStatusWithVerdict(t *testing.T) {
	s, mock, cleanup := newTestSupervisor(t)
	defer cleanup()

	payload := auditResultPayload{
		Status:     audit.StatusCompleted,
		Iteration:  2,
		RiskLevel:  audit.RiskMedium,
		Verdict:    "mostly trustworthy",
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE audits SET").
		WithArgs(string(audit.StatusCompleted), sqlmock.AnyArg(), "medium", "mostly trustworthy",
			sqlmock.AnyArg(), 0, 0, 0, float64(0), "[]", sqlmock.AnyArg(), "audit-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	s.applyCompletion("audit-1", events.ProgressEvent{
		AuditID: "audit-1",
		Kind:    events.KindAuditComplete,
		Payload: raw,
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCompletionDefaultsStatusFromEventKindWhenPayloadOmitsIt(t *testing.T) {
	s, mock, cleanup := newTestSupervisor(t)
	defer cleanup()

	raw, err := json.Marshal(auditResultPayload{})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE audits SET").
		WithArgs(string(audit.StatusError), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), 0, 0, 0, float64(0), "[]", sqlmock.AnyArg(), "audit-2").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	s.applyCompletion("audit-2", events.ProgressEvent{
		AuditID: "audit-2",
		Kind:    events.KindAuditError,
		Payload: raw,
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordEngineDiedWritesErrorStatus(t *testing.T) {
	s, mock, cleanup := newTestSupervisor(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE audits SET").
		WithArgs(string(audit.StatusError), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), 0, 0, 0, float64(0), sqlmock.AnyArg(), sqlmock.AnyArg(), "audit-3").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	s.recordEngineDied("audit-3", 1, assertError("killed"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistAndBroadcastSwallowsAppendFailure(t *testing.T) {
	s, mock, cleanup := newTestSupervisor(t)
	defer cleanup()

	// A single isolated failure stays under the repository's append retry
	// budget, so it is logged and swallowed without marking the audit
	// persistence_degraded.
	mock.ExpectExec("INSERT INTO audit_events").WillReturnError(assertError("disk full"))

	// Must not panic even though persistence failed.
	s.persistAndBroadcast("audit-4", events.ProgressEvent{
		AuditID:    "audit-4",
		SequenceNo: 1,
		Kind:       events.KindLog,
		Payload:    json.RawMessage(`{}`),
		Timestamp:  time.Now(),
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSupervisorConfiguresStdoutFallback(t *testing.T) {
	s, _, cleanup := newTestSupervisorWithFallback(t, true)
	defer cleanup()

	assert.True(t, s.useStdoutFallback)
}

func TestRecordTransportFailedWritesIPCTransportFailedStatus(t *testing.T) {
	s, mock, cleanup := newTestSupervisor(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE audits SET").
		WithArgs(string(audit.StatusError), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), 0, 0, 0, float64(0), sqlmock.AnyArg(), sqlmock.AnyArg(), "audit-5").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	s.recordTransportFailed("audit-5", assertError("no event within 5s of spawn"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestBuildEngineArgsOmitsFallbackFlagWhenDisabled and its companion below
// cover spec §4.2/§6: the Runner only ever asks a spawned engine to accept
// --use-stdout-fallback when it was itself configured to allow the
// Stdout-mode retry.
func TestBuildEngineArgsOmitsFallbackFlagWhenDisabled(t *testing.T) {
	args := buildEngineArgs("audit-1", "https://example.com", audit.TierStandardAudit, audit.VerdictModeSimple, nil, ipc.ModeQueue, false)

	for _, a := range args {
		if a == "--use-stdout-fallback" {
			t.Fatalf("did not expect --use-stdout-fallback in args, got %v", args)
		}
	}
}

func TestBuildEngineArgsIncludesFallbackFlagWhenEnabled(t *testing.T) {
	args := buildEngineArgs("audit-1", "https://example.com", audit.TierStandardAudit, audit.VerdictModeSimple, nil, ipc.ModeQueue, true)

	found := false
	for _, a := range args {
		if a == "--use-stdout-fallback" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected --use-stdout-fallback in args, got %v", args)
	}
}

func TestJoinModulesJoinsWithCommas(t *testing.T) {
	assert.Equal(t, "tls", joinModules([]string{"tls"}))
	assert.Equal(t, "tls,headers,cookies", joinModules([]string{"tls", "headers", "cookies"}))
}

type assertError string

func (e assertError) Error() string { return string(e) }
