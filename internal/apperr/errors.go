// Package apperr provides standardized error handling for VERITAS.
//
// This package implements a consistent error format across the engine and
// control plane:
//   - Structured errors with a machine-readable Kind
//   - A severity classification (recoverable vs. fatal) per spec §7
//   - Optional details for debugging
//   - JSON-marshalable shape for embedding in AuditState.Errors and in
//     ProgressEvent payloads
//
// Usage patterns:
//
//	// Recoverable stage error, recorded and surfaced in the final verdict
//	return apperr.New(apperr.KindAgentTimeout, "scout deadline exceeded")
//
//	// Wrap an underlying error
//	return apperr.Wrap(apperr.KindEngineDied, "engine exited unexpectedly", err)
package apperr

import (
	"fmt"
)

// AppError represents a structured VERITAS error.
type AppError struct {
	// Kind is a machine-readable error identifier (see Kind* constants).
	Kind string `json:"kind"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Details provides additional context for debugging (optional).
	Details string `json:"details,omitempty"`

	// Phase is the pipeline phase the error occurred in, if any.
	Phase string `json:"phase,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Error kinds, taken verbatim from the error taxonomy in spec §7.
const (
	KindAgentTimeout        = "agent_timeout"
	KindAgentError          = "agent_error"
	KindModuleError         = "module_error"
	KindSourceUnavailable   = "source_unavailable"
	KindVLMCreditExhausted  = "vlm_credit_exhausted"
	KindScoutBlocked        = "scout_blocked"
	KindIPCTransportFailed  = "ipc_transport_failed"
	KindEngineDied          = "engine_died"
	KindPersistenceDegraded = "persistence_degraded"
	KindCancelEscalated     = "cancel_escalated"
	KindBudgetExhausted     = "budget_exhausted"

	// Per-agent error kinds from the Scout/Security/Vision/Graph/Judge
	// contract table (spec §4.4). These roll up into the coarser kinds
	// above for propagation-policy purposes (see Recoverable).
	KindCaptchaBlocked    = "captcha_blocked"
	KindBotBlocked        = "bot_blocked"
	KindNavigationTimeout = "navigation_timeout"
	KindDNSFailed         = "dns_failed"
	KindModuleTimeout     = "module_timeout"
	KindVLMTimeout        = "vlm_timeout"
	KindVLMUnavailable    = "vlm_unavailable"
	KindSourceTimeout     = "source_timeout"
	KindGraphTimeout      = "graph_timeout"
	KindJudgeUnavailable  = "judge_unavailable"

	// Additional kinds used by the control-plane boundary (request validation,
	// repository lookups) that spec §7 does not enumerate because they sit
	// outside the audit-error taxonomy proper.
	KindBadRequest    = "bad_request"
	KindNotFound      = "not_found"
	KindInternal      = "internal_error"
	KindDatabaseError = "database_error"
)

// Recoverable reports whether, per spec §7's propagation policy, this kind of
// error is captured into AuditState.Errors and the audit proceeds, as opposed
// to short-circuiting to terminal(error).
func (e *AppError) Recoverable() bool {
	switch e.Kind {
	case KindModuleError, KindSourceUnavailable, KindAgentTimeout, KindScoutBlocked, KindAgentError,
		KindCaptchaBlocked, KindBotBlocked, KindNavigationTimeout, KindDNSFailed,
		KindModuleTimeout, KindVLMTimeout, KindVLMUnavailable, KindSourceTimeout:
		return true
	default:
		return false
	}
}

// New creates a new AppError.
func New(kind string, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// NewWithDetails creates a new AppError with details.
func NewWithDetails(kind string, message string, details string) *AppError {
	return &AppError{Kind: kind, Message: message, Details: details}
}

// NewInPhase creates a new AppError tagged with the phase it occurred in.
func NewInPhase(kind string, phase string, message string) *AppError {
	return &AppError{Kind: kind, Phase: phase, Message: message}
}

// Wrap wraps an existing error with an AppError.
func Wrap(kind string, message string, err error) *AppError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return NewWithDetails(kind, message, details)
}

// Convenience constructors for the control-plane boundary.

func BadRequest(message string) *AppError {
	return New(KindBadRequest, message)
}

func NotFound(resource string) *AppError {
	return New(KindNotFound, fmt.Sprintf("%s not found", resource))
}

func Internal(message string) *AppError {
	return New(KindInternal, message)
}

func DatabaseError(err error) *AppError {
	return Wrap(KindDatabaseError, "database operation failed", err)
}
