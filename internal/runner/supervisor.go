// Package runner implements the Runner Process Supervisor (C9): it spawns
// one veritas-engine subprocess per audit, wires up its IPC transport
// (Queue-mode first, falling back to Stdout-mode only when
// --use-stdout-fallback is enabled; otherwise a failed establishment is
// terminal), persists and broadcasts the event stream it reads back, and
// enforces the per-tier wall-clock deadline plus grace period at the
// process level.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/veritas-audit/veritas/internal/apperr"
	"github.com/veritas-audit/veritas/internal/audit"
	"github.com/veritas-audit/veritas/internal/db"
	"github.com/veritas-audit/veritas/internal/events"
	"github.com/veritas-audit/veritas/internal/ipc"
	"github.com/veritas-audit/veritas/internal/logger"
	"github.com/veritas-audit/veritas/internal/orchestrator"
	"github.com/veritas-audit/veritas/internal/websocket"
)

// transportEstablishTimeout bounds how long the Supervisor waits for the
// first event on the Queue-mode transport before falling back to
// Stdout-mode (spec §4.9's auto-fallback rule).
const transportEstablishTimeout = 5 * time.Second

// gracePeriod is added to the tier's wall-clock deadline before the engine
// is force-killed; it gives a running force_verdict synthesis room to
// finish (spec §4.6, §4.9).
const gracePeriod = 30 * time.Second

// Supervisor spawns and supervises veritas-engine subprocesses.
type Supervisor struct {
	repo              *db.Repository
	hub               *websocket.Hub
	enginePath        string
	useStdoutFallback bool
}

// NewSupervisor wraps the repository and websocket hub the Supervisor
// persists to and broadcasts through. useStdoutFallback gates whether a
// failed Queue-mode transport establishment falls back to Stdout-mode or
// terminates the audit with kind=ipc_transport_failed (spec §4.2, §6
// "--use-stdout-fallback").
func NewSupervisor(repo *db.Repository, hub *websocket.Hub, enginePath string, useStdoutFallback bool) *Supervisor {
	return &Supervisor{repo: repo, hub: hub, enginePath: enginePath, useStdoutFallback: useStdoutFallback}
}

// StartAudit creates the audits row and runs the engine subprocess to
// completion in the background. It returns once the row has been created
// and the subprocess has been spawned; callers observe progress via the
// websocket hub or by polling the repository.
func (s *Supervisor) StartAudit(ctx context.Context, auditID, url string, tier audit.Tier, verdictMode audit.VerdictMode, enabledModules []string) error {
	if err := s.repo.Create(ctx, auditID, url, string(tier), string(verdictMode), enabledModules); err != nil {
		return fmt.Errorf("runner: create audit %s: %w", auditID, err)
	}

	go s.run(auditID, url, tier, verdictMode, enabledModules)
	return nil
}

// run drives one audit's engine subprocess end to end: spawn, establish
// transport (with fallback), read and fan out events, and enforce the
// global deadline. It never returns an error to a caller; failures are
// recorded on the audit itself (spec §4.9 "engine_died").
func (s *Supervisor) run(auditID, url string, tier audit.Tier, verdictMode audit.VerdictMode, enabledModules []string) {
	log := logger.Runner().With().Str("audit_id", auditID).Logger()

	if err := s.repo.MarkRunning(context.Background(), auditID); err != nil {
		log.Error().Err(err).Msg("failed to mark audit running")
	}

	limits := orchestrator.LimitsFor(tier)
	deadline := time.Now().Add(limits.WallClock + gracePeriod)

	mode := ipc.ModeQueue
	session, err := s.spawnAndEstablish(auditID, url, tier, verdictMode, enabledModules, deadline, mode)
	if err != nil {
		if !s.useStdoutFallback {
			log.Error().Err(err).Msg("queue-mode transport failed to establish; stdout fallback disabled, recording ipc_transport_failed")
			s.recordTransportFailed(auditID, err)
			return
		}
		log.Error().Err(err).Msg("queue-mode transport failed to establish, falling back to stdout-mode")
		mode = ipc.ModeStdout
		session, err = s.spawnAndEstablish(auditID, url, tier, verdictMode, enabledModules, deadline, mode)
		if err != nil {
			log.Error().Err(err).Msg("stdout-mode transport also failed; recording engine_died")
			s.recordEngineDied(auditID, -1, err)
			return
		}
	}

	if err := s.repo.SetIPCMode(context.Background(), auditID, string(mode)); err != nil {
		log.Error().Err(err).Msg("failed to record ipc mode")
	}

	s.drain(auditID, session)
}

// engineSession bundles a spawned subprocess with its established Reader
// and the first event already read off it (consumed while probing for
// transport establishment, so it must be replayed to the drain loop).
type engineSession struct {
	cmd        *exec.Cmd
	reader     ipc.Reader
	firstEvent *events.ProgressEvent
	cleanup    func()
}

// spawnAndEstablish spawns the engine in the given mode and blocks until
// either the first event arrives (success) or transportEstablishTimeout
// elapses (failure, triggering the caller's fallback). The subprocess is
// killed on failure.
func (s *Supervisor) spawnAndEstablish(auditID, url string, tier audit.Tier, verdictMode audit.VerdictMode, enabledModules []string, deadline time.Time, mode ipc.Mode) (*engineSession, error) {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)

	args := buildEngineArgs(auditID, url, tier, verdictMode, enabledModules, mode, s.useStdoutFallback)

	cmd := exec.CommandContext(ctx, s.enginePath, args...)
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = gracePeriod

	var reader ipc.Reader
	var cleanup func()

	switch mode {
	case ipc.ModeQueue:
		readPipe, writePipe, perr := os.Pipe()
		if perr != nil {
			cancel()
			return nil, fmt.Errorf("runner: create queue pipe: %w", perr)
		}
		cmd.ExtraFiles = []*os.File{writePipe}
		reader = ipc.NewQueueReader(bufio.NewReader(readPipe))
		cleanup = func() { readPipe.Close(); writePipe.Close() }
	case ipc.ModeStdout:
		stdout, perr := cmd.StdoutPipe()
		if perr != nil {
			cancel()
			return nil, fmt.Errorf("runner: attach stdout pipe: %w", perr)
		}
		reader = ipc.NewStdoutReader(stdout)
		cleanup = func() {}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		cleanup()
		return nil, fmt.Errorf("runner: start engine: %w", err)
	}
	if mode == ipc.ModeQueue {
		// The write end is held open by the child; the parent's copy must
		// be closed so EOF on the read end reflects the child's exit.
		cmd.ExtraFiles[0].Close()
	}

	type readResult struct {
		event events.ProgressEvent
		err   error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		event, err := reader.ReadEvent()
		resultCh <- readResult{event, err}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			cancel()
			_ = cmd.Process.Kill()
			cleanup()
			return nil, fmt.Errorf("runner: first event read failed: %w", result.err)
		}
		return &engineSession{cmd: cmd, reader: reader, firstEvent: &result.event, cleanup: func() { cancel(); cleanup() }}, nil
	case <-time.After(transportEstablishTimeout):
		cancel()
		_ = cmd.Process.Kill()
		cleanup()
		return nil, fmt.Errorf("runner: no event within %s of spawn", transportEstablishTimeout)
	}
}

// drain reads the rest of the engine's event stream (replaying the event
// already consumed while establishing transport), persisting and
// broadcasting each one, then watches for the process to exit. A process
// exit observed before a terminal event is synthesized as engine_died.
func (s *Supervisor) drain(auditID string, session *engineSession) {
	defer session.cleanup()
	log := logger.Runner().With().Str("audit_id", auditID).Logger()

	terminal := false

	handle := func(event events.ProgressEvent) {
		s.persistAndBroadcast(auditID, event)
		if event.Kind == events.KindAuditComplete || event.Kind == events.KindAuditError {
			terminal = true
			s.applyCompletion(auditID, event)
		}
	}

	handle(*session.firstEvent)

	for !terminal {
		event, err := session.reader.ReadEvent()
		if err != nil {
			if !terminal {
				log.Warn().Err(err).Msg("event stream ended before a terminal event")
			}
			break
		}
		handle(event)
	}

	waitErr := session.cmd.Wait()
	if !terminal {
		exitCode := -1
		if session.cmd.ProcessState != nil {
			exitCode = session.cmd.ProcessState.ExitCode()
		}
		s.recordEngineDied(auditID, exitCode, waitErr)
	}
}

// persistAndBroadcast writes event to the repository and fans it out to
// any connected websocket clients for this audit. A persistence failure is
// swallowed here (Repository.AppendEvent already applies the
// persistence_degraded policy internally); the audit is never aborted for
// this reason (spec §4.3).
func (s *Supervisor) persistAndBroadcast(auditID string, event events.ProgressEvent) {
	if err := s.repo.AppendEvent(context.Background(), event); err != nil {
		logger.Runner().Error().Err(err).Str("audit_id", auditID).Msg("failed to persist event")
	}

	if payload, err := json.Marshal(event); err == nil {
		s.hub.BroadcastToAudit(auditID, payload)
	}
}

// auditResultPayload mirrors cmd/veritas-engine's payload shape for the
// audit_result/audit_complete/audit_error events.
type auditResultPayload struct {
	Status       audit.Status      `json:"status"`
	Iteration    int               `json:"iteration"`
	DegradedMode bool              `json:"degraded"`
	TrustScore   *int              `json:"trust_score,omitempty"`
	RiskLevel    audit.RiskLevel   `json:"risk_level,omitempty"`
	Verdict      string            `json:"verdict,omitempty"`
	Errors       []audit.ErrorRecord `json:"errors,omitempty"`
}

// applyCompletion decodes a terminal event's payload and writes the
// audit's final state via Repository.Complete (spec §4.3, §4.9).
func (s *Supervisor) applyCompletion(auditID string, event events.ProgressEvent) {
	var payload auditResultPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		logger.Runner().Error().Err(err).Str("audit_id", auditID).Msg("failed to decode terminal event payload")
		return
	}

	status := string(payload.Status)
	if status == "" {
		if event.Kind == events.KindAuditError {
			status = string(audit.StatusError)
		} else {
			status = string(audit.StatusCompleted)
		}
	}

	var riskLevel *string
	if payload.RiskLevel != "" {
		r := string(payload.RiskLevel)
		riskLevel = &r
	}
	var verdictSummary *string
	if payload.Verdict != "" {
		verdictSummary = &payload.Verdict
	}

	errorsJSON := json.RawMessage("[]")
	if len(payload.Errors) > 0 {
		if encoded, err := json.Marshal(payload.Errors); err == nil {
			errorsJSON = encoded
		}
	}

	update := db.CompletionUpdate{
		Status:         status,
		TrustScore:     payload.TrustScore,
		RiskLevel:      riskLevel,
		VerdictSummary: verdictSummary,
		Errors:         errorsJSON,
	}

	if err := s.repo.Complete(context.Background(), auditID, update); err != nil {
		logger.Runner().Error().Err(err).Str("audit_id", auditID).Msg("failed to write completion")
	}
}

// recordEngineDied synthesizes an audit_error(kind=engine_died) completion
// for an audit whose subprocess exited before publishing a terminal event
// (spec §4.9).
func (s *Supervisor) recordEngineDied(auditID string, exitCode int, cause error) {
	log := logger.Runner().With().Str("audit_id", auditID).Logger()
	log.Error().Int("exit_code", exitCode).AnErr("cause", cause).Msg("engine_died")

	detail := fmt.Sprintf("engine exited with code %d", exitCode)
	if cause != nil {
		detail = fmt.Sprintf("%s: %s", detail, cause.Error())
	}

	errRecord := audit.ErrorRecord{
		Kind:    apperr.KindEngineDied,
		Message: "engine process exited before publishing a terminal event",
		Details: detail,
		At:      time.Now(),
	}
	errorsJSON, _ := json.Marshal([]audit.ErrorRecord{errRecord})

	update := db.CompletionUpdate{
		Status: string(audit.StatusError),
		Errors: errorsJSON,
	}
	if err := s.repo.Complete(context.Background(), auditID, update); err != nil {
		log.Error().Err(err).Msg("failed to persist engine_died completion")
	}

	if payload, err := json.Marshal(map[string]string{"kind": apperr.KindEngineDied, "message": detail}); err == nil {
		s.hub.BroadcastToAudit(auditID, payload)
	}
}

// recordTransportFailed synthesizes an audit_error(kind=ipc_transport_failed)
// completion when Queue-mode transport never establishes and
// useStdoutFallback is disabled (spec §4.2, §7's unrecoverable-error list).
// Unlike engine_died, no subprocess may even still be running here:
// spawnAndEstablish already killed it before returning the error.
func (s *Supervisor) recordTransportFailed(auditID string, cause error) {
	log := logger.Runner().With().Str("audit_id", auditID).Logger()
	log.Error().Err(cause).Msg(apperr.KindIPCTransportFailed)

	errRecord := audit.ErrorRecord{
		Kind:    apperr.KindIPCTransportFailed,
		Message: "queue-mode ipc transport failed to establish and stdout fallback is disabled",
		Details: cause.Error(),
		At:      time.Now(),
	}
	errorsJSON, _ := json.Marshal([]audit.ErrorRecord{errRecord})

	update := db.CompletionUpdate{
		Status: string(audit.StatusError),
		Errors: errorsJSON,
	}
	if err := s.repo.Complete(context.Background(), auditID, update); err != nil {
		log.Error().Err(err).Msg("failed to persist ipc_transport_failed completion")
	}

	if payload, err := json.Marshal(map[string]string{"kind": apperr.KindIPCTransportFailed, "message": errRecord.Message}); err == nil {
		s.hub.BroadcastToAudit(auditID, payload)
	}
}

// buildEngineArgs assembles the veritas-engine CLI arguments for one spawn
// attempt, including --use-stdout-fallback when the Supervisor was
// configured to allow the Stdout-mode retry (spec §6's CLI signature).
func buildEngineArgs(auditID, url string, tier audit.Tier, verdictMode audit.VerdictMode, enabledModules []string, mode ipc.Mode, useStdoutFallback bool) []string {
	args := []string{
		"--audit-id", auditID,
		"--url", url,
		"--tier", string(tier),
		"--verdict-mode", string(verdictMode),
		"--ipc-mode", string(mode),
	}
	if len(enabledModules) > 0 {
		args = append(args, "--modules", joinModules(enabledModules))
	}
	if useStdoutFallback {
		args = append(args, "--use-stdout-fallback")
	}
	return args
}

func joinModules(modules []string) string {
	out := modules[0]
	for _, m := range modules[1:] {
		out += "," + m
	}
	return out
}
