// Command veritas-engine is the per-audit engine process (spec §4.8). The
// Runner (cmd/veritasd) spawns one of these per audit, wires an IPC
// transport to it, and reads its ProgressEvent stream until a terminal
// event arrives.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/veritas-audit/veritas/internal/audit"
	"github.com/veritas-audit/veritas/internal/events"
	"github.com/veritas-audit/veritas/internal/ipc"
	"github.com/veritas-audit/veritas/internal/logger"
	"github.com/veritas-audit/veritas/internal/orchestrator"
)

// Exit codes (spec §4.8).
const (
	exitCompleted = 0
	exitError     = 1
	exitAborted   = 2
)

// ipcFD is the file descriptor Queue-mode reads/writes on, inherited from
// the Runner via exec.Cmd.ExtraFiles[0]. fd 0-2 are stdin/stdout/stderr, so
// the first extra file lands at fd 3.
const ipcFD = 3

func main() {
	app := &cli.App{
		Name:  "veritas-engine",
		Usage: "runs one VERITAS audit to completion and exits",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Required: true, Usage: "absolute http(s) URL to audit"},
			&cli.StringFlag{Name: "audit-id", Required: true},
			&cli.StringFlag{Name: "tier", Value: string(audit.TierStandardAudit), Usage: "quick_scan|standard_audit|deep_forensic"},
			&cli.StringFlag{Name: "verdict-mode", Value: string(audit.VerdictModeSimple), Usage: "simple|expert"},
			&cli.StringFlag{Name: "ipc-mode", Value: string(ipc.ModeQueue), Usage: "queue|stdout"},
			&cli.StringFlag{Name: "modules", Usage: "comma-separated list of enabled security modules"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
			&cli.BoolFlag{Name: "use-stdout-fallback", Usage: "passed by the Runner on every spawn when its stdout fallback is enabled; accepted for CLI-signature parity, the engine itself only ever honors --ipc-mode as given"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitError)
	}
}

func run(c *cli.Context) error {
	logger.Initialize(c.String("log-level"), false, "veritas-engine", os.Stderr)
	log := logger.Engine()

	auditID := c.String("audit-id")
	tier := audit.Tier(c.String("tier"))
	verdictMode := audit.VerdictMode(c.String("verdict-mode"))
	mode := ipc.Mode(c.String("ipc-mode"))
	modules := splitModules(c.String("modules"))

	writer, closeTransport, err := buildWriter(mode)
	if err != nil {
		log.Error().Err(err).Msg("failed to construct ipc transport")
		return cli.Exit(err, exitError)
	}
	defer closeTransport()

	limits := orchestrator.LimitsFor(tier)
	state := audit.NewAuditState(auditID, c.String("url"), tier, verdictMode,
		limits.MaxIterations, limits.MaxPages, limits.MaxVLMCredits)
	state.EnabledModules = modules

	bus := events.NewBus(auditID, events.DefaultCapacity)

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go drainBus(bus, writer, &writerWG, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.NewOrchestrator(state, bus)
	status := orch.Run(ctx)

	publishResult(bus, state, status)

	bus.Close()
	writerWG.Wait()

	log.Info().Str("audit_id", auditID).Str("status", string(status)).Msg("engine exiting")

	switch status {
	case audit.StatusCompleted:
		return cli.Exit("", exitCompleted)
	case audit.StatusAborted:
		return cli.Exit("", exitAborted)
	default:
		return cli.Exit("", exitError)
	}
}

// buildWriter constructs the IPC Writer for mode, along with a cleanup
// func the caller must defer.
func buildWriter(mode ipc.Mode) (ipc.Writer, func(), error) {
	switch mode {
	case ipc.ModeQueue:
		f := os.NewFile(ipcFD, "veritas-ipc")
		if f == nil {
			return nil, nil, fmt.Errorf("veritas-engine: queue mode requires an inherited fd %d", ipcFD)
		}
		w := ipc.NewQueueWriter(f)
		return w, func() { f.Close() }, nil
	case ipc.ModeStdout:
		w := ipc.NewStdoutWriter(os.Stdout)
		return w, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("veritas-engine: unknown ipc mode %q", mode)
	}
}

// drainBus is the bus's sole consumer (spec §5 "exactly one producer ...
// and one consumer"): it forwards every ProgressEvent to the IPC writer in
// arrival order until the bus closes.
func drainBus(bus *events.Bus, writer ipc.Writer, wg *sync.WaitGroup, log *zerolog.Logger) {
	defer wg.Done()
	for event := range bus.Events() {
		if err := writer.WriteEvent(event); err != nil {
			log.Error().Err(err).Uint64("sequence_no", event.SequenceNo).Msg("failed to write progress event")
		}
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close ipc writer")
	}
}

// auditResultPayload is the terminal evidence summary published as
// audit_result before audit_complete/audit_error (spec §4.8).
type auditResultPayload struct {
	Status       audit.Status     `json:"status"`
	Iteration    int              `json:"iteration"`
	DegradedMode bool             `json:"degraded"`
	TrustScore   *int             `json:"trust_score,omitempty"`
	RiskLevel    audit.RiskLevel  `json:"risk_level,omitempty"`
	Verdict      string           `json:"verdict,omitempty"`
	Errors       []audit.ErrorRecord `json:"errors,omitempty"`
}

func publishResult(bus *events.Bus, state *audit.AuditState, status audit.Status) {
	result := auditResultPayload{
		Status:       status,
		Iteration:    state.Iteration,
		DegradedMode: state.DegradedMode,
		Errors:       state.Errors,
	}
	if state.JudgeDecision != nil {
		result.TrustScore = state.JudgeDecision.TrustScore
		result.RiskLevel = state.JudgeDecision.RiskLevel
		result.Verdict = state.JudgeDecision.VerdictSummary
	}

	payload, err := json.Marshal(result)
	if err != nil {
		logger.Engine().Error().Err(err).Msg("failed to marshal audit_result payload")
		return
	}
	bus.Publish(events.KindAuditResult, events.PhaseJudge, payload)

	completionKind := events.KindAuditComplete
	if status == audit.StatusError {
		completionKind = events.KindAuditError
	}
	bus.Publish(completionKind, events.PhaseJudge, payload)
}

func splitModules(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	modules := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			modules = append(modules, trimmed)
		}
	}
	return modules
}
