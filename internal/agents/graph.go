package agents

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veritas-audit/veritas/internal/apperr"
	"github.com/veritas-audit/veritas/internal/audit"
)

// GraphID is the registry id for the Graph agent (spec §4.4).
const GraphID = "graph"

// osintSourceTier mirrors the Security module tiers for Graph's OSINT
// sources (spec §4.5: "dispatched in the same three-tier pattern").
type osintSourceTier struct {
	deadline time.Duration
	sources  []string
}

var defaultSourceTiers = []osintSourceTier{
	{deadline: 5 * time.Second, sources: []string{"whois"}},
	{deadline: 10 * time.Second, sources: []string{"registrar_history"}},
	{deadline: 30 * time.Second, sources: []string{"business_registry"}},
}

// graphStageTimeout bounds the stage as a whole; exceeding it is fatal to
// the stage (spec §4.4: "graph_timeout (fatal to stage)"), unlike a single
// source timing out, which only contributes a sub-finding.
const graphStageTimeout = 30 * time.Second

// Graph is a deterministic stand-in for the entity-verification stage: it
// fans out to OSINT sources per tier and merges their subreports. A source
// that times out contributes source_unavailable rather than failing the
// stage.
type Graph struct{}

func NewGraph() Agent { return &Graph{} }

func (gr *Graph) Analyze(ctx Context, snap audit.Snapshot) (audit.Patch, error) {
	stageCtx, cancel := context.WithTimeout(ctx.Context, graphStageTimeout)
	defer cancel()

	var mu sync.Mutex
	var subreports []audit.OSINTSubreport

	for _, tier := range defaultSourceTiers {
		select {
		case <-stageCtx.Done():
			return audit.Patch{}, apperr.NewInPhase(apperr.KindGraphTimeout, string(audit.PhaseGraph), "graph stage deadline exceeded")
		default:
		}

		tierCtx, tierCancel := context.WithTimeout(stageCtx, tier.deadline)
		g, gctx := errgroup.WithContext(tierCtx)
		for _, source := range tier.sources {
			source := source
			g.Go(func() error {
				sub := runOSINTSource(gctx, source)
				mu.Lock()
				subreports = append(subreports, sub)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		tierCancel()
	}

	report := &audit.GraphReport{Subreports: subreports}
	for _, sub := range subreports {
		report.VerifiedEntities = append(report.VerifiedEntities, sub.Verified...)
		report.ContradictedEntities = append(report.ContradictedEntities, sub.Contradicted...)
	}

	return audit.Patch{SetGraphResult: report}, nil
}

func runOSINTSource(ctx context.Context, source string) audit.OSINTSubreport {
	select {
	case <-ctx.Done():
		return audit.OSINTSubreport{Source: source, Unavailable: true}
	default:
	}
	return audit.OSINTSubreport{Source: source}
}
