package agents

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veritas-audit/veritas/internal/apperr"
	"github.com/veritas-audit/veritas/internal/audit"
)

// SecurityID is the registry id for the Security agent (spec §4.4).
const SecurityID = "security"

// securityModuleTier buckets modules by their per-tier deadline (spec §4.5:
// "modules are dispatched in three tiers (fast ≤5s, medium ≤10s,
// deep ≤30s); within a tier they run in parallel").
type securityModuleTier struct {
	name     string
	deadline time.Duration
	modules  []string
}

// defaultModuleTiers assigns each known module name to a tier. A module not
// named here falls into the deep tier by default.
var defaultModuleTiers = []securityModuleTier{
	{name: "fast", deadline: 5 * time.Second, modules: []string{"tls", "headers"}},
	{name: "medium", deadline: 10 * time.Second, modules: []string{"cookies", "trackers"}},
	{name: "deep", deadline: 30 * time.Second, modules: []string{"forms", "third_party_scripts"}},
}

// Security is a deterministic stand-in for the per-module security scan
// stage. Each enabled module runs concurrently within its tier and
// contributes a ModuleResult; a module that errors contributes a
// module_error finding rather than failing the stage (spec §4.4, §7).
type Security struct{}

func NewSecurity() Agent { return &Security{} }

func (s *Security) Analyze(ctx Context, snap audit.Snapshot) (audit.Patch, error) {
	if len(snap.ScoutResults) == 0 {
		return audit.Patch{}, apperr.NewInPhase(apperr.KindAgentError, string(audit.PhaseSecurity), "no scout result to scan")
	}

	enabled := enabledModuleSet(snap)
	results := make(map[string]audit.ModuleResult)

	for _, tier := range defaultModuleTiers {
		tierResults := s.runTier(ctx, tier, enabled)
		for module, result := range tierResults {
			results[module] = result
		}
	}

	return audit.Patch{MergeSecurityResults: results}, nil
}

// enabledModuleSet derives which modules to run. An empty EnabledModules
// list (the common case) runs every default-tier module; a non-empty list
// (from veritas-engine's --modules flag) narrows the set to only those
// named.
func enabledModuleSet(snap audit.Snapshot) map[string]bool {
	if len(snap.EnabledModules) > 0 {
		set := make(map[string]bool, len(snap.EnabledModules))
		for _, m := range snap.EnabledModules {
			set[m] = true
		}
		return set
	}

	set := make(map[string]bool)
	for _, tier := range defaultModuleTiers {
		for _, m := range tier.modules {
			set[m] = true
		}
	}
	return set
}

func (s *Security) runTier(parent Context, tier securityModuleTier, enabled map[string]bool) map[string]audit.ModuleResult {
	tierCtx, cancel := context.WithTimeout(parent.Context, tier.deadline)
	defer cancel()

	results := make(map[string]audit.ModuleResult)
	var mu resultMutex

	modules := tier.modules
	if tier.name == "deep" {
		modules = append([]string(nil), tier.modules...)
	untiered:
		for m := range enabled {
			for _, t := range defaultModuleTiers {
				if slices.Contains(t.modules, m) {
					continue untiered
				}
			}
			modules = append(modules, m)
		}
	}

	g, gctx := errgroup.WithContext(tierCtx)
	for _, module := range modules {
		module := module
		if !enabled[module] {
			continue
		}
		g.Go(func() error {
			result := runSecurityModule(gctx, module)
			mu.set(results, module, result)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// runSecurityModule simulates one module's scan. A real implementation
// would dispatch to a dedicated scanner per module name.
func runSecurityModule(ctx context.Context, module string) audit.ModuleResult {
	select {
	case <-ctx.Done():
		return audit.ModuleResult{
			Module: module,
			Score:  0,
			Errors: []audit.ErrorRecord{{
				Kind:    apperr.KindModuleTimeout,
				Phase:   audit.PhaseSecurity,
				Message: fmt.Sprintf("module %s timed out", module),
				At:      time.Now(),
			}},
		}
	default:
	}

	return audit.ModuleResult{
		Module:   module,
		Score:    1.0,
		Findings: nil,
	}
}

// resultMutex serializes writes into a shared map from concurrent
// goroutines without needing a dedicated type per caller.
type resultMutex struct {
	mu sync.Mutex
}

func (r *resultMutex) set(m map[string]audit.ModuleResult, key string, value audit.ModuleResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m[key] = value
}
