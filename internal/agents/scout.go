package agents

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/veritas-audit/veritas/internal/apperr"
	"github.com/veritas-audit/veritas/internal/audit"
)

// ScoutID is the registry id for the Scout agent (spec §4.4).
const ScoutID = "scout"

// screenshotRoot is the storage root every screenshot path must resolve
// under; callers MUST validate this before persisting (spec §6, §8
// testable property 7).
const screenshotRoot = "storage/screenshots"

// Scout is a deterministic stand-in for the navigation/capture stage. It
// validates the next pending URL, simulates a page capture, and appends a
// ScoutResult. Real deployments replace this with a browser-driven
// implementation registered under ScoutID.
type Scout struct{}

func NewScout() Agent { return &Scout{} }

func (s *Scout) Analyze(ctx Context, snap audit.Snapshot) (audit.Patch, error) {
	if len(snap.PendingURLs) == 0 {
		return audit.Patch{}, apperr.NewInPhase(apperr.KindAgentError, string(audit.PhaseScout), "no pending URLs")
	}
	target := snap.PendingURLs[0]

	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return audit.Patch{}, apperr.NewInPhase(apperr.KindDNSFailed, string(audit.PhaseScout),
			fmt.Sprintf("could not resolve %q", target))
	}

	select {
	case <-ctx.Done():
		return audit.Patch{}, apperr.NewInPhase(apperr.KindNavigationTimeout, string(audit.PhaseScout), "navigation cancelled")
	default:
	}

	path, err := screenshotPath(ctx.AuditID, 0, time.Now())
	if err != nil {
		return audit.Patch{}, err
	}

	screenshot := audit.Screenshot{
		Path:  path,
		Label: "landing",
		Index: 0,
		Size:  0,
		MIME:  "image/png",
	}

	result := audit.ScoutResult{
		URL:         target,
		DOM:         "",
		Screenshots: []audit.Screenshot{screenshot},
		Metadata:    map[string]string{"host": parsed.Host},
	}

	return audit.Patch{
		AppendScoutResult:         &result,
		MovePendingToInvestigated: target,
		ResetScoutFailures:        true,
		IncrementPagesVisited:     1,
	}, nil
}

// screenshotPath builds the on-disk path for one screenshot and validates
// that the cleaned result still resolves under screenshotRoot. auditID is
// server-generated today, so this is inert in practice, but nothing
// upstream of this stand-in actually enforces that invariant, so a crafted
// audit_id containing "../" segments must not be allowed to escape the
// storage root.
func screenshotPath(auditID string, index int, takenAt time.Time) (string, error) {
	raw := filepath.Join(screenshotRoot, auditID, fmt.Sprintf("%d_%d.png", takenAt.Unix(), index))
	cleaned := filepath.Clean(raw)

	if cleaned != screenshotRoot && !strings.HasPrefix(cleaned, screenshotRoot+string(filepath.Separator)) {
		return "", apperr.NewInPhase(apperr.KindAgentError, string(audit.PhaseScout),
			fmt.Sprintf("screenshot path %q escapes %s", cleaned, screenshotRoot))
	}
	return cleaned, nil
}
