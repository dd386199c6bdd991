package update

import (
	"context"
	"path"

	"github.com/dockmon/dockmon/internal/store"
)

// Verdict is the outcome of running one candidate through the batch
// pre-flight policy validator (spec §4.6).
type Verdict string

const (
	VerdictBlocked Verdict = "blocked"
	VerdictWarned  Verdict = "warned"
	VerdictAllowed Verdict = "allowed"
)

// SelfLabel marks the container running DockMon's own controller/agent —
// the policy validator blocks updates to it through this generic path when
// it also matches a critical-category pattern; otherwise it is allowed like
// any other container.
const SelfLabel = "dockmon.self"

// Candidate is one container being considered for a batch update.
type Candidate struct {
	CompositeKey string
	Image        string
	Labels       map[string]string
	Updatable    bool // false for containers the executor structurally can't recreate (e.g. one already mid-update)
}

// Decision is the validator's verdict for one candidate.
type Decision struct {
	CompositeKey   string
	Verdict        Verdict
	MatchedPattern string
}

// ValidateBatch classifies every candidate against the enabled policy
// patterns: blocked when the image matches a critical-category pattern and
// the container is either DockMon's own controller or otherwise
// non-updatable; warned when it matches any enabled pattern; allowed
// otherwise. Patterns are shell-style globs (path.Match), matched against
// the bare image reference, mirroring how the teacher's update-skip filter
// matches container names in internal/engine/scheduler.go.
func ValidateBatch(ctx context.Context, updates *store.UpdateRepo, candidates []Candidate) ([]Decision, error) {
	policies, err := updates.ListEnabledPolicies(ctx)
	if err != nil {
		return nil, err
	}

	decisions := make([]Decision, 0, len(candidates))
	for _, c := range candidates {
		decisions = append(decisions, decideOne(policies, c))
	}
	return decisions, nil
}

func decideOne(policies []store.UpdatePolicy, c Candidate) Decision {
	isSelf := c.Labels[SelfLabel] == "true"

	var matchedCritical, matchedAny string
	for _, p := range policies {
		matched, _ := path.Match(p.Pattern, c.Image)
		if !matched {
			continue
		}
		if matchedAny == "" {
			matchedAny = p.Pattern
		}
		if p.Category == store.PolicyCritical && matchedCritical == "" {
			matchedCritical = p.Pattern
		}
	}

	if matchedCritical != "" && (isSelf || !c.Updatable) {
		return Decision{CompositeKey: c.CompositeKey, Verdict: VerdictBlocked, MatchedPattern: matchedCritical}
	}
	if matchedAny != "" {
		return Decision{CompositeKey: c.CompositeKey, Verdict: VerdictWarned, MatchedPattern: matchedAny}
	}
	return Decision{CompositeKey: c.CompositeKey, Verdict: VerdictAllowed}
}
