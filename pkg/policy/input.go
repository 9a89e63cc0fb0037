package policy

import (
	"time"

	"github.com/gitguard-io/gitguard/pkg/event"
	"github.com/gitguard-io/gitguard/pkg/risk"
)

// BuildInput assembles the evaluation input for one change. Every key a
// bundle rule may dereference is always present, so map lookups never
// error on absent fields. Time enters here and nowhere else: now is
// formatted RFC 3339 and tz names the IANA zone rules should use for
// local-time predicates.
func BuildInput(e event.Event, facts event.ChangeFacts, score risk.Score, now time.Time, tz string) map[string]any {
	if tz == "" {
		tz = "UTC"
	}
	files := e.Files
	if files == nil {
		files = []string{}
	}
	checks := map[string]any{}
	for name, status := range e.Checks {
		checks[name] = status
	}

	return map[string]any{
		"action": e.Action,
		"kind":   string(e.Kind),
		"repo": map[string]any{
			"owner": e.Repo.Owner,
			"name":  e.Repo.Name,
			"full":  e.Repo.FullName(),
		},
		"actor": e.Actor,
		"pr": map[string]any{
			"number":        e.Number,
			"title":         e.Title,
			"lines_changed": e.LinesChanged,
			"change_type":   string(facts.ChangeType),
			"size_category": string(facts.SizeCategory),
			"truncated":     facts.Truncated,
		},
		"tag":       e.Tag,
		"push":      map[string]any{"ref": e.Ref},
		"approvals": e.Approvals,
		"files":     files,
		"checks":    checks,
		"facts": map[string]any{
			"security_flags": facts.SecurityFlags,
			"new_tests":      facts.NewTests,
			"coverage_delta": facts.CoverageDelta,
			"perf_delta":     facts.PerfDelta,
		},
		"score": map[string]any{
			"value":     score.Value,
			"breakdown": breakdownMap(score),
		},
		"now": now.UTC().Format(time.RFC3339),
		"tz":  tz,
	}
}

func breakdownMap(score risk.Score) map[string]any {
	m := make(map[string]any, len(score.Breakdown))
	for factor, v := range score.Breakdown {
		m[factor] = v
	}
	return m
}
