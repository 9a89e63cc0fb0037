// Package risk computes the transparent weighted risk score for a change.
// The scorer is deterministic and pure: identical ChangeFacts produce an
// identical score and breakdown on any host, and the clock never enters.
package risk

import (
	"math"

	"github.com/gitguard-io/gitguard/pkg/event"
)

// Thresholds configure the scorer's normalization constants. Decision
// thresholds (auto-merge, require-review, block) live in policy rules,
// not here.
type Thresholds struct {
	// SizeThreshold normalizes lines_changed (default 800).
	SizeThreshold int
	// MaxFiles normalizes files_touched (default 50).
	MaxFiles int
	// PerfBudget normalizes positive perf deltas (default 40).
	PerfBudget float64
}

// DefaultThresholds returns the stock normalization constants.
func DefaultThresholds() Thresholds {
	return Thresholds{SizeThreshold: 800, MaxFiles: 50, PerfBudget: 40}
}

// Factor names as they appear in the breakdown, policy receipts, and the
// PR digest risk table.
const (
	FactorType     = "type_risk"
	FactorSize     = "size_risk"
	FactorChurn    = "churn_risk"
	FactorCoverage = "coverage_risk"
	FactorPerf     = "perf_risk"
	FactorSecurity = "security_risk"
	FactorRubric   = "rubric_risk"
	FactorTest     = "test_bonus"
)

// FactorOrder is the canonical presentation order.
var FactorOrder = []string{
	FactorType, FactorSize, FactorChurn, FactorCoverage,
	FactorPerf, FactorSecurity, FactorRubric, FactorTest,
}

// typeWeights maps change types to their base risk contribution.
var typeWeights = map[event.ChangeType]float64{
	event.ChangeDocs:     0.05,
	event.ChangeChore:    0.10,
	event.ChangeFix:      0.20,
	event.ChangeFeat:     0.25,
	event.ChangeRefactor: 0.20,
}

// Score is the scored risk of a change: a clamped sum of eight factors,
// each capped, with the full breakdown preserved for receipts and digests.
type Score struct {
	Value     float64            `json:"value"`
	Breakdown map[string]float64 `json:"breakdown"`
}

// Scorer computes risk scores.
type Scorer struct {
	thresholds Thresholds
}

// NewScorer creates a scorer with the given thresholds.
func NewScorer(t Thresholds) *Scorer {
	if t.SizeThreshold <= 0 {
		t.SizeThreshold = 800
	}
	if t.MaxFiles <= 0 {
		t.MaxFiles = 50
	}
	if t.PerfBudget <= 0 {
		t.PerfBudget = 40
	}
	return &Scorer{thresholds: t}
}

// Compute scores the given facts.
func (s *Scorer) Compute(facts event.ChangeFacts) Score {
	t := s.thresholds
	breakdown := map[string]float64{
		FactorType:     capAt(typeWeight(facts.ChangeType), 0.25),
		FactorSize:     capAt(float64(facts.LinesChanged)/float64(t.SizeThreshold), 0.25),
		FactorChurn:    capAt(float64(len(facts.FilesTouched))/float64(t.MaxFiles), 0.10),
		FactorCoverage: capAt(math.Max(-facts.CoverageDelta, 0), 0.20),
		FactorPerf:     capAt(math.Max(facts.PerfDelta, 0)/t.PerfBudget, 0.20),
		FactorSecurity: 0,
		FactorRubric:   capAt(0.05*float64(failingRubricItems(facts.RubricFailures)), 0.25),
		FactorTest:     0,
	}
	if facts.SecurityFlags {
		breakdown[FactorSecurity] = 0.30
	}
	if facts.NewTests {
		breakdown[FactorTest] = -0.15
	}

	sum := 0.0
	for _, v := range breakdown {
		sum += v
	}
	return Score{Value: round3(clamp01(sum)), Breakdown: breakdown}
}

func typeWeight(ct event.ChangeType) float64 {
	if w, ok := typeWeights[ct]; ok {
		return w
	}
	return typeWeights[event.ChangeChore]
}

func failingRubricItems(items []int) int {
	failing := 0
	for _, score := range items {
		if score > 0 {
			failing++
		}
	}
	return failing
}

func capAt(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
