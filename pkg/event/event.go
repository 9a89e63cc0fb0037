// Package event defines the normalized internal event record and the
// normalization pipeline that converts host-native webhook payloads into it.
// Events are immutable once admitted; every downstream stage works from the
// normalized record, never the raw payload.
package event

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind enumerates the supported host event kinds.
type Kind string

const (
	KindPullRequest Kind = "pull_request"
	KindPush        Kind = "push"
	KindReview      Kind = "review"
	KindCheckRun    Kind = "check_run"
	KindRelease     Kind = "release"
	KindPing        Kind = "ping"
)

// KnownKinds lists every kind the normalizer admits.
var KnownKinds = []Kind{KindPullRequest, KindPush, KindReview, KindCheckRun, KindRelease, KindPing}

// IsKnown reports whether k is an admitted kind.
func (k Kind) IsKnown() bool {
	for _, known := range KnownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Repo identifies a repository on the host.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// FullName returns "owner/name".
func (r Repo) FullName() string { return r.Owner + "/" + r.Name }

// Event is the normalized internal record of one host event.
// Kind-specific detail lives in the typed fields; anything the host sent
// that the core does not model stays behind in the raw payload and is
// dropped at normalization.
type Event struct {
	Kind      Kind      `json:"kind"`
	Action    string    `json:"action"`
	Repo      Repo      `json:"repo"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`

	// Pull request / review fields.
	Number       int      `json:"number,omitempty"`
	Title        string   `json:"title,omitempty"`
	Files        []string `json:"files,omitempty"`
	LinesChanged int      `json:"lines_changed,omitempty"`
	Approvals    int      `json:"approvals,omitempty"`

	// Push fields.
	Ref string `json:"ref,omitempty"`

	// Release fields.
	Tag string `json:"tag,omitempty"`

	// Check/CI sourced measurements.
	CoverageDelta  float64           `json:"coverage_delta,omitempty"`
	PerfDelta      float64           `json:"perf_delta,omitempty"`
	RubricFailures []int             `json:"rubric_failures,omitempty"`
	NewTests       bool              `json:"new_tests,omitempty"`
	Checks         map[string]string `json:"checks,omitempty"`

	// DiffLines is a bounded preview of added diff lines, used only by the
	// security pattern scan.
	DiffLines []string `json:"diff_lines,omitempty"`

	// TruncatedFiles is set when the host file list exceeded the configured
	// bound and was cut.
	TruncatedFiles bool `json:"truncated_files,omitempty"`
}

// Key returns the workflow serialization key. Events for the same key are
// processed in stream-sequence order; distinct keys run in parallel.
func (e *Event) Key() string {
	switch {
	case e.Number > 0:
		return fmt.Sprintf("%s#%d", e.Repo.FullName(), e.Number)
	case e.Tag != "":
		return fmt.Sprintf("%s@%s", e.Repo.FullName(), e.Tag)
	case e.Ref != "":
		return fmt.Sprintf("%s!%s", e.Repo.FullName(), e.Ref)
	default:
		return e.Repo.FullName()
	}
}

// Subject returns the stream subject for the event.
func (e *Event) Subject() string {
	return SubjectFor(e.Kind, e.Action)
}

// subjectActions is the routable action vocabulary per kind. Actions
// outside it collapse onto the kind's "other" subject so consumers can
// subscribe to a closed subject set.
var subjectActions = map[Kind][]string{
	KindPullRequest: {"opened", "synchronize", "reopened", "closed", "edited"},
	KindPush:        {"default"},
	KindReview:      {"submitted", "dismissed"},
	KindCheckRun:    {"created", "completed"},
	KindRelease:     {"published", "released"},
	KindPing:        {"default"},
}

// SubjectFor maps a kind and action to its stream subject.
func SubjectFor(kind Kind, action string) string {
	if action == "" {
		action = "default"
	}
	for _, known := range subjectActions[kind] {
		if action == known {
			return fmt.Sprintf("gh.%s.%s", kind, action)
		}
	}
	return fmt.Sprintf("gh.%s.other", kind)
}

// Subjects enumerates every routable subject, for consumers.
func Subjects() []string {
	var subjects []string
	for _, kind := range KnownKinds {
		for _, action := range subjectActions[kind] {
			subjects = append(subjects, fmt.Sprintf("gh.%s.%s", kind, action))
		}
		subjects = append(subjects, fmt.Sprintf("gh.%s.other", kind))
	}
	return subjects
}

// Canonicalize returns a copy of e in canonical form: UTC timestamps,
// trimmed title, and the file and diff lists sorted. Normalization always
// ends in Canonicalize, so normalize(canonicalize(e)) == normalize(e).
func Canonicalize(e Event) Event {
	out := e
	out.CreatedAt = e.CreatedAt.UTC().Truncate(time.Second)
	out.Title = strings.TrimSpace(e.Title)
	if len(e.Files) > 0 {
		out.Files = append([]string(nil), e.Files...)
		sort.Strings(out.Files)
	}
	if len(e.RubricFailures) > 0 {
		out.RubricFailures = append([]int(nil), e.RubricFailures...)
		sort.Ints(out.RubricFailures)
	}
	return out
}

// ChangeType classifies a change by its conventional-commit prefix.
type ChangeType string

const (
	ChangeDocs     ChangeType = "docs"
	ChangeChore    ChangeType = "chore"
	ChangeFix      ChangeType = "fix"
	ChangeFeat     ChangeType = "feat"
	ChangeRefactor ChangeType = "refactor"
)

// SizeCategory buckets a change by lines touched.
type SizeCategory string

const (
	SizeXS SizeCategory = "XS"
	SizeS  SizeCategory = "S"
	SizeM  SizeCategory = "M"
	SizeL  SizeCategory = "L"
	SizeXL SizeCategory = "XL"
)

// ChangeFacts is the normalized numeric/boolean summary of a change,
// derived from an Event. It is the sole input to the risk scorer.
type ChangeFacts struct {
	LinesChanged   int          `json:"lines_changed"`
	FilesTouched   []string     `json:"files_touched"`
	CoverageDelta  float64      `json:"coverage_delta"`
	PerfDelta      float64      `json:"perf_delta"`
	ChangeType     ChangeType   `json:"change_type"`
	SecurityFlags  bool         `json:"security_flags"`
	RubricFailures []int        `json:"rubric_failures"`
	NewTests       bool         `json:"new_tests"`
	SizeCategory   SizeCategory `json:"size_category"`
	Truncated      bool         `json:"truncated"`
}
