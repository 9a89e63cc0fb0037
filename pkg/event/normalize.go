package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

var (
	ErrUnknownKind = errors.New("event: unknown event kind")
	ErrMalformed   = errors.New("event: malformed payload")
)

// NormalizerOptions bound and classify what the normalizer admits.
type NormalizerOptions struct {
	// MaxFiles caps the file list; overflow sets TruncatedFiles.
	MaxFiles int
	// MaxDiffLines caps the diff preview kept for the security scan.
	MaxDiffLines int
	// SecurityPatterns are matched against file paths and diff lines when
	// deriving ChangeFacts.
	SecurityPatterns []*regexp.Regexp
}

// DefaultSecurityPatterns is the baseline security-sensitive pattern list.
// Config may extend it.
func DefaultSecurityPatterns() []*regexp.Regexp {
	exprs := []string{
		`(?i)(^|/)auth[^/]*\.`,
		`(?i)(^|/)(secrets?|credentials?)(/|\.|$)`,
		`(?i)password`,
		`(?i)private[_-]?key`,
		`(?i)\.pem$`,
		`(?i)(^|/)security(/|\.|$)`,
	}
	patterns := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		patterns = append(patterns, regexp.MustCompile(e))
	}
	return patterns
}

// DefaultNormalizerOptions returns the rollout defaults.
func DefaultNormalizerOptions() NormalizerOptions {
	return NormalizerOptions{
		MaxFiles:         200,
		MaxDiffLines:     500,
		SecurityPatterns: DefaultSecurityPatterns(),
	}
}

// Normalizer converts host-native payloads into Events and derives
// ChangeFacts from them. It is pure: the clock never enters; timestamps
// come from the payload.
type Normalizer struct {
	opts NormalizerOptions
}

// NewNormalizer creates a normalizer with the given options.
func NewNormalizer(opts NormalizerOptions) *Normalizer {
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 200
	}
	if opts.MaxDiffLines <= 0 {
		opts.MaxDiffLines = 500
	}
	return &Normalizer{opts: opts}
}

// hostPayload mirrors the subset of the GitHub-native webhook body the
// normalizer reads. Unknown fields are ignored.
type hostPayload struct {
	Action     string `json:"action"`
	Number     int    `json:"number"`
	Ref        string `json:"ref"`
	Zen        string `json:"zen"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
			Name  string `json:"name"`
		} `json:"owner"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	PullRequest struct {
		Number    int    `json:"number"`
		Title     string `json:"title"`
		Additions int    `json:"additions"`
		Deletions int    `json:"deletions"`
		CreatedAt string `json:"created_at"`
		User      struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Review struct {
		State string `json:"state"`
	} `json:"review"`
	CheckRun struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
	} `json:"check_run"`
	Release struct {
		TagName   string `json:"tag_name"`
		CreatedAt string `json:"created_at"`
	} `json:"release"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Commits []struct {
		Timestamp string   `json:"timestamp"`
		Added     []string `json:"added"`
		Removed   []string `json:"removed"`
		Modified  []string `json:"modified"`
	} `json:"commits"`

	// Enrichment fields attached by CI integrations; optional.
	Files          []string          `json:"files"`
	DiffLines      []string          `json:"diff_lines"`
	CoverageDelta  float64           `json:"coverage_delta"`
	PerfDelta      float64           `json:"perf_delta"`
	RubricFailures []int             `json:"rubric_failures"`
	NewTests       bool              `json:"new_tests"`
	Approvals      int               `json:"approvals"`
	Checks         map[string]string `json:"checks"`
}

// Normalize parses a raw host payload into a canonical Event. receivedAt
// is the ingress admission time, used when the payload carries no timestamp
// of its own; the normalizer itself never reads the wall clock.
func (n *Normalizer) Normalize(kind Kind, rawBody []byte, receivedAt time.Time) (Event, error) {
	if !kind.IsKnown() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	var p hostPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	owner := p.Repository.Owner.Login
	if owner == "" {
		owner = p.Repository.Owner.Name
	}
	if kind != KindPing && (owner == "" || p.Repository.Name == "") {
		return Event{}, fmt.Errorf("%w: missing repository", ErrMalformed)
	}

	e := Event{
		Kind:           kind,
		Action:         p.Action,
		Repo:           Repo{Owner: owner, Name: p.Repository.Name},
		Actor:          p.Sender.Login,
		CoverageDelta:  p.CoverageDelta,
		PerfDelta:      p.PerfDelta,
		RubricFailures: p.RubricFailures,
		NewTests:       p.NewTests,
		Approvals:      p.Approvals,
		Checks:         p.Checks,
	}

	switch kind {
	case KindPullRequest, KindReview:
		e.Number = p.PullRequest.Number
		if e.Number == 0 {
			e.Number = p.Number
		}
		if e.Number == 0 {
			return Event{}, fmt.Errorf("%w: missing pull request number", ErrMalformed)
		}
		e.Title = p.PullRequest.Title
		e.LinesChanged = p.PullRequest.Additions + p.PullRequest.Deletions
		if e.Actor == "" {
			e.Actor = p.PullRequest.User.Login
		}
		e.CreatedAt = parseTime(p.PullRequest.CreatedAt)
	case KindPush:
		if p.Ref == "" {
			return Event{}, fmt.Errorf("%w: missing ref", ErrMalformed)
		}
		e.Ref = p.Ref
		if e.Actor == "" {
			e.Actor = p.Pusher.Name
		}
		for _, c := range p.Commits {
			if e.CreatedAt.IsZero() {
				e.CreatedAt = parseTime(c.Timestamp)
			}
			e.Files = append(e.Files, c.Added...)
			e.Files = append(e.Files, c.Modified...)
			e.Files = append(e.Files, c.Removed...)
		}
		e.LinesChanged = len(e.Files) // pushes carry no line counts; files stand in
	case KindRelease:
		tag := p.Release.TagName
		if tag == "" {
			return Event{}, fmt.Errorf("%w: missing release tag", ErrMalformed)
		}
		if _, err := semver.NewVersion(tag); err != nil {
			return Event{}, fmt.Errorf("%w: release tag %q is not semver: %v", ErrMalformed, tag, err)
		}
		e.Tag = tag
		e.CreatedAt = parseTime(p.Release.CreatedAt)
	case KindCheckRun:
		if e.Checks == nil {
			e.Checks = map[string]string{}
		}
		if p.CheckRun.Name != "" {
			e.Checks[p.CheckRun.Name] = p.CheckRun.Conclusion
		}
	case KindPing:
		// Admitted as-is; carries no change content.
	}

	if len(p.Files) > 0 {
		e.Files = p.Files
	}
	if len(e.Files) > n.opts.MaxFiles {
		e.Files = e.Files[:n.opts.MaxFiles]
		e.TruncatedFiles = true
	}
	e.DiffLines = p.DiffLines
	if len(e.DiffLines) > n.opts.MaxDiffLines {
		e.DiffLines = e.DiffLines[:n.opts.MaxDiffLines]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = receivedAt
	}
	if e.CreatedAt.IsZero() {
		return Event{}, fmt.Errorf("%w: missing event timestamp", ErrMalformed)
	}

	return Canonicalize(e), nil
}

// DeriveFacts computes the ChangeFacts summary for a normalized event.
func (n *Normalizer) DeriveFacts(e Event) ChangeFacts {
	facts := ChangeFacts{
		LinesChanged:   e.LinesChanged,
		FilesTouched:   append([]string(nil), e.Files...),
		CoverageDelta:  e.CoverageDelta,
		PerfDelta:      e.PerfDelta,
		ChangeType:     changeTypeFromTitle(e.Title),
		RubricFailures: append([]int(nil), e.RubricFailures...),
		NewTests:       e.NewTests || hasTestFiles(e.Files),
		SizeCategory:   sizeCategory(e.LinesChanged),
		Truncated:      e.TruncatedFiles,
	}
	facts.SecurityFlags = n.matchesSecurityPatterns(e)
	return facts
}

// conventionalPrefix matches "type: subject" and "type(scope): subject".
var conventionalPrefix = regexp.MustCompile(`^([a-z]+)(\([^)]*\))?!?:`)

func changeTypeFromTitle(title string) ChangeType {
	m := conventionalPrefix.FindStringSubmatch(strings.TrimSpace(title))
	if m == nil {
		return ChangeChore
	}
	switch m[1] {
	case "docs":
		return ChangeDocs
	case "fix":
		return ChangeFix
	case "feat":
		return ChangeFeat
	case "refactor":
		return ChangeRefactor
	case "chore":
		return ChangeChore
	default:
		// Unknown prefix is treated as chore.
		return ChangeChore
	}
}

func sizeCategory(lines int) SizeCategory {
	switch {
	case lines < 20:
		return SizeXS
	case lines < 80:
		return SizeS
	case lines < 250:
		return SizeM
	case lines < 800:
		return SizeL
	default:
		return SizeXL
	}
}

var testFilePattern = regexp.MustCompile(`(_test\.[a-z]+$|(^|/)test_[^/]+$|(^|/)tests?/|\.spec\.[a-z]+$)`)

func hasTestFiles(files []string) bool {
	for _, f := range files {
		if testFilePattern.MatchString(f) {
			return true
		}
	}
	return false
}

func (n *Normalizer) matchesSecurityPatterns(e Event) bool {
	for _, re := range n.opts.SecurityPatterns {
		for _, f := range e.Files {
			if re.MatchString(f) {
				return true
			}
		}
		for _, line := range e.DiffLines {
			if re.MatchString(line) {
				return true
			}
		}
	}
	return false
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
