package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var received = time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)

func prBody(t *testing.T, title string, additions, deletions int, files []string) []byte {
	t.Helper()
	body := `{
		"action": "opened",
		"number": 1,
		"pull_request": {
			"number": 1,
			"title": "` + title + `",
			"additions": ` + itoa(additions) + `,
			"deletions": ` + itoa(deletions) + `,
			"created_at": "2026-08-21T11:59:00Z",
			"user": {"login": "octocat"}
		},
		"repository": {"name": "demo", "owner": {"login": "acme"}},
		"sender": {"login": "octocat"},
		"files": ` + jsonStrings(files) + `
	}`
	return []byte(body)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func jsonStrings(ss []string) string {
	out := "["
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += `"` + s + `"`
	}
	return out + "]"
}

func TestNormalize_PullRequest(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerOptions())

	e, err := n.Normalize(KindPullRequest, prBody(t, "docs: add install", 20, 5, []string{"README.md"}), received)
	require.NoError(t, err)

	assert.Equal(t, KindPullRequest, e.Kind)
	assert.Equal(t, "opened", e.Action)
	assert.Equal(t, "acme/demo", e.Repo.FullName())
	assert.Equal(t, "octocat", e.Actor)
	assert.Equal(t, 1, e.Number)
	assert.Equal(t, 25, e.LinesChanged)
	assert.Equal(t, []string{"README.md"}, e.Files)
	assert.Equal(t, "acme/demo#1", e.Key())
	assert.Equal(t, "gh.pull_request.opened", e.Subject())
}

func TestNormalize_UnknownKind(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerOptions())
	_, err := n.Normalize(Kind("gollum"), []byte(`{}`), received)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestNormalize_MalformedBody(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerOptions())
	_, err := n.Normalize(KindPullRequest, []byte(`{not json`), received)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNormalize_ReleaseTagMustBeSemver(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerOptions())

	good := []byte(`{"action":"published","release":{"tag_name":"v1.2.0","created_at":"2026-08-21T10:00:00Z"},"repository":{"name":"demo","owner":{"login":"acme"}},"sender":{"login":"octocat"}}`)
	e, err := n.Normalize(KindRelease, good, received)
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", e.Tag)
	assert.Equal(t, "acme/demo@v1.2.0", e.Key())

	bad := []byte(`{"action":"published","release":{"tag_name":"not-a-version"},"repository":{"name":"demo","owner":{"login":"acme"}}}`)
	_, err = n.Normalize(KindRelease, bad, received)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNormalize_TruncatesFileList(t *testing.T) {
	opts := DefaultNormalizerOptions()
	opts.MaxFiles = 2
	n := NewNormalizer(opts)

	e, err := n.Normalize(KindPullRequest, prBody(t, "feat: big", 100, 0, []string{"a.go", "b.go", "c.go"}), received)
	require.NoError(t, err)
	assert.Len(t, e.Files, 2)
	assert.True(t, e.TruncatedFiles)

	facts := n.DeriveFacts(e)
	assert.True(t, facts.Truncated)
}

func TestNormalize_CanonicalizeIdempotent(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerOptions())
	e, err := n.Normalize(KindPullRequest, prBody(t, "fix: order", 10, 2, []string{"z.go", "a.go"}), received)
	require.NoError(t, err)

	// Files come back sorted, and canonicalizing again changes nothing.
	assert.Equal(t, []string{"a.go", "z.go"}, e.Files)
	assert.Equal(t, e, Canonicalize(e))
}

func TestDeriveFacts_ChangeType(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerOptions())

	tests := []struct {
		title string
		want  ChangeType
	}{
		{"docs: add install", ChangeDocs},
		{"fix(parser): nil deref", ChangeFix},
		{"feat!: breaking", ChangeFeat},
		{"refactor: split package", ChangeRefactor},
		{"chore: bump deps", ChangeChore},
		{"WIP stuff", ChangeChore},
		{"perf: unknown prefix", ChangeChore},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			facts := n.DeriveFacts(Event{Title: tt.title, CreatedAt: received})
			assert.Equal(t, tt.want, facts.ChangeType)
		})
	}
}

func TestDeriveFacts_SizeCategory(t *testing.T) {
	tests := []struct {
		lines int
		want  SizeCategory
	}{
		{0, SizeXS}, {19, SizeXS}, {20, SizeS}, {79, SizeS},
		{80, SizeM}, {249, SizeM}, {250, SizeL}, {799, SizeL}, {800, SizeXL},
	}
	n := NewNormalizer(DefaultNormalizerOptions())
	for _, tt := range tests {
		facts := n.DeriveFacts(Event{LinesChanged: tt.lines, CreatedAt: received})
		assert.Equal(t, tt.want, facts.SizeCategory, "lines=%d", tt.lines)
	}
}

func TestDeriveFacts_SecurityFlags(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerOptions())

	flagged := n.DeriveFacts(Event{Files: []string{"internal/auth_handler.go"}, CreatedAt: received})
	assert.True(t, flagged.SecurityFlags)

	diffHit := n.DeriveFacts(Event{
		Files:     []string{"main.go"},
		DiffLines: []string{`+ password = "hunter2"`},
		CreatedAt: received,
	})
	assert.True(t, diffHit.SecurityFlags)

	clean := n.DeriveFacts(Event{Files: []string{"README.md"}, CreatedAt: received})
	assert.False(t, clean.SecurityFlags)
}

func TestDeriveFacts_NewTests(t *testing.T) {
	n := NewNormalizer(DefaultNormalizerOptions())

	withTests := n.DeriveFacts(Event{Files: []string{"pkg/risk/score.go", "pkg/risk/score_test.go"}, CreatedAt: received})
	assert.True(t, withTests.NewTests)

	without := n.DeriveFacts(Event{Files: []string{"pkg/risk/score.go"}, CreatedAt: received})
	assert.False(t, without.NewTests)
}
