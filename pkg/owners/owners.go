// Package owners maps files to owning teams. Ownership rules are glob
// patterns loaded from a YAML file; when several rules match a path the
// most specific one wins, measured by pattern length.
package owners

import (
	"fmt"
	"os"
	"sort"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Rule assigns owners to every path matching Pattern. Patterns use glob
// syntax with / as separator; ** crosses directories.
type Rule struct {
	Pattern string   `yaml:"pattern"`
	Owners  []string `yaml:"owners"`
}

// File is the on-disk rule file shape.
type File struct {
	DefaultOwners []string `yaml:"default_owners"`
	Rules         []Rule   `yaml:"rules"`
}

type compiledRule struct {
	rule    Rule
	matcher glob.Glob
}

// Index answers ownership queries for paths.
type Index struct {
	rules         []compiledRule
	defaultOwners []string
}

// Load reads and compiles a rule file.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("owners: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse compiles rule file contents.
func Parse(data []byte) (*Index, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("owners: parse rules: %w", err)
	}
	return New(file.Rules, file.DefaultOwners)
}

// New compiles rules in declaration order.
func New(rules []Rule, defaultOwners []string) (*Index, error) {
	ix := &Index{defaultOwners: defaultOwners}
	for _, r := range rules {
		if r.Pattern == "" || len(r.Owners) == 0 {
			return nil, fmt.Errorf("owners: rule needs pattern and owners: %+v", r)
		}
		m, err := glob.Compile(r.Pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("owners: bad pattern %q: %w", r.Pattern, err)
		}
		ix.rules = append(ix.rules, compiledRule{rule: r, matcher: m})
	}
	return ix, nil
}

// Resolve returns the owners of path: the matching rule with the longest
// pattern wins, equal lengths fall to the later rule, and paths no rule
// matches get the default owners. The result is sorted.
func (ix *Index) Resolve(path string) []string {
	owners := ix.defaultOwners
	bestLen := -1
	for _, cr := range ix.rules {
		if cr.matcher.Match(path) && len(cr.rule.Pattern) >= bestLen {
			bestLen = len(cr.rule.Pattern)
			owners = cr.rule.Owners
		}
	}
	out := append([]string(nil), owners...)
	sort.Strings(out)
	return out
}

// ResolveAll maps each path to its owners and returns the inverted
// owner -> sorted paths view used by the portal ownership pages.
func (ix *Index) ResolveAll(paths []string) map[string][]string {
	byOwner := map[string][]string{}
	for _, p := range paths {
		for _, owner := range ix.Resolve(p) {
			byOwner[owner] = append(byOwner[owner], p)
		}
	}
	for owner := range byOwner {
		sort.Strings(byOwner[owner])
	}
	return byOwner
}
