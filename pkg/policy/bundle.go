// Package policy implements the sandboxed declarative policy engine.
//
// Rule bundles are JSON files containing CEL rules loaded from disk at
// startup and on signaled reload, enabling policy changes without code
// deployments. Evaluation produces a decision plus a machine-readable
// receipt for every evaluated rule: the verbatim rule source, the input
// fields the rule dereferences, and whether it fired.
//
// Evaluation is fail-closed and pure: a rule that errors becomes a fired
// deny, and the engine never reads the wall clock — time arrives as
// input.now / input.tz.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gitguard-io/gitguard/pkg/canonicalize"
)

// RuleKind separates allow rules from deny rules.
type RuleKind string

const (
	RuleAllow RuleKind = "allow"
	RuleDeny  RuleKind = "deny"
)

// Rule is a single CEL governance rule.
type Rule struct {
	Name        string   `json:"name"`
	Kind        RuleKind `json:"kind"`
	Description string   `json:"description,omitempty"`
	Expr        string   `json:"expr"` // CEL expression over `input`
	Msg         string   `json:"msg,omitempty"`
	Priority    int      `json:"priority"` // Higher = evaluated first
	Enabled     bool     `json:"enabled"`
}

// Bundle is a versioned collection of rules.
type Bundle struct {
	Version   string    `json:"version"`
	Name      string    `json:"name"`
	Rules     []Rule    `json:"rules"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Hash      string    `json:"hash,omitempty"` // content-addressed, set on load
}

var ErrNoBundle = errors.New("policy: no bundle loaded")

// bundleSchema validates bundle files before they are admitted.
const bundleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "rules"],
  "properties": {
    "version": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "created_at": {"type": "string"},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "kind", "expr"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "kind": {"enum": ["allow", "deny"]},
          "description": {"type": "string"},
          "expr": {"type": "string", "minLength": 1},
          "msg": {"type": "string"},
          "priority": {"type": "integer"},
          "enabled": {"type": "boolean"}
        }
      }
    }
  }
}`

var compiledBundleSchema = jsonschema.MustCompileString("bundle.schema.json", bundleSchema)

// LoadBundleFile parses and validates a single bundle file.
func LoadBundleFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return ParseBundle(filepath.Base(path), data)
}

// ParseBundle parses and validates bundle JSON.
func ParseBundle(name string, data []byte) (*Bundle, error) {
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("policy: parse bundle %s: %w", name, err)
	}
	if err := compiledBundleSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("policy: bundle %s rejected by schema: %w", name, err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("policy: parse bundle %s: %w", name, err)
	}
	if bundle.Name == "" {
		bundle.Name = name
	}

	hash, err := canonicalize.CanonicalHash(bundle.Rules)
	if err != nil {
		return nil, fmt.Errorf("policy: hash bundle %s: %w", name, err)
	}
	bundle.Hash = "sha256:" + hash
	return &bundle, nil
}

// LoadBundleDir loads all .json bundle files from dir and merges their
// rules into one bundle, sorted by priority (highest first) then name.
func LoadBundleDir(dir string) (*Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("policy: read dir %s: %w", dir, err)
	}

	merged := &Bundle{Name: filepath.Base(dir)}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		b, err := LoadBundleFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		merged.Rules = append(merged.Rules, b.Rules...)
		if merged.Version == "" {
			merged.Version = b.Version
		}
	}
	if len(merged.Rules) == 0 {
		return nil, fmt.Errorf("policy: no rules found in %s", dir)
	}

	sort.SliceStable(merged.Rules, func(i, j int) bool {
		if merged.Rules[i].Priority != merged.Rules[j].Priority {
			return merged.Rules[i].Priority > merged.Rules[j].Priority
		}
		return merged.Rules[i].Name < merged.Rules[j].Name
	})

	hash, err := canonicalize.CanonicalHash(merged.Rules)
	if err != nil {
		return nil, fmt.Errorf("policy: hash merged bundle: %w", err)
	}
	merged.Hash = "sha256:" + hash
	return merged, nil
}

// EnabledRules returns the enabled rules in evaluation order.
func (b *Bundle) EnabledRules() []Rule {
	var rules []Rule
	for _, r := range b.Rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	return rules
}
