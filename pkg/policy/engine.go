package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/cel-go/cel"
)

// Receipt records how a single rule was evaluated. Receipts are emitted
// for every enabled rule on every decision and surface in the PR digest.
type Receipt struct {
	RuleName      string   `json:"rule_name"`
	SourceSnippet string   `json:"source_snippet"`
	InputsUsed    []string `json:"inputs_used"`
	Fired         bool     `json:"fired"`
}

// Denial is a deny rule that fired, with its operator-facing message.
type Denial struct {
	Rule string `json:"rule"`
	Msg  string `json:"msg"`
}

// Decision is the outcome of evaluating a bundle against one input.
// Allow requires at least one fired allow rule and zero fired denies.
type Decision struct {
	Allow      bool      `json:"allow"`
	Denies     []Denial  `json:"denies"`
	Receipts   []Receipt `json:"receipts"`
	BundleHash string    `json:"bundle_hash"`
}

// evaluation cost budget per rule, matching the sandbox contract: no
// I/O, no unbounded loops, bounded compute.
const (
	ruleCostLimit      = 10000
	interruptFrequency = 100
)

type compiledRule struct {
	rule    Rule
	program cel.Program
	inputs  []string
}

type snapshot struct {
	bundle *Bundle
	rules  []compiledRule
}

// Engine evaluates rule bundles. Reload swaps the compiled bundle
// atomically, so in-flight evaluations always see a consistent snapshot.
type Engine struct {
	env    *cel.Env
	snap   atomic.Pointer[snapshot]
	logger *slog.Logger
}

// NewEngine creates an engine with no bundle loaded. Evaluate returns
// ErrNoBundle until Load or LoadDir succeeds.
func NewEngine(logger *slog.Logger) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{env: env, logger: logger.With("component", "policy-engine")}, nil
}

// Load compiles the bundle's enabled rules and atomically installs the
// result. On any compile error the previous snapshot stays active.
func (e *Engine) Load(bundle *Bundle) error {
	enabled := bundle.EnabledRules()
	compiled := make([]compiledRule, 0, len(enabled))
	for _, rule := range enabled {
		ast, issues := e.env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("policy: compile rule %q: %w", rule.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
			return fmt.Errorf("policy: rule %q must produce bool, got %s", rule.Name, ast.OutputType())
		}
		inputs, err := InputsUsed(ast)
		if err != nil {
			return fmt.Errorf("policy: analyze rule %q: %w", rule.Name, err)
		}
		prg, err := e.env.Program(ast,
			cel.CostLimit(ruleCostLimit),
			cel.InterruptCheckFrequency(interruptFrequency),
		)
		if err != nil {
			return fmt.Errorf("policy: program rule %q: %w", rule.Name, err)
		}
		compiled = append(compiled, compiledRule{rule: rule, program: prg, inputs: inputs})
	}

	e.snap.Store(&snapshot{bundle: bundle, rules: compiled})
	e.logger.Info("policy bundle loaded",
		"bundle", bundle.Name,
		"hash", bundle.Hash,
		"rules", len(compiled))
	return nil
}

// LoadDir loads, merges, and installs all bundle files under dir.
func (e *Engine) LoadDir(dir string) error {
	bundle, err := LoadBundleDir(dir)
	if err != nil {
		return err
	}
	return e.Load(bundle)
}

// RuleNames returns the enabled rule names of the active bundle, or
// nil if none is loaded.
func (e *Engine) RuleNames() []string {
	s := e.snap.Load()
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.rules))
	for _, cr := range s.rules {
		names = append(names, cr.rule.Name)
	}
	return names
}

// BundleHash returns the hash of the active bundle, or "" if none.
func (e *Engine) BundleHash() string {
	if s := e.snap.Load(); s != nil {
		return s.bundle.Hash
	}
	return ""
}

// Evaluate runs every enabled rule against input and aggregates the
// decision. Input must carry all fields the bundle's rules reference;
// time arrives as input["now"] (RFC 3339) and input["tz"] (IANA zone).
//
// A rule that errors at runtime is treated as a fired deny, so malformed
// rules fail closed rather than silently passing changes through.
func (e *Engine) Evaluate(ctx context.Context, input map[string]any) (Decision, error) {
	snap := e.snap.Load()
	if snap == nil {
		return Decision{}, ErrNoBundle
	}

	decision := Decision{BundleHash: snap.bundle.Hash}
	anyAllow := false
	vars := map[string]any{"input": input}

	for _, cr := range snap.rules {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}

		receipt := Receipt{
			RuleName:      cr.rule.Name,
			SourceSnippet: cr.rule.Expr,
			InputsUsed:    cr.inputs,
		}

		val, _, err := cr.program.ContextEval(ctx, vars)
		switch {
		case err != nil:
			receipt.Fired = true
			decision.Denies = append(decision.Denies, Denial{
				Rule: cr.rule.Name,
				Msg:  fmt.Sprintf("rule_error: %s", cr.rule.Name),
			})
			e.logger.Warn("rule evaluation failed",
				"rule", cr.rule.Name, "error", err)
		default:
			fired, ok := val.Value().(bool)
			if !ok {
				receipt.Fired = true
				decision.Denies = append(decision.Denies, Denial{
					Rule: cr.rule.Name,
					Msg:  fmt.Sprintf("rule_error: %s", cr.rule.Name),
				})
				break
			}
			receipt.Fired = fired
			if fired {
				switch cr.rule.Kind {
				case RuleAllow:
					anyAllow = true
				case RuleDeny:
					decision.Denies = append(decision.Denies, Denial{
						Rule: cr.rule.Name,
						Msg:  cr.rule.Msg,
					})
				}
			}
		}

		decision.Receipts = append(decision.Receipts, receipt)
	}

	decision.Allow = anyAllow && len(decision.Denies) == 0
	return decision, nil
}
