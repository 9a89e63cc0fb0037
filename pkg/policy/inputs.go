package policy

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// InputsUsed statically extracts the dotted input paths a compiled rule
// references, e.g. input.score.value -> "score.value". The result is a
// sorted superset of the fields a given evaluation actually reads, since
// short-circuiting may skip branches at runtime.
func InputsUsed(ast *cel.Ast) ([]string, error) {
	checked, err := cel.AstToCheckedExpr(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: checked expr: %w", err)
	}

	paths := map[string]struct{}{}
	collectInputRefs(checked.GetExpr(), paths)

	out := make([]string, 0, len(paths))
	for p := range paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

const inputIdent = "input"

// indexOperator is the CEL operator name for m[k] subscripting.
const indexOperator = "_[_]"

func collectInputRefs(e *exprpb.Expr, paths map[string]struct{}) {
	if e == nil {
		return
	}
	switch kind := e.ExprKind.(type) {
	case *exprpb.Expr_IdentExpr:
		if kind.IdentExpr.GetName() == inputIdent {
			// Bare reference to the whole input object.
			paths["*"] = struct{}{}
		}
	case *exprpb.Expr_SelectExpr:
		if path, ok := inputPath(e); ok {
			paths[path] = struct{}{}
			return
		}
		collectInputRefs(kind.SelectExpr.GetOperand(), paths)
	case *exprpb.Expr_CallExpr:
		call := kind.CallExpr
		if call.GetFunction() == indexOperator && len(call.GetArgs()) == 2 {
			if path, ok := inputPath(e); ok {
				paths[path] = struct{}{}
				if _, isConst := constString(call.GetArgs()[1]); !isConst {
					collectInputRefs(call.GetArgs()[1], paths)
				}
				return
			}
		}
		collectInputRefs(call.GetTarget(), paths)
		for _, arg := range call.GetArgs() {
			collectInputRefs(arg, paths)
		}
	case *exprpb.Expr_ListExpr:
		for _, elem := range kind.ListExpr.GetElements() {
			collectInputRefs(elem, paths)
		}
	case *exprpb.Expr_StructExpr:
		for _, entry := range kind.StructExpr.GetEntries() {
			collectInputRefs(entry.GetMapKey(), paths)
			collectInputRefs(entry.GetValue(), paths)
		}
	case *exprpb.Expr_ComprehensionExpr:
		c := kind.ComprehensionExpr
		collectInputRefs(c.GetIterRange(), paths)
		collectInputRefs(c.GetAccuInit(), paths)
		collectInputRefs(c.GetLoopCondition(), paths)
		collectInputRefs(c.GetLoopStep(), paths)
		collectInputRefs(c.GetResult(), paths)
	}
}

// inputPath resolves a chain of field selects and constant-string index
// operations rooted at the input ident into a dotted path. A non-constant
// index on an input-rooted operand collapses to "<prefix>.*".
func inputPath(e *exprpb.Expr) (string, bool) {
	switch kind := e.ExprKind.(type) {
	case *exprpb.Expr_IdentExpr:
		if kind.IdentExpr.GetName() == inputIdent {
			return "", true
		}
		return "", false
	case *exprpb.Expr_SelectExpr:
		sel := kind.SelectExpr
		prefix, ok := inputPath(sel.GetOperand())
		if !ok {
			return "", false
		}
		return joinPath(prefix, sel.GetField()), true
	case *exprpb.Expr_CallExpr:
		call := kind.CallExpr
		if call.GetFunction() != indexOperator || len(call.GetArgs()) != 2 {
			return "", false
		}
		prefix, ok := inputPath(call.GetArgs()[0])
		if !ok {
			return "", false
		}
		if key, isConst := constString(call.GetArgs()[1]); isConst {
			return joinPath(prefix, key), true
		}
		return joinPath(prefix, "*"), true
	default:
		return "", false
	}
}

func joinPath(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}

func constString(e *exprpb.Expr) (string, bool) {
	c, ok := e.GetExprKind().(*exprpb.Expr_ConstExpr)
	if !ok {
		return "", false
	}
	s, ok := c.ConstExpr.GetConstantKind().(*exprpb.Constant_StringValue)
	if !ok {
		return "", false
	}
	return s.StringValue, true
}
