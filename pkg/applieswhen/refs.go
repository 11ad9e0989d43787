package applieswhen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// extractReferences walks the AST collecting every concept slug the
// expression reads through the refs binding. Keys must be statically
// known: either an identifier select (refs.minimum_wage, underscores
// standing in for hyphens) or a string literal index
// (refs["minimum-wage"]). Dynamic keys would make the dependency graph
// undecidable at build time, so they are rejected.
func extractReferences(ast *cel.Ast) ([]string, error) {
	found := make(map[string]struct{})
	expr := ast.Expr() //nolint:staticcheck // Deprecated but no alternative for AST traversal yet
	if err := collectRefs(expr, found); err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	refs := make([]string, 0, len(found))
	for slug := range found {
		refs = append(refs, slug)
	}
	sort.Strings(refs)
	return refs, nil
}

func collectRefs(e *exprpb.Expr, out map[string]struct{}) error {
	if e == nil {
		return nil
	}

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_SelectExpr:
		sel := k.SelectExpr
		if isRefsIdent(sel.Operand) {
			out[strings.ReplaceAll(sel.Field, "_", "-")] = struct{}{}
			return nil
		}
		return collectRefs(sel.Operand, out)

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		if call.Function == "_[_]" && len(call.Args) == 2 && isRefsIdent(call.Args[0]) {
			c, ok := call.Args[1].ExprKind.(*exprpb.Expr_ConstExpr)
			if !ok {
				return fmt.Errorf("refs keys must be string literals")
			}
			s, ok := c.ConstExpr.ConstantKind.(*exprpb.Constant_StringValue)
			if !ok {
				return fmt.Errorf("refs keys must be string literals")
			}
			out[s.StringValue] = struct{}{}
			return nil
		}
		if call.Target != nil {
			if err := collectRefs(call.Target, out); err != nil {
				return err
			}
		}
		for _, arg := range call.Args {
			if err := collectRefs(arg, out); err != nil {
				return err
			}
		}

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			if err := collectRefs(el, out); err != nil {
				return err
			}
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				if err := collectRefs(entry.GetMapKey(), out); err != nil {
					return err
				}
			}
			if err := collectRefs(entry.Value, out); err != nil {
				return err
			}
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		for _, sub := range []*exprpb.Expr{
			comp.IterRange, comp.AccuInit, comp.LoopCondition, comp.LoopStep, comp.Result,
		} {
			if err := collectRefs(sub, out); err != nil {
				return err
			}
		}
	}

	return nil
}

func isRefsIdent(e *exprpb.Expr) bool {
	if e == nil {
		return false
	}
	id, ok := e.ExprKind.(*exprpb.Expr_IdentExpr)
	return ok && id.IdentExpr.Name == "refs"
}
