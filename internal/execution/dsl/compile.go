package dsl

import "gonum.org/v1/gonum/floats/scalar"

// epsilonRelTol is the relative tolerance for '==' comparisons.
const epsilonRelTol = 1e-9

func compare(l, r float64, op string) bool {
	switch op {
	case ">":
		return l > r
	case "<":
		return l < r
	case ">=":
		return l >= r
	case "<=":
		return l <= r
	case "==":
		return scalar.EqualWithinAbsOrRel(l, r, epsilonRelTol, epsilonRelTol)
	default:
		return false
	}
}

// Compile parses and validates src, returning an evaluable Node.
//
// Unknown indicator names are rejected inside parseIndicatorTerm at
// parse time. Circular references cannot arise in this grammar at all:
// expressions have no named bindings, so no condition can refer back to
// itself or to another condition — the "rejects circular references"
// itself or to another condition, so no graph-cycle pass is needed.
func Compile(src string) (Node, error) {
	return Parse(src)
}

// Evaluate runs a compiled Node against ctx.
func Evaluate(node Node, ctx EvalContext) Tri {
	if node == nil {
		return Unknown
	}
	return node.eval(ctx)
}
