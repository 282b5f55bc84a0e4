package engine

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Guard expressions are stored as JSON. The grammar is deliberately
// small: equality over the routing decision signal, optionally composed
// with and/or.
//
//	Expr   ::= Clause | Group
//	Clause ::= {"field": "routingDecision", "equals": <signal>}
//	Group  ::= {"logic": "and"|"or", "conditions": [Expr, ...]}
//
// Missing signals never match. Unknown fields or logic values are
// evaluation errors so a typo in an authored guard fails loudly instead
// of silently routing.
type guardExpr struct {
	Field      string      `json:"field,omitempty"`
	Equals     string      `json:"equals,omitempty"`
	Logic      string      `json:"logic,omitempty"`
	Conditions []guardExpr `json:"conditions,omitempty"`
}

// EvaluateGuard reports whether the routing signal satisfies the guard
// expression.
func EvaluateGuard(expression, signal string) (bool, error) {
	var expr guardExpr
	if err := json.Unmarshal([]byte(expression), &expr); err != nil {
		return false, fmt.Errorf("parse guard expression: %w", err)
	}
	return evalGuard(expr, signal)
}

func evalGuard(expr guardExpr, signal string) (bool, error) {
	if expr.Logic != "" {
		if len(expr.Conditions) == 0 {
			return false, fmt.Errorf("guard group %q has no conditions", expr.Logic)
		}
		switch expr.Logic {
		case "and":
			for _, c := range expr.Conditions {
				ok, err := evalGuard(c, signal)
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		case "or":
			for _, c := range expr.Conditions {
				ok, err := evalGuard(c, signal)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, fmt.Errorf("unknown guard logic %q", expr.Logic)
		}
	}
	if expr.Field != "routingDecision" {
		return false, fmt.Errorf("unknown guard field %q", expr.Field)
	}
	if expr.Equals == "" {
		return false, fmt.Errorf("guard clause missing equals value")
	}
	return signal != "" && signal == expr.Equals, nil
}

// GuardSignals returns the distinct signals an expression references,
// sorted. Used to build the routing contract addendum for a node.
func GuardSignals(expression string) ([]string, error) {
	var expr guardExpr
	if err := json.Unmarshal([]byte(expression), &expr); err != nil {
		return nil, fmt.Errorf("parse guard expression: %w", err)
	}
	seen := map[string]bool{}
	collectSignals(expr, seen)
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func collectSignals(expr guardExpr, seen map[string]bool) {
	if expr.Equals != "" {
		seen[expr.Equals] = true
	}
	for _, c := range expr.Conditions {
		collectSignals(c, seen)
	}
}
