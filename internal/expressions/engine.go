package expressions

import (
	"context"
	"strings"
)

// Engine evaluates expressions against workflow data.
// Three implementations: CEL (conditions), Expr (assignee logic), GoJQ (projections).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Checker is implemented by engines that can compile an expression ahead of
// evaluation, for definition-time validation.
type Checker interface {
	Check(expression string) error
}

// Set is a name-indexed collection of engines.
type Set map[string]Engine

// NewSet indexes engines by Name.
func NewSet(engines ...Engine) Set {
	s := make(Set, len(engines))
	for _, e := range engines {
		s[e.Name()] = e
	}
	return s
}

// SplitRule splits "engine:expression" into its parts. ok is false when the
// prefix does not name an engine in the set, i.e. the rule is a literal.
func (s Set) SplitRule(rule string) (Engine, string, bool) {
	name, expression, found := strings.Cut(rule, ":")
	if !found {
		return nil, "", false
	}
	e, ok := s[strings.TrimSpace(name)]
	if !ok {
		return nil, "", false
	}
	return e, strings.TrimSpace(expression), true
}
