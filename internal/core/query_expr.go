package core

import (
	"fmt"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// Expr compiles an expr-lang expression into a Predicate. The expression sees
// every property of the entity by name, plus identity, type and version, and
// the query variables under vars.
func Expr(expression string) (Predicate, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression must not be empty")
	}
	program, err := exprlang.Compile(expression, exprlang.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	return exprPredicate(program, expression), nil
}

// MustExpr is like Expr but panics on a compile error.
func MustExpr(expression string) Predicate {
	p, err := Expr(expression)
	if err != nil {
		panic(err)
	}
	return p
}

func exprPredicate(program *exprvm.Program, expression string) Predicate {
	return func(e *Entity, vars map[string]any) (bool, error) {
		out, err := exprlang.Run(program, exprEnv(e, vars))
		if err != nil {
			return false, fmt.Errorf("evaluate %q on %s: %w", expression, e, err)
		}
		match, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("expression %q returned %T, want bool", expression, out)
		}
		return match, nil
	}
}

func exprEnv(e *Entity, vars map[string]any) map[string]any {
	desc := e.Descriptor()
	env := make(map[string]any, len(desc.Properties)+4)
	for i := range desc.Properties {
		name := desc.Properties[i].Name
		v, _ := e.state.PropertyValueOf(name)
		env[name] = v
	}
	env["identity"] = e.Identity()
	env["type"] = e.Type()
	env["version"] = e.Version()
	env["vars"] = vars
	return env
}
