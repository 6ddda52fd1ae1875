package table

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// compileExpr compiles a row expression. Identifiers resolve to columns of
// the row; columns whose names are not identifiers are reachable through
// $env["name"].
func compileExpr(code string, asBool bool) (*vm.Program, error) {
	opts := []expr.Option{
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	}
	if asBool {
		opts = append(opts, expr.AsBool())
	}
	program, err := expr.Compile(code, opts...)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", code, err)
	}
	return program, nil
}

func runExpr(program *vm.Program, env map[string]any) (any, error) {
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression: %w", err)
	}
	return normalize(out), nil
}
