package rule

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Evaluator evaluates CEL guard expressions. The full payload is bound to
// a single `event` map variable, and each payload entry is additionally
// exposed as a bare top-level variable when its name does not collide
// with a CEL builtin. A key like "type" stays reachable as `event.type`
// without breaking the environment for every other variable.
type Evaluator struct{}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate compiles and runs an expression against the payload. Any
// compile or evaluation failure is returned for the caller to treat as a
// non-match; a guard never widens a rule.
func (e *Evaluator) Evaluate(expression string, payload map[string]any) (bool, error) {
	if expression == "" {
		return false, fmt.Errorf("expression must not be empty")
	}

	if payload == nil {
		payload = map[string]any{}
	}

	env, err := cel.NewEnv(cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return false, fmt.Errorf("failed to create CEL env: %w", err)
	}

	for key := range payload {
		ext, err := env.Extend(cel.Variable(key, cel.DynType))
		if err != nil {
			// Reserved name; the value is still addressable via event.<key>.
			continue
		}
		env = ext
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("failed to create CEL program: %w", err)
	}

	activation := map[string]any{"event": payload}
	for key, value := range payload {
		if key == "event" {
			continue
		}
		activation[key] = value
	}

	result, _, err := program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate expression: %w", err)
	}

	boolean, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression must return a boolean, got %T", result.Value())
	}

	return boolean, nil
}
