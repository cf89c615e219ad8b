package archetype

import (
	"errors"
	"fmt"
	"strings"
)

type compiledRule struct {
	path    FieldPath
	op      Operator
	operand Operand
}

type compiledConditions struct {
	combinator Combinator
	rules      []compiledRule
}

func compileConditions(c Conditions) (compiledConditions, error) {
	comb := Combinator(strings.ToUpper(string(c.Operator)))
	if comb != CombineAND && comb != CombineOR {
		return compiledConditions{}, fmt.Errorf("trigger_conditions.operator must be AND or OR, got %q", c.Operator)
	}
	if len(c.Rules) == 0 {
		return compiledConditions{}, errors.New("trigger_conditions.rules must not be empty")
	}
	rules := make([]compiledRule, 0, len(c.Rules))
	for i, r := range c.Rules {
		path, err := ParseFieldPath(r.Field)
		if err != nil {
			return compiledConditions{}, fmt.Errorf("rule %d: %w", i, err)
		}
		if !validOperand(r.Operator, r.Value) {
			return compiledConditions{}, fmt.Errorf("rule %d (%s): operator %q does not accept this value", i, r.Field, r.Operator)
		}
		rules = append(rules, compiledRule{path: path, op: r.Operator, operand: r.Value})
	}
	return compiledConditions{combinator: comb, rules: rules}, nil
}

// confidence is the fraction of passing rules under AND, and 1 or 0 under OR.
// A rule whose field is missing counts as not passing.
func (c compiledConditions) confidence(s Subject) float64 {
	if len(c.rules) == 0 {
		return 0
	}
	passing := 0
	for _, r := range c.rules {
		actual, ok := r.path.Resolve(s)
		if ok && Match(r.op, r.operand, actual) {
			passing++
		}
	}
	if c.combinator == CombineOR {
		if passing > 0 {
			return 1
		}
		return 0
	}
	return float64(passing) / float64(len(c.rules))
}

// Evaluate compiles conds and scores s against them.
func Evaluate(conds Conditions, s Subject) (float64, error) {
	c, err := compileConditions(conds)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return c.confidence(s), nil
}
