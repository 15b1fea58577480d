package rule

import (
	"reflect"
	"strings"

	"go.uber.org/zap"
)

// MatchedRule pairs a matching rule with its configured base points.
type MatchedRule struct {
	Rule   PointsRule
	Points int64
}

// Matcher decides which rules apply to an event payload. It is pure with
// respect to storage: callers supply the candidate rule set.
type Matcher struct {
	evaluator *Evaluator
	logger    *zap.Logger
}

func NewMatcher(evaluator *Evaluator, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if evaluator == nil {
		evaluator = NewEvaluator()
	}
	return &Matcher{evaluator: evaluator, logger: logger}
}

// Match evaluates every active rule against the payload and accumulates all
// matches. This is a sum-of-matches model, not first-match-wins. A rule
// with no conditions, malformed conditions, or any failing condition does
// not match; nothing here returns an error.
func (m *Matcher) Match(payload map[string]any, rules []PointsRule) []MatchedRule {
	matched := make([]MatchedRule, 0, len(rules))

	for _, r := range rules {
		if !r.IsActive {
			continue
		}

		conditions, err := r.DecodeConditions()
		if err != nil {
			m.logger.Warn("rule has malformed conditions, skipping",
				zap.String("rule_id", r.RuleID), zap.Error(err))
			continue
		}
		if len(conditions) == 0 {
			continue
		}

		if !m.allConditionsHold(r.RuleID, payload, conditions) {
			continue
		}

		if r.Expression != "" {
			ok, err := m.evaluator.Evaluate(r.Expression, payload)
			if err != nil {
				m.logger.Warn("rule expression failed to evaluate, treating as non-match",
					zap.String("rule_id", r.RuleID), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
		}

		matched = append(matched, MatchedRule{Rule: r, Points: r.Points})
	}

	return matched
}

func (m *Matcher) allConditionsHold(ruleID string, payload map[string]any, conditions []Condition) bool {
	for _, cond := range conditions {
		if !m.conditionHolds(ruleID, payload, cond) {
			return false
		}
	}
	return true
}

func (m *Matcher) conditionHolds(ruleID string, payload map[string]any, cond Condition) bool {
	value, ok := payload[cond.Field]
	if !ok || isFalsy(value) {
		return false
	}

	switch cond.Operator {
	case OperatorEquals:
		return valuesEqual(value, cond.Value)
	case OperatorGreaterThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b
	case OperatorLessThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b
	case OperatorContains:
		return contains(value, cond.Value)
	default:
		m.logger.Warn("unknown rule operator, treating as non-match",
			zap.String("rule_id", ruleID), zap.String("operator", string(cond.Operator)))
		return false
	}
}

func isFalsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case string:
		return x == ""
	default:
		if f, ok := toFloat(v); ok {
			return f == 0
		}
		return false
	}
}

// valuesEqual compares with numeric coercion so that a JSON-decoded
// float64(50) equals int64(50) in a rule definition.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}

// contains supports substring checks on strings and membership checks on
// slices. Any other payload type is a non-match, not an error.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if valuesEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		n, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range h {
			if item == n {
				return true
			}
		}
		return false
	default:
		return false
	}
}
