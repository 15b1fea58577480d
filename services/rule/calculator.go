package rule

import (
	"math"

	"go.uber.org/zap"
)

// Contribution records how much a single rule added to an award.
type Contribution struct {
	RuleID string `json:"ruleId"`
	Points int64  `json:"points"`
}

// EvaluationResult is the outcome of matching plus calculation for one
// event: the total award and the per-rule breakdown for auditing.
type EvaluationResult struct {
	TotalPoints int64          `json:"totalPoints"`
	Matched     []Contribution `json:"matchedRules"`
}

// Calculator turns matched rules into a point total. Amounts are minor
// units; all contributions are clamped to be non-negative.
type Calculator struct {
	logger *zap.Logger
}

func NewCalculator(logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{logger: logger}
}

// Calculate applies each matched rule's formula, the minAmount floor, and
// the maxPoints clamp, then sums. Rules floored to zero by minAmount do not
// appear in the breakdown.
func (c *Calculator) Calculate(matches []MatchedRule, payload map[string]any, amount int64) EvaluationResult {
	result := EvaluationResult{Matched: make([]Contribution, 0, len(matches))}

	for _, match := range matches {
		r := match.Rule

		if r.MinAmount != nil && amount < *r.MinAmount {
			continue
		}

		points := c.rulePoints(r, payload, amount)
		if points < 0 {
			points = 0
		}
		if r.MaxPoints != nil && points > *r.MaxPoints {
			points = *r.MaxPoints
		}

		result.Matched = append(result.Matched, Contribution{RuleID: r.RuleID, Points: points})
		result.TotalPoints += points
	}

	return result
}

func (c *Calculator) rulePoints(r PointsRule, payload map[string]any, amount int64) int64 {
	switch r.Kind {
	case KindFixed:
		return r.Points
	case KindPercentage:
		// points holds a whole-number percent; integer division floors.
		if amount <= 0 {
			return 0
		}
		return amount * r.Points / 100
	case KindDynamic:
		return c.dynamicPoints(r, payload)
	default:
		c.logger.Warn("rule has unknown kind, contributing zero",
			zap.String("rule_id", r.RuleID), zap.String("kind", string(r.Kind)))
		return 0
	}
}

// dynamicPoints layers category and time-of-day multipliers on the base
// points. A modifier whose input is missing from the event degrades to the
// unmodified base rather than failing.
func (c *Calculator) dynamicPoints(r PointsRule, payload map[string]any) int64 {
	multiplier := 1.0

	if len(r.CategoryRules) > 0 {
		if category, ok := payload["category"].(string); ok && category != "" {
			if raw, ok := r.CategoryRules[category]; ok {
				if m, ok := toFloat(raw); ok && m > 0 {
					multiplier *= m
				}
			}
		}
	}

	windows, err := r.DecodeTimeRules()
	if err != nil {
		c.logger.Warn("rule has malformed time rules, ignoring",
			zap.String("rule_id", r.RuleID), zap.Error(err))
	}
	if len(windows) > 0 {
		if raw, ok := payload["hour"]; ok {
			if hour, ok := toFloat(raw); ok {
				for _, w := range windows {
					if hour >= float64(w.Start) && hour < float64(w.End) && w.Multiplier > 0 {
						multiplier *= w.Multiplier
						break
					}
				}
			}
		}
	}

	return int64(math.Floor(float64(r.Points) * multiplier))
}
