package rule

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func int64Ptr(v int64) *int64 { return &v }

func TestCalculateFixed(t *testing.T) {
	c := NewCalculator(zap.NewNop())

	matches := []MatchedRule{{Rule: PointsRule{RuleID: "r-1", Kind: KindFixed, Points: 50}}}
	result := c.Calculate(matches, nil, 1000)

	require.Equal(t, int64(50), result.TotalPoints)
	require.Len(t, result.Matched, 1)
	require.Equal(t, Contribution{RuleID: "r-1", Points: 50}, result.Matched[0])
}

func TestCalculatePercentageFloors(t *testing.T) {
	c := NewCalculator(zap.NewNop())

	matches := []MatchedRule{{Rule: PointsRule{RuleID: "r-1", Kind: KindPercentage, Points: 5}}}

	// 5% of 1050 is 52.5, floored.
	result := c.Calculate(matches, nil, 1050)
	require.Equal(t, int64(52), result.TotalPoints)

	result = c.Calculate(matches, nil, 19)
	require.Equal(t, int64(0), result.TotalPoints)

	result = c.Calculate(matches, nil, -100)
	require.Equal(t, int64(0), result.TotalPoints)
}

func TestCalculateMinAmountSkipsRule(t *testing.T) {
	c := NewCalculator(zap.NewNop())

	matches := []MatchedRule{
		{Rule: PointsRule{RuleID: "r-1", Kind: KindFixed, Points: 50, MinAmount: int64Ptr(1000)}},
		{Rule: PointsRule{RuleID: "r-2", Kind: KindFixed, Points: 10}},
	}

	result := c.Calculate(matches, nil, 500)
	require.Equal(t, int64(10), result.TotalPoints)
	require.Len(t, result.Matched, 1)
	require.Equal(t, "r-2", result.Matched[0].RuleID)

	result = c.Calculate(matches, nil, 1000)
	require.Equal(t, int64(60), result.TotalPoints)
	require.Len(t, result.Matched, 2)
}

func TestCalculateMaxPointsClamp(t *testing.T) {
	c := NewCalculator(zap.NewNop())

	matches := []MatchedRule{
		{Rule: PointsRule{RuleID: "r-1", Kind: KindPercentage, Points: 10, MaxPoints: int64Ptr(100)}},
	}

	result := c.Calculate(matches, nil, 5000)
	require.Equal(t, int64(100), result.TotalPoints)
	require.Equal(t, int64(100), result.Matched[0].Points)
}

func TestCalculateNegativeContributionClampedToZero(t *testing.T) {
	c := NewCalculator(zap.NewNop())

	matches := []MatchedRule{{Rule: PointsRule{RuleID: "r-1", Kind: KindFixed, Points: -20}}}
	result := c.Calculate(matches, nil, 1000)

	require.Equal(t, int64(0), result.TotalPoints)
	require.Equal(t, int64(0), result.Matched[0].Points)
}

func TestCalculateDynamicCategoryMultiplier(t *testing.T) {
	c := NewCalculator(zap.NewNop())

	r := PointsRule{
		RuleID: "r-1",
		Kind:   KindDynamic,
		Points: 100,
		CategoryRules: map[string]any{
			"electronics": 2.0,
			"grocery":     1.5,
		},
	}

	result := c.Calculate([]MatchedRule{{Rule: r}}, map[string]any{"category": "electronics"}, 1000)
	require.Equal(t, int64(200), result.TotalPoints)

	// Unlisted category keeps the base points.
	result = c.Calculate([]MatchedRule{{Rule: r}}, map[string]any{"category": "apparel"}, 1000)
	require.Equal(t, int64(100), result.TotalPoints)

	// Missing category keeps the base points.
	result = c.Calculate([]MatchedRule{{Rule: r}}, map[string]any{}, 1000)
	require.Equal(t, int64(100), result.TotalPoints)
}

func TestCalculateDynamicTimeWindowMultiplier(t *testing.T) {
	c := NewCalculator(zap.NewNop())

	r := PointsRule{
		RuleID:    "r-1",
		Kind:      KindDynamic,
		Points:    100,
		TimeRules: []byte(`[{"start":18,"end":22,"multiplier":1.5}]`),
	}

	result := c.Calculate([]MatchedRule{{Rule: r}}, map[string]any{"hour": float64(20)}, 1000)
	require.Equal(t, int64(150), result.TotalPoints)

	// End bound is exclusive.
	result = c.Calculate([]MatchedRule{{Rule: r}}, map[string]any{"hour": float64(22)}, 1000)
	require.Equal(t, int64(100), result.TotalPoints)

	result = c.Calculate([]MatchedRule{{Rule: r}}, map[string]any{}, 1000)
	require.Equal(t, int64(100), result.TotalPoints)
}

func TestCalculateDynamicStackedMultipliersFloor(t *testing.T) {
	c := NewCalculator(zap.NewNop())

	r := PointsRule{
		RuleID:        "r-1",
		Kind:          KindDynamic,
		Points:        15,
		CategoryRules: map[string]any{"grocery": 1.5},
		TimeRules:     []byte(`[{"start":6,"end":9,"multiplier":1.1}]`),
	}

	payload := map[string]any{"category": "grocery", "hour": float64(7)}
	result := c.Calculate([]MatchedRule{{Rule: r}}, payload, 1000)

	// 15 * 1.5 * 1.1 = 24.75, floored.
	require.Equal(t, int64(24), result.TotalPoints)
}

func TestCalculateSumsAcrossRules(t *testing.T) {
	c := NewCalculator(zap.NewNop())

	matches := []MatchedRule{
		{Rule: PointsRule{RuleID: "r-1", Kind: KindFixed, Points: 50}},
		{Rule: PointsRule{RuleID: "r-2", Kind: KindPercentage, Points: 5}},
	}

	result := c.Calculate(matches, nil, 2000)
	require.Equal(t, int64(150), result.TotalPoints)
	require.Len(t, result.Matched, 2)
}
