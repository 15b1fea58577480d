package rule

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loyalty-engine/pkg/db/pagination"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/services/testutil"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &PointsRule{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{
		Repository: NewRepository(db),
		Matcher:    NewMatcher(NewEvaluator(), zap.NewNop()),
		Calculator: NewCalculator(zap.NewNop()),
		Logger:     zap.NewNop(),
		Node:       node,
	})
}

func TestCreateRuleValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, CreateRuleInput{ProgramID: "prog", Name: "x", Kind: KindFixed})
	requireStatus(t, err, errutil.StatusBadRequest)

	_, err = svc.CreateRule(ctx, CreateRuleInput{MerchantID: "m", Name: "x", Kind: KindFixed})
	requireStatus(t, err, errutil.StatusBadRequest)

	_, err = svc.CreateRule(ctx, CreateRuleInput{MerchantID: "m", ProgramID: "prog", Kind: KindFixed})
	requireStatus(t, err, errutil.StatusBadRequest)

	_, err = svc.CreateRule(ctx, CreateRuleInput{MerchantID: "m", ProgramID: "prog", Name: "x", Kind: "WEEKLY"})
	requireStatus(t, err, errutil.StatusBadRequest)

	_, err = svc.CreateRule(ctx, CreateRuleInput{MerchantID: "m", ProgramID: "prog", Name: "x", Kind: KindFixed, Points: -1})
	requireStatus(t, err, errutil.StatusValidationFailed)
}

func requireStatus(t *testing.T, err error, want errutil.CoreStatus) {
	t.Helper()
	require.Error(t, err)
	var be errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, want, be.Code)
}

func TestRuleLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateRule(ctx, CreateRuleInput{
		MerchantID: "merchant-1",
		ProgramID:  "prog-1",
		Name:       "purchase bonus",
		Kind:       KindFixed,
		Points:     50,
		Conditions: []Condition{{Field: "type", Operator: OperatorEquals, Value: "purchase"}},
		IsActive:   true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.RuleID)

	got, err := svc.GetRule(ctx, "merchant-1", created.RuleID)
	require.NoError(t, err)
	require.Equal(t, "purchase bonus", got.Name)
	require.True(t, got.IsActive)

	conditions, err := got.DecodeConditions()
	require.NoError(t, err)
	require.Len(t, conditions, 1)
	require.Equal(t, OperatorEquals, conditions[0].Operator)

	updated, err := svc.UpdateRule(ctx, "merchant-1", created.RuleID, CreateRuleInput{
		MerchantID: "merchant-1",
		ProgramID:  "prog-1",
		Name:       "purchase bonus v2",
		Kind:       KindPercentage,
		Points:     5,
		Conditions: []Condition{{Field: "type", Operator: OperatorEquals, Value: "purchase"}},
		IsActive:   true,
	})
	require.NoError(t, err)
	require.Equal(t, KindPercentage, updated.Kind)

	require.NoError(t, svc.DeactivateRule(ctx, "merchant-1", created.RuleID))

	got, err = svc.GetRule(ctx, "merchant-1", created.RuleID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
}

func TestGetRuleNotFound(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.GetRule(context.Background(), "merchant-1", "missing")
	requireStatus(t, err, errutil.StatusNotFound)
}

func TestGetRuleScopedToMerchant(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateRule(ctx, CreateRuleInput{
		MerchantID: "merchant-1",
		ProgramID:  "prog-1",
		Name:       "bonus",
		Kind:       KindFixed,
		Points:     10,
		IsActive:   true,
	})
	require.NoError(t, err)

	_, err = svc.GetRule(ctx, "merchant-2", created.RuleID)
	requireStatus(t, err, errutil.StatusNotFound)
}

func TestListRulesCursorPagination(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		r := &PointsRule{
			RuleID:     fmt.Sprintf("rule-%02d", i),
			MerchantID: "merchant-1",
			ProgramID:  "prog-1",
			Name:       fmt.Sprintf("rule %d", i),
			Kind:       KindFixed,
			Points:     10,
			IsActive:   true,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
			UpdatedAt:  base,
		}
		require.NoError(t, svc.repo.Create(ctx, r))
	}

	first, err := svc.ListRules(ctx, ListRulesInput{
		MerchantID: "merchant-1",
		Paging:     pagination.Pagination{Limit: 2},
	})
	require.NoError(t, err)
	require.Len(t, first.Rules, 2)
	require.True(t, first.PageInfo.HasMore)
	require.Equal(t, "rule-00", first.Rules[0].RuleID)
	require.Equal(t, "rule-01", first.Rules[1].RuleID)

	second, err := svc.ListRules(ctx, ListRulesInput{
		MerchantID: "merchant-1",
		Paging:     pagination.Pagination{Limit: 2, Cursor: first.PageInfo.NextCursor},
	})
	require.NoError(t, err)
	require.Len(t, second.Rules, 2)
	require.Equal(t, "rule-02", second.Rules[0].RuleID)
	require.Equal(t, "rule-03", second.Rules[1].RuleID)

	last, err := svc.ListRules(ctx, ListRulesInput{
		MerchantID: "merchant-1",
		Paging:     pagination.Pagination{Limit: 2, Cursor: second.PageInfo.NextCursor},
	})
	require.NoError(t, err)
	require.Len(t, last.Rules, 1)
	require.False(t, last.PageInfo.HasMore)
	require.Equal(t, "rule-04", last.Rules[0].RuleID)
}

func TestListRulesInvalidCursor(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.ListRules(context.Background(), ListRulesInput{
		MerchantID: "merchant-1",
		Paging:     pagination.Pagination{Cursor: "not-base64!"},
	})
	requireStatus(t, err, errutil.StatusBadRequest)
}

func TestEvaluate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, CreateRuleInput{
		MerchantID: "merchant-1",
		ProgramID:  "prog-1",
		Name:       "purchase bonus",
		Kind:       KindFixed,
		Points:     50,
		Conditions: []Condition{{Field: "type", Operator: OperatorEquals, Value: "purchase"}},
		IsActive:   true,
	})
	require.NoError(t, err)

	_, err = svc.CreateRule(ctx, CreateRuleInput{
		MerchantID: "merchant-1",
		ProgramID:  "prog-1",
		Name:       "big spender",
		Kind:       KindPercentage,
		Points:     5,
		Conditions: []Condition{{Field: "amount", Operator: OperatorGreaterThan, Value: 1000}},
		IsActive:   true,
	})
	require.NoError(t, err)

	result, err := svc.Evaluate(ctx, EvaluateInput{
		UserID:            "user-1",
		MerchantID:        "merchant-1",
		LoyaltyProgramID:  "prog-1",
		TransactionAmount: 1050,
		Metadata:          map[string]any{"type": "purchase"},
	})
	require.NoError(t, err)

	// 50 fixed plus floor(1050 * 5%) = 52.
	require.Equal(t, int64(102), result.TotalPoints)
	require.Len(t, result.Matched, 2)

	small, err := svc.Evaluate(ctx, EvaluateInput{
		UserID:            "user-1",
		MerchantID:        "merchant-1",
		LoyaltyProgramID:  "prog-1",
		TransactionAmount: 500,
		Metadata:          map[string]any{"type": "purchase"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(50), small.TotalPoints)
}

func TestEvaluateCacheInvalidatedOnDeactivate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateRule(ctx, CreateRuleInput{
		MerchantID: "merchant-1",
		ProgramID:  "prog-1",
		Name:       "purchase bonus",
		Kind:       KindFixed,
		Points:     50,
		Conditions: []Condition{{Field: "type", Operator: OperatorEquals, Value: "purchase"}},
		IsActive:   true,
	})
	require.NoError(t, err)

	in := EvaluateInput{
		UserID:            "user-1",
		MerchantID:        "merchant-1",
		LoyaltyProgramID:  "prog-1",
		TransactionAmount: 100,
		Metadata:          map[string]any{"type": "purchase"},
	}

	result, err := svc.Evaluate(ctx, in)
	require.NoError(t, err)
	require.Equal(t, int64(50), result.TotalPoints)

	require.NoError(t, svc.DeactivateRule(ctx, "merchant-1", created.RuleID))

	result, err = svc.Evaluate(ctx, in)
	require.NoError(t, err)
	require.Equal(t, int64(0), result.TotalPoints)
	require.Empty(t, result.Matched)
}

func TestEvaluateRequiresMerchantAndProgram(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Evaluate(context.Background(), EvaluateInput{LoyaltyProgramID: "prog-1"})
	requireStatus(t, err, errutil.StatusBadRequest)

	_, err = svc.Evaluate(context.Background(), EvaluateInput{MerchantID: "merchant-1"})
	requireStatus(t, err, errutil.StatusBadRequest)
}
