package rule

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyalty-engine/pkg/db/pagination"
	"loyalty-engine/pkg/errutil"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	defaultCacheTTL = 30 * time.Second
)

// Service owns rule configuration and evaluation for merchants.
type Service struct {
	repo       Repository
	matcher    *Matcher
	calculator *Calculator
	cache      *RuleCache
	logger     *zap.Logger
	node       *snowflake.Node
}

// ServiceParams defines dependencies for Service construction.
type ServiceParams struct {
	fx.In

	Repository Repository
	Matcher    *Matcher
	Calculator *Calculator
	Logger     *zap.Logger
	Node       *snowflake.Node
}

// NewService constructs a new Service instance.
func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if p.Repository == nil {
		panic("rule service requires repository dependency")
	}
	if p.Matcher == nil {
		p.Matcher = NewMatcher(NewEvaluator(), logger)
	}
	if p.Calculator == nil {
		p.Calculator = NewCalculator(logger)
	}
	return &Service{
		repo:       p.Repository,
		matcher:    p.Matcher,
		calculator: p.Calculator,
		cache:      NewRuleCache(defaultCacheTTL),
		logger:     logger,
		node:       p.Node,
	}
}

// CreateRuleInput carries the merchant-supplied rule definition.
type CreateRuleInput struct {
	MerchantID    string         `json:"merchantId"`
	ProgramID     string         `json:"programId"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Kind          RuleKind       `json:"kind"`
	Conditions    []Condition    `json:"conditions"`
	Expression    string         `json:"expression"`
	Points        int64          `json:"points"`
	MaxPoints     *int64         `json:"maxPoints"`
	MinAmount     *int64         `json:"minAmount"`
	CategoryRules map[string]any `json:"categoryRules"`
	IsActive      bool           `json:"isActive"`
}

func (s *Service) CreateRule(ctx context.Context, in CreateRuleInput) (*PointsRule, error) {
	if strings.TrimSpace(in.MerchantID) == "" {
		return nil, errutil.BadRequest("merchantId is required", nil)
	}
	if strings.TrimSpace(in.ProgramID) == "" {
		return nil, errutil.BadRequest("programId is required", nil)
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, errutil.BadRequest("name is required", nil)
	}
	switch in.Kind {
	case KindFixed, KindPercentage, KindDynamic:
	default:
		return nil, errutil.BadRequest("kind must be FIXED, PERCENTAGE or DYNAMIC", nil)
	}
	if in.Points < 0 {
		return nil, errutil.ValidationFailed("points must not be negative", nil)
	}

	now := time.Now().UTC()
	r := &PointsRule{
		RuleID:        s.node.Generate().String(),
		MerchantID:    in.MerchantID,
		ProgramID:     in.ProgramID,
		Name:          in.Name,
		Description:   in.Description,
		Kind:          in.Kind,
		Expression:    in.Expression,
		Points:        in.Points,
		MaxPoints:     in.MaxPoints,
		MinAmount:     in.MinAmount,
		CategoryRules: in.CategoryRules,
		IsActive:      in.IsActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.SetConditions(in.Conditions); err != nil {
		return nil, errutil.BadRequest("invalid conditions payload", err)
	}

	if err := s.repo.Create(ctx, r); err != nil {
		s.logger.Error("failed to create rule", zap.Error(err))
		return nil, errutil.Internal("failed to create rule", err)
	}

	s.cache.Invalidate(RuleSetKey{MerchantID: in.MerchantID, ProgramID: in.ProgramID})
	return r, nil
}

func (s *Service) GetRule(ctx context.Context, merchantID, ruleID string) (*PointsRule, error) {
	if strings.TrimSpace(ruleID) == "" {
		return nil, errutil.BadRequest("ruleId is required", nil)
	}

	r, err := s.repo.GetByID(ctx, merchantID, ruleID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("rule not found", err)
	}
	if err != nil {
		s.logger.Error("failed to get rule", zap.String("rule_id", ruleID), zap.Error(err))
		return nil, errutil.Internal("failed to get rule", err)
	}
	return r, nil
}

// ListRulesInput selects a page of rules for a merchant.
type ListRulesInput struct {
	MerchantID      string
	ProgramID       string
	IncludeInactive bool
	Paging          pagination.Pagination
}

type ListRulesOutput struct {
	Rules    []*PointsRule        `json:"rules"`
	PageInfo *pagination.PageInfo `json:"pageInfo"`
}

func (s *Service) ListRules(ctx context.Context, in ListRulesInput) (*ListRulesOutput, error) {
	limit := in.Paging.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	params := ListParams{
		ProgramID:       in.ProgramID,
		IncludeInactive: in.IncludeInactive,
		Limit:           limit + 1,
	}
	if in.Paging.Cursor != "" {
		cursor, err := pagination.DecodeCursor(in.Paging.Cursor)
		if err != nil {
			return nil, errutil.BadRequest("invalid paging cursor", err)
		}
		if cursor.CreatedAt != "" {
			createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
			if err != nil {
				return nil, errutil.BadRequest("invalid paging cursor", err)
			}
			params.AfterCreatedAt = createdAt
			params.AfterRuleID = cursor.ID
		}
	}

	rules, err := s.repo.List(ctx, in.MerchantID, params)
	if err != nil {
		s.logger.Error("failed to list rules", zap.Error(err))
		return nil, errutil.Internal("failed to list rules", err)
	}

	rules, pageInfo := pagination.BuildCursorPageInfo(rules, limit, func(r *PointsRule) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        r.RuleID,
		})
		return cursor
	})

	return &ListRulesOutput{Rules: rules, PageInfo: pageInfo}, nil
}

func (s *Service) UpdateRule(ctx context.Context, merchantID, ruleID string, in CreateRuleInput) (*PointsRule, error) {
	existing, err := s.GetRule(ctx, merchantID, ruleID)
	if err != nil {
		return nil, err
	}

	existing.Name = in.Name
	existing.Description = in.Description
	existing.Kind = in.Kind
	existing.Expression = in.Expression
	existing.Points = in.Points
	existing.MaxPoints = in.MaxPoints
	existing.MinAmount = in.MinAmount
	existing.CategoryRules = in.CategoryRules
	existing.IsActive = in.IsActive
	existing.UpdatedAt = time.Now().UTC()
	if err := existing.SetConditions(in.Conditions); err != nil {
		return nil, errutil.BadRequest("invalid conditions payload", err)
	}

	if err := s.repo.Update(ctx, existing); errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("rule not found", err)
	} else if err != nil {
		s.logger.Error("failed to update rule", zap.String("rule_id", ruleID), zap.Error(err))
		return nil, errutil.Internal("failed to update rule", err)
	}

	s.cache.Invalidate(RuleSetKey{MerchantID: existing.MerchantID, ProgramID: existing.ProgramID})
	return existing, nil
}

// DeactivateRule removes a rule from matching without deleting its history.
func (s *Service) DeactivateRule(ctx context.Context, merchantID, ruleID string) error {
	existing, err := s.GetRule(ctx, merchantID, ruleID)
	if err != nil {
		return err
	}

	if err := s.repo.SetActive(ctx, merchantID, ruleID, false); errors.Is(err, gorm.ErrRecordNotFound) {
		return errutil.NotFound("rule not found", err)
	} else if err != nil {
		s.logger.Error("failed to deactivate rule", zap.String("rule_id", ruleID), zap.Error(err))
		return errutil.Internal("failed to deactivate rule", err)
	}

	s.cache.Invalidate(RuleSetKey{MerchantID: existing.MerchantID, ProgramID: existing.ProgramID})
	return nil
}

// EvaluateInput is the points-calculation request consumed from the CRUD
// layer. TransactionAmount is in minor units.
type EvaluateInput struct {
	UserID            string         `json:"userId"`
	MerchantID        string         `json:"merchantId"`
	LoyaltyProgramID  string         `json:"loyaltyProgramId"`
	TransactionAmount int64          `json:"transactionAmount"`
	Metadata          map[string]any `json:"metadata"`
}

// Evaluate matches the active rule set for the program against the event
// and returns the total award with the per-rule breakdown.
func (s *Service) Evaluate(ctx context.Context, in EvaluateInput) (*EvaluationResult, error) {
	if strings.TrimSpace(in.MerchantID) == "" {
		return nil, errutil.BadRequest("merchantId is required", nil)
	}
	if strings.TrimSpace(in.LoyaltyProgramID) == "" {
		return nil, errutil.BadRequest("loyaltyProgramId is required", nil)
	}

	key := RuleSetKey{MerchantID: in.MerchantID, ProgramID: in.LoyaltyProgramID}
	rules, err := s.cache.GetOrLoad(ctx, key, func(ctx context.Context) ([]PointsRule, error) {
		return s.repo.ListActiveByProgram(ctx, in.MerchantID, in.LoyaltyProgramID)
	})
	if err != nil {
		s.logger.Error("failed to load rule set",
			zap.String("merchant_id", in.MerchantID),
			zap.String("program_id", in.LoyaltyProgramID),
			zap.Error(err))
		return nil, errutil.Internal("failed to load rules", err)
	}

	payload := buildPayload(in)
	matched := s.matcher.Match(payload, rules)
	result := s.calculator.Calculate(matched, payload, in.TransactionAmount)
	return &result, nil
}

// buildPayload flattens the event for condition matching. Metadata entries
// come first so the canonical fields always win.
func buildPayload(in EvaluateInput) map[string]any {
	payload := make(map[string]any, len(in.Metadata)+3)
	for k, v := range in.Metadata {
		payload[k] = v
	}
	payload["amount"] = float64(in.TransactionAmount)
	payload["userId"] = in.UserID
	payload["merchantId"] = in.MerchantID
	return payload
}
