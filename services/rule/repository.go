package rule

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ListParams describes filters applied when listing rules.
type ListParams struct {
	ProgramID       string
	IncludeInactive bool
	AfterCreatedAt  time.Time
	AfterRuleID     string
	Limit           int
}

// Repository describes database operations available for rules.
type Repository interface {
	Create(ctx context.Context, rule *PointsRule) error
	GetByID(ctx context.Context, merchantID, ruleID string) (*PointsRule, error)
	List(ctx context.Context, merchantID string, params ListParams) ([]*PointsRule, error)
	Update(ctx context.Context, rule *PointsRule) error
	SetActive(ctx context.Context, merchantID, ruleID string, active bool) error
	ListActiveByProgram(ctx context.Context, merchantID, programID string) ([]PointsRule, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, rule *PointsRule) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *gormRepository) GetByID(ctx context.Context, merchantID, ruleID string) (*PointsRule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var rule PointsRule
	err := r.db.WithContext(ctx).
		Where("merchant_id = ? AND rule_id = ?", merchantID, ruleID).
		First(&rule).Error
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *gormRepository) List(ctx context.Context, merchantID string, params ListParams) ([]*PointsRule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&PointsRule{}).
		Where("merchant_id = ?", merchantID)

	if params.ProgramID != "" {
		query = query.Where("program_id = ?", params.ProgramID)
	}
	if !params.IncludeInactive {
		query = query.Where("is_active = ?", true)
	}
	if !params.AfterCreatedAt.IsZero() && params.AfterRuleID != "" {
		query = query.Where("(created_at > ?) OR (created_at = ? AND rule_id > ?)",
			params.AfterCreatedAt, params.AfterCreatedAt, params.AfterRuleID)
	}
	if params.Limit > 0 {
		query = query.Limit(params.Limit)
	}

	query = query.Order("created_at ASC").Order("rule_id ASC")

	var rules []*PointsRule
	if err := query.Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *gormRepository) Update(ctx context.Context, rule *PointsRule) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Model(&PointsRule{}).
		Where("merchant_id = ? AND rule_id = ?", rule.MerchantID, rule.RuleID).
		Updates(map[string]any{
			"name":           rule.Name,
			"description":    rule.Description,
			"kind":           rule.Kind,
			"conditions":     rule.Conditions,
			"expression":     rule.Expression,
			"points":         rule.Points,
			"max_points":     rule.MaxPoints,
			"min_amount":     rule.MinAmount,
			"category_rules": rule.CategoryRules,
			"time_rules":     rule.TimeRules,
			"is_active":      rule.IsActive,
			"updated_at":     rule.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetActive flips the matching flag. Deactivation removes the rule from
// matching while preserving its history.
func (r *gormRepository) SetActive(ctx context.Context, merchantID, ruleID string, active bool) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Model(&PointsRule{}).
		Where("merchant_id = ? AND rule_id = ?", merchantID, ruleID).
		Updates(map[string]any{
			"is_active":  active,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) ListActiveByProgram(ctx context.Context, merchantID, programID string) ([]PointsRule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&PointsRule{}).
		Where("merchant_id = ? AND program_id = ? AND is_active = ?", merchantID, programID, true)

	var rules []PointsRule
	if err := query.Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}
