package rule

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// RuleKind selects the point formula applied by the calculator.
type RuleKind string

const (
	KindFixed      RuleKind = "FIXED"
	KindPercentage RuleKind = "PERCENTAGE"
	KindDynamic    RuleKind = "DYNAMIC"
)

// Operator is the closed set of condition operators. Anything else parses
// into OperatorUnknown, which never matches.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorGreaterThan Operator = "greaterThan"
	OperatorLessThan    Operator = "lessThan"
	OperatorContains    Operator = "contains"
	OperatorUnknown     Operator = "unknown"
)

// ParseOperator normalises a raw operator string. Unrecognised values
// degrade to OperatorUnknown so a configuration typo cannot widen a rule.
func ParseOperator(s string) Operator {
	switch Operator(s) {
	case OperatorEquals, OperatorGreaterThan, OperatorLessThan, OperatorContains:
		return Operator(s)
	default:
		return OperatorUnknown
	}
}

func (o *Operator) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*o = ParseOperator(s)
	return nil
}

// Condition is one field predicate of a rule. All conditions must hold for
// the rule to match.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// PointsRule is a merchant-configured rule mapping a matching event to a
// point award. Amounts and points are minor units.
type PointsRule struct {
	RuleID      string   `gorm:"column:rule_id;primaryKey"`
	MerchantID  string   `gorm:"column:merchant_id;index"`
	ProgramID   string   `gorm:"column:program_id;index"`
	Name        string   `gorm:"column:name"`
	Description string   `gorm:"column:description"`
	Kind        RuleKind `gorm:"column:kind"`

	// Conditions holds the serialized []Condition list.
	Conditions datatypes.JSON `gorm:"column:conditions"`

	// Expression is an optional CEL guard evaluated against the event
	// payload in addition to Conditions. Empty means no guard.
	Expression string `gorm:"column:expression"`

	Points    int64  `gorm:"column:points"`
	MaxPoints *int64 `gorm:"column:max_points"`
	MinAmount *int64 `gorm:"column:min_amount"`

	// DYNAMIC modifiers: multiplier per category, and time windows of the
	// form {"start": h, "end": h, "multiplier": m}.
	CategoryRules datatypes.JSONMap `gorm:"column:category_rules"`
	TimeRules     datatypes.JSON    `gorm:"column:time_rules"`

	IsActive  bool      `gorm:"column:is_active;index"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (PointsRule) TableName() string { return "points_rules" }

// DecodeConditions parses the stored conditions list. A malformed payload
// is an error for the caller to treat as "rule never matches".
func (r *PointsRule) DecodeConditions() ([]Condition, error) {
	if len(r.Conditions) == 0 {
		return nil, nil
	}
	var conditions []Condition
	if err := json.Unmarshal(r.Conditions, &conditions); err != nil {
		return nil, err
	}
	return conditions, nil
}

// SetConditions serializes the conditions list onto the model.
func (r *PointsRule) SetConditions(conditions []Condition) error {
	if conditions == nil {
		r.Conditions = nil
		return nil
	}
	b, err := json.Marshal(conditions)
	if err != nil {
		return err
	}
	r.Conditions = datatypes.JSON(b)
	return nil
}

// TimeWindow is one DYNAMIC time-of-day modifier.
type TimeWindow struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Multiplier float64 `json:"multiplier"`
}

func (r *PointsRule) DecodeTimeRules() ([]TimeWindow, error) {
	if len(r.TimeRules) == 0 {
		return nil, nil
	}
	var windows []TimeWindow
	if err := json.Unmarshal(r.TimeRules, &windows); err != nil {
		return nil, err
	}
	return windows, nil
}
