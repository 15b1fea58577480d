package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// EntryType classifies a ledger transaction.
type EntryType string

const (
	EntryEarn   EntryType = "EARN"
	EntryRedeem EntryType = "REDEEM"
	EntryAdjust EntryType = "ADJUST"
)

// Balance is the per-user projection of the transaction log. It is always
// derived: Reconcile can rebuild it from the transactions alone. At most
// one row exists per (merchant, user); Append seeds it before taking the
// row lock, so concurrent first writes collapse onto the same row.
type Balance struct {
	ID         string    `gorm:"column:id;primaryKey"`
	MerchantID string    `gorm:"column:merchant_id;uniqueIndex:idx_balance_user"`
	UserID     string    `gorm:"column:user_id;uniqueIndex:idx_balance_user"`
	Balance    int64     `gorm:"column:balance"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (Balance) TableName() string { return "points_balances" }

// PointsTransaction is one immutable row of the points ledger. Amount is
// signed: positive for EARN, negative for REDEEM, either for ADJUST.
// Rows are never updated or deleted after insert.
type PointsTransaction struct {
	ID         string    `gorm:"column:id;primaryKey"`
	MerchantID string    `gorm:"column:merchant_id;index:idx_txn_user"`
	UserID     string    `gorm:"column:user_id;index:idx_txn_user"`
	ProgramID  string    `gorm:"column:program_id"`
	Type       EntryType `gorm:"column:type"`
	Amount     int64     `gorm:"column:amount"`

	// BalanceAfter snapshots the running balance at insert time.
	BalanceAfter int64 `gorm:"column:balance_after"`

	// ReferenceID deduplicates writes for the same upstream event.
	ReferenceID string `gorm:"column:reference_id;index"`
	Description string `gorm:"column:description"`

	// RuleBreakdown holds the per-rule contributions for EARN rows.
	RuleBreakdown datatypes.JSON `gorm:"column:rule_breakdown"`
	Metadata      datatypes.JSON `gorm:"column:metadata"`

	// Hash chains each row to its predecessor for the same user so that
	// tampering with history is detectable.
	PreviousHash string `gorm:"column:previous_hash"`
	Hash         string `gorm:"column:hash"`

	CreatedAt time.Time `gorm:"column:created_at"`
}

func (PointsTransaction) TableName() string { return "points_transactions" }

func (t *PointsTransaction) hashFields() map[string]string {
	return map[string]string{
		"id":            t.ID,
		"merchant_id":   t.MerchantID,
		"user_id":       t.UserID,
		"program_id":    t.ProgramID,
		"type":          string(t.Type),
		"amount":        fmt.Sprintf("%d", t.Amount),
		"balance_after": fmt.Sprintf("%d", t.BalanceAfter),
		"reference_id":  t.ReferenceID,
		"created_at":    t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": t.PreviousHash,
	}
}

// ComputeHash derives the chain hash over the immutable fields, keyed in
// sorted order so the digest is stable.
func (t *PointsTransaction) ComputeHash() string {
	fields := t.hashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
