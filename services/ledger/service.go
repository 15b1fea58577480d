package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"loyalty-engine/pkg/db/option"
	"loyalty-engine/pkg/db/pagination"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Service owns the append-only points ledger and its balance projection.
// All writes for a user are serialized through a locked transaction, so a
// redemption can never drive the balance negative.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	transactions repository.Repository[PointsTransaction]
	balances     repository.Repository[Balance]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		transactions: repository.ProvideStore[PointsTransaction](p.DB),
		balances:     repository.ProvideStore[Balance](p.DB),
	}
}

// AppendInput describes one ledger write. Points is a positive magnitude
// for EARN and REDEEM; for ADJUST it is the signed delta.
type AppendInput struct {
	MerchantID  string
	UserID      string
	ProgramID   string
	Type        EntryType
	Points      int64
	ReferenceID string
	Description string

	RuleBreakdown datatypes.JSON
	Metadata      datatypes.JSON
}

func (in AppendInput) signedAmount() (int64, error) {
	switch in.Type {
	case EntryEarn:
		if in.Points <= 0 {
			return 0, errutil.ValidationFailed("earn points must be positive", nil)
		}
		return in.Points, nil
	case EntryRedeem:
		if in.Points <= 0 {
			return 0, errutil.ValidationFailed("redeem points must be positive", nil)
		}
		return -in.Points, nil
	case EntryAdjust:
		if in.Points == 0 {
			return 0, errutil.ValidationFailed("adjustment must not be zero", nil)
		}
		return in.Points, nil
	default:
		return 0, errutil.BadRequest("type must be EARN, REDEEM or ADJUST", nil)
	}
}

// Append writes one transaction and moves the balance projection in the
// same locked database transaction. A redemption that would drive the
// balance negative writes nothing and returns
// StatusInsufficientBalance; adjustments carry no floor, so a clawback
// may legitimately leave a negative balance.
func (s *Service) Append(ctx context.Context, in AppendInput) (*PointsTransaction, error) {
	span := trace.SpanFromContext(ctx)
	fields := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("merchant_id", in.MerchantID),
		zap.String("user_id", in.UserID),
	}

	if strings.TrimSpace(in.MerchantID) == "" {
		return nil, errutil.BadRequest("merchantId is required", nil)
	}
	if strings.TrimSpace(in.UserID) == "" {
		return nil, errutil.BadRequest("userId is required", nil)
	}

	amount, err := in.signedAmount()
	if err != nil {
		return nil, err
	}

	if in.ReferenceID != "" {
		exist, err := s.transactions.FindOne(ctx, &PointsTransaction{
			MerchantID:  in.MerchantID,
			ReferenceID: in.ReferenceID,
		})
		if err != nil {
			zap.L().With(fields...).Error("failed to check reference id", zap.Error(err))
			return nil, errutil.Internal("failed to check reference id", err)
		}
		if exist != nil {
			zap.L().With(fields...).Warn("reference_id already exists",
				zap.String("reference_id", in.ReferenceID))
			return nil, errutil.Conflict("reference_id already exists", nil)
		}
	}

	var txn *PointsTransaction
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)

		// Seed the balance row so there is always something to lock.
		// Two concurrent first writes conflict on (merchant_id, user_id)
		// and serialize on the surviving row instead of each creating
		// their own projection.
		seed := &Balance{
			ID:         s.node.Generate().String(),
			MerchantID: in.MerchantID,
			UserID:     in.UserID,
			CreatedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		}
		if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "merchant_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).Create(seed).Error; err != nil {
			return err
		}

		balance, err := s.balances.WithTrx(tx).FindOne(ctx, &Balance{
			MerchantID: in.MerchantID,
			UserID:     in.UserID,
		}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if balance == nil {
			return gorm.ErrRecordNotFound
		}

		next := balance.Balance + amount
		if in.Type == EntryRedeem && next < 0 {
			return errutil.InsufficientBalance("insufficient points balance", nil)
		}

		last, err := s.transactions.WithTrx(tx).FindOne(ctx, &PointsTransaction{
			MerchantID: in.MerchantID,
			UserID:     in.UserID,
		}, option.WithSortBy(option.QuerySortBy{
			SortBy:  "id",
			OrderBy: "desc",
			Allow:   map[string]bool{"id": true},
		}), option.WithLockingUpdate())
		if err != nil {
			return err
		}

		var previousHash string
		if last != nil {
			previousHash = last.Hash
		}

		now := time.Now().UTC()
		txn = &PointsTransaction{
			ID:            s.node.Generate().String(),
			MerchantID:    in.MerchantID,
			UserID:        in.UserID,
			ProgramID:     in.ProgramID,
			Type:          in.Type,
			Amount:        amount,
			BalanceAfter:  next,
			ReferenceID:   in.ReferenceID,
			Description:   in.Description,
			RuleBreakdown: in.RuleBreakdown,
			Metadata:      in.Metadata,
			PreviousHash:  previousHash,
			CreatedAt:     now,
		}
		txn.Hash = txn.ComputeHash()

		if err := s.transactions.WithTrx(tx).Create(ctx, txn); err != nil {
			return err
		}

		return s.balances.WithTrx(tx).Update(ctx, balance.ID, map[string]any{
			"balance":    next,
			"updated_at": now,
		})
	}); err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) {
			return nil, err
		}
		zap.L().With(fields...).Error("failed to append ledger transaction", zap.Error(err))
		return nil, errutil.Internal("failed to append transaction", err)
	}

	return txn, nil
}

// GetBalance returns the projected balance for a user. A user with no
// ledger history has a zero balance, not an error.
func (s *Service) GetBalance(ctx context.Context, merchantID, userID string) (*Balance, error) {
	if strings.TrimSpace(merchantID) == "" || strings.TrimSpace(userID) == "" {
		return nil, errutil.BadRequest("merchantId and userId are required", nil)
	}

	balance, err := s.balances.FindOne(ctx, &Balance{MerchantID: merchantID, UserID: userID})
	if err != nil {
		zap.L().Error("failed to query balance", zap.Error(err))
		return nil, errutil.Internal("failed to query balance", err)
	}
	if balance == nil {
		return &Balance{MerchantID: merchantID, UserID: userID, Balance: 0}, nil
	}
	return balance, nil
}

// ListTransactionsInput selects a page of a user's transaction history,
// newest first.
type ListTransactionsInput struct {
	MerchantID string
	UserID     string
	ProgramID  string
	Paging     pagination.Pagination
}

type ListTransactionsOutput struct {
	Transactions []*PointsTransaction `json:"transactions"`
	PageInfo     *pagination.PageInfo `json:"pageInfo"`
}

func (s *Service) ListTransactions(ctx context.Context, in ListTransactionsInput) (*ListTransactionsOutput, error) {
	if strings.TrimSpace(in.MerchantID) == "" || strings.TrimSpace(in.UserID) == "" {
		return nil, errutil.BadRequest("merchantId and userId are required", nil)
	}

	limit := in.Paging.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "id",
			OrderBy: "desc",
			Allow:   map[string]bool{"id": true},
		}),
		option.WithLimit(limit + 1),
	}
	if in.Paging.Cursor != "" {
		cursor, err := pagination.DecodeCursor(in.Paging.Cursor)
		if err != nil {
			return nil, errutil.BadRequest("invalid paging cursor", err)
		}
		if cursor.ID != "" {
			opts = append(opts, option.ApplyOperator(option.Condition{
				Field:    "id",
				Operator: option.LT,
				Value:    cursor.ID,
			}))
		}
	}

	rows, err := s.transactions.Find(ctx, &PointsTransaction{
		MerchantID: in.MerchantID,
		UserID:     in.UserID,
		ProgramID:  in.ProgramID,
	}, opts...)
	if err != nil {
		zap.L().Error("failed to list transactions", zap.Error(err))
		return nil, errutil.Internal("failed to list transactions", err)
	}

	rows, pageInfo := pagination.BuildCursorPageInfo(rows, limit, func(t *PointsTransaction) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{ID: t.ID})
		return cursor
	})

	return &ListTransactionsOutput{Transactions: rows, PageInfo: pageInfo}, nil
}

// ReconcileResult reports a comparison between the balance projection and
// the transaction log it is derived from.
type ReconcileResult struct {
	ComputedBalance int64 `json:"computedBalance"`
	StoredBalance   int64 `json:"storedBalance"`
	ChainValid      bool  `json:"chainValid"`
	Repaired        bool  `json:"repaired"`
}

// Reconcile replays a user's transactions, verifies the hash chain, and
// repairs the balance projection when it has drifted from the log.
func (s *Service) Reconcile(ctx context.Context, merchantID, userID string) (*ReconcileResult, error) {
	if strings.TrimSpace(merchantID) == "" || strings.TrimSpace(userID) == "" {
		return nil, errutil.BadRequest("merchantId and userId are required", nil)
	}

	result := &ReconcileResult{ChainValid: true}

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)

		rows, err := s.transactions.WithTrx(tx).Find(ctx, &PointsTransaction{
			MerchantID: merchantID,
			UserID:     userID,
		}, option.WithSortBy(option.QuerySortBy{
			SortBy:  "id",
			OrderBy: "asc",
			Allow:   map[string]bool{"id": true},
		}))
		if err != nil {
			return err
		}

		var previousHash string
		for _, row := range rows {
			result.ComputedBalance += row.Amount
			if row.PreviousHash != previousHash || row.ComputeHash() != row.Hash {
				result.ChainValid = false
			}
			previousHash = row.Hash
		}

		balance, err := s.balances.WithTrx(tx).FindOne(ctx, &Balance{
			MerchantID: merchantID,
			UserID:     userID,
		}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if balance == nil {
			if len(rows) == 0 {
				return nil
			}
			result.Repaired = true
			now := time.Now().UTC()
			return s.balances.WithTrx(tx).Create(ctx, &Balance{
				ID:         s.node.Generate().String(),
				MerchantID: merchantID,
				UserID:     userID,
				Balance:    result.ComputedBalance,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}

		result.StoredBalance = balance.Balance
		if balance.Balance == result.ComputedBalance {
			return nil
		}

		zap.L().Warn("balance projection drifted from ledger",
			zap.String("merchant_id", merchantID),
			zap.String("user_id", userID),
			zap.Int64("stored", balance.Balance),
			zap.Int64("computed", result.ComputedBalance))
		result.Repaired = true
		return s.balances.WithTrx(tx).Update(ctx, balance.ID, map[string]any{
			"balance":    result.ComputedBalance,
			"updated_at": time.Now().UTC(),
		})
	}); err != nil {
		return nil, errutil.Internal("failed to reconcile ledger", err)
	}

	return result, nil
}
