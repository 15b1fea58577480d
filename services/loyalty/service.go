package loyalty

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"loyalty-engine/pkg/errutil"
	"loyalty-engine/services/ledger"
	"loyalty-engine/services/rule"
	"loyalty-engine/services/webhook"
)

// Service orchestrates one loyalty event end to end: rule evaluation,
// the ledger write, and webhook fan-out. The ledger write commits before
// any webhook is queued, so subscribers only ever see durable state.
type Service struct {
	rules      *rule.Service
	ledger     *ledger.Service
	dispatcher *webhook.Dispatcher
	logger     *zap.Logger
}

type ServiceParams struct {
	fx.In

	Rules      *rule.Service
	Ledger     *ledger.Service
	Dispatcher *webhook.Dispatcher
	Logger     *zap.Logger
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		rules:      p.Rules,
		ledger:     p.Ledger,
		dispatcher: p.Dispatcher,
		logger:     logger,
	}
}

// ProcessEventInput is one incoming loyalty event. Amount is the
// transaction amount in minor units and drives rule evaluation for EARN.
// Points is the explicit magnitude for REDEEM and the signed delta for
// ADJUST; it is ignored for EARN, where the rules decide.
type ProcessEventInput struct {
	MerchantID  string            `json:"merchantId"`
	UserID      string            `json:"userId"`
	ProgramID   string            `json:"programId"`
	Type        ledger.EntryType  `json:"type"`
	Amount      int64             `json:"amount"`
	Points      int64             `json:"points"`
	ReferenceID string            `json:"referenceId"`
	Description string            `json:"description"`
	Metadata    map[string]any    `json:"metadata"`
}

type ProcessEventOutput struct {
	Transaction *ledger.PointsTransaction `json:"transaction,omitempty"`
	Evaluation  *rule.EvaluationResult    `json:"evaluation,omitempty"`
}

func (s *Service) ProcessEvent(ctx context.Context, in ProcessEventInput) (*ProcessEventOutput, error) {
	if strings.TrimSpace(in.MerchantID) == "" {
		return nil, errutil.BadRequest("merchantId is required", nil)
	}
	if strings.TrimSpace(in.UserID) == "" {
		return nil, errutil.BadRequest("userId is required", nil)
	}

	switch in.Type {
	case ledger.EntryEarn:
		return s.processEarn(ctx, in)
	case ledger.EntryRedeem:
		return s.processDirect(ctx, in, EventPointsRedeemed)
	case ledger.EntryAdjust:
		return s.processDirect(ctx, in, EventPointsAdjusted)
	default:
		return nil, errutil.BadRequest("type must be EARN, REDEEM or ADJUST", nil)
	}
}

// processEarn evaluates the program's rules against the event and only
// touches the ledger when the rules award something.
func (s *Service) processEarn(ctx context.Context, in ProcessEventInput) (*ProcessEventOutput, error) {
	evaluation, err := s.rules.Evaluate(ctx, rule.EvaluateInput{
		UserID:            in.UserID,
		MerchantID:        in.MerchantID,
		LoyaltyProgramID:  in.ProgramID,
		TransactionAmount: in.Amount,
		Metadata:          in.Metadata,
	})
	if err != nil {
		return nil, err
	}

	out := &ProcessEventOutput{Evaluation: evaluation}

	eventData := map[string]any{
		"userId":      in.UserID,
		"programId":   in.ProgramID,
		"amount":      in.Amount,
		"referenceId": in.ReferenceID,
	}

	if evaluation.TotalPoints <= 0 {
		s.logger.Info("no rules awarded points",
			zap.String("merchant_id", in.MerchantID),
			zap.String("user_id", in.UserID),
			zap.Int64("amount", in.Amount))
		s.notify(ctx, in.MerchantID, EventTransactionCreated, eventData)
		return out, nil
	}

	breakdown, err := json.Marshal(evaluation.Matched)
	if err != nil {
		return nil, errutil.Internal("failed to serialize rule breakdown", err)
	}

	txn, err := s.ledger.Append(ctx, ledger.AppendInput{
		MerchantID:    in.MerchantID,
		UserID:        in.UserID,
		ProgramID:     in.ProgramID,
		Type:          ledger.EntryEarn,
		Points:        evaluation.TotalPoints,
		ReferenceID:   in.ReferenceID,
		Description:   in.Description,
		RuleBreakdown: breakdown,
		Metadata:      marshalMetadata(in.Metadata),
	})
	if err != nil {
		return nil, err
	}
	out.Transaction = txn

	// Subscribers are only told about events whose ledger write held: a
	// rejected write (duplicate reference, for one) must not be announced.
	s.notify(ctx, in.MerchantID, EventTransactionCreated, eventData)
	s.notify(ctx, in.MerchantID, EventPointsEarned, transactionData(txn))
	return out, nil
}

// processDirect appends a redemption or adjustment without consulting the
// rules; the caller names the points.
func (s *Service) processDirect(ctx context.Context, in ProcessEventInput, eventType string) (*ProcessEventOutput, error) {
	txn, err := s.ledger.Append(ctx, ledger.AppendInput{
		MerchantID:  in.MerchantID,
		UserID:      in.UserID,
		ProgramID:   in.ProgramID,
		Type:        in.Type,
		Points:      in.Points,
		ReferenceID: in.ReferenceID,
		Description: in.Description,
		Metadata:    marshalMetadata(in.Metadata),
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, in.MerchantID, eventType, transactionData(txn))
	return &ProcessEventOutput{Transaction: txn}, nil
}

// notify queues webhook deliveries. Delivery problems are logged, never
// surfaced: the ledger write already committed and must not be reported
// as failed.
func (s *Service) notify(ctx context.Context, merchantID, eventType string, data map[string]any) {
	if err := s.dispatcher.Dispatch(ctx, merchantID, eventType, data); err != nil {
		s.logger.Error("failed to dispatch webhook event",
			zap.String("merchant_id", merchantID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func transactionData(txn *ledger.PointsTransaction) map[string]any {
	return map[string]any{
		"transactionId": txn.ID,
		"userId":        txn.UserID,
		"programId":     txn.ProgramID,
		"type":          string(txn.Type),
		"points":        txn.Amount,
		"balanceAfter":  txn.BalanceAfter,
		"referenceId":   txn.ReferenceID,
	}
}

func marshalMetadata(metadata map[string]any) datatypes.JSON {
	if len(metadata) == 0 {
		return nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
