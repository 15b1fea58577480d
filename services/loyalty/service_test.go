package loyalty

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/repository"
	"loyalty-engine/services/ledger"
	"loyalty-engine/services/rule"
	"loyalty-engine/services/testutil"
	"loyalty-engine/services/webhook"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type captureEnqueuer struct {
	tasks []*asynq.Task
}

func (c *captureEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{ID: "task", Type: task.Type()}, nil
}

type fixture struct {
	svc      *Service
	rules    *rule.Service
	ledger   *ledger.Service
	db       *gorm.DB
	enqueuer *captureEnqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&rule.PointsRule{},
		&ledger.PointsTransaction{},
		&ledger.Balance{},
		&webhook.Webhook{},
		&webhook.DeliveryLog{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Webhook.Timeout = 2 * time.Second
	cfg.Webhook.MaxAttempts = 3
	cfg.Webhook.Queue = "webhooks"

	enqueuer := &captureEnqueuer{}
	dispatcher := webhook.NewDispatcher(webhook.DispatcherParams{
		DB:       db,
		Enqueuer: enqueuer,
		Node:     node,
		Logger:   zap.NewNop(),
		Config:   cfg,
	})

	rules := rule.NewService(rule.ServiceParams{
		Repository: rule.NewRepository(db),
		Matcher:    rule.NewMatcher(rule.NewEvaluator(), zap.NewNop()),
		Calculator: rule.NewCalculator(zap.NewNop()),
		Logger:     zap.NewNop(),
		Node:       node,
	})
	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})

	svc := NewService(ServiceParams{
		Rules:      rules,
		Ledger:     ledgerSvc,
		Dispatcher: dispatcher,
		Logger:     zap.NewNop(),
	})

	return &fixture{svc: svc, rules: rules, ledger: ledgerSvc, db: db, enqueuer: enqueuer}
}

func (f *fixture) seedRule(t *testing.T, kind rule.RuleKind, points int64, conditions []rule.Condition) {
	t.Helper()
	_, err := f.rules.CreateRule(context.Background(), rule.CreateRuleInput{
		MerchantID: "merchant-1",
		ProgramID:  "prog-1",
		Name:       "seeded",
		Kind:       kind,
		Points:     points,
		Conditions: conditions,
		IsActive:   true,
	})
	require.NoError(t, err)
}

func (f *fixture) seedSubscriber(t *testing.T, events []string) {
	t.Helper()
	hook := &webhook.Webhook{
		ID:         "wh-1",
		MerchantID: "merchant-1",
		URL:        "https://example.com/hooks",
		Secret:     "whsec_test",
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, hook.SetEvents(events))
	require.NoError(t, f.db.Create(hook).Error)
}

func (f *fixture) deliveries(t *testing.T) []*webhook.DeliveryLog {
	t.Helper()
	logs, err := repository.ProvideStore[webhook.DeliveryLog](f.db).
		Find(context.Background(), &webhook.DeliveryLog{MerchantID: "merchant-1"})
	require.NoError(t, err)
	return logs
}

func TestProcessEarnEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedRule(t, rule.KindFixed, 50, []rule.Condition{
		{Field: "type", Operator: rule.OperatorEquals, Value: "purchase"},
	})
	f.seedRule(t, rule.KindPercentage, 5, []rule.Condition{
		{Field: "amount", Operator: rule.OperatorGreaterThan, Value: 1000},
	})
	f.seedSubscriber(t, []string{EventTransactionCreated, EventPointsEarned})

	out, err := f.svc.ProcessEvent(ctx, ProcessEventInput{
		MerchantID:  "merchant-1",
		UserID:      "user-1",
		ProgramID:   "prog-1",
		Type:        ledger.EntryEarn,
		Amount:      1050,
		ReferenceID: "order-1",
		Metadata:    map[string]any{"type": "purchase"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(102), out.Evaluation.TotalPoints)
	require.NotNil(t, out.Transaction)
	require.Equal(t, int64(102), out.Transaction.Amount)
	require.NotEmpty(t, out.Transaction.RuleBreakdown)

	balance, err := f.ledger.GetBalance(ctx, "merchant-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(102), balance.Balance)

	logs := f.deliveries(t)
	require.Len(t, logs, 2)
	events := map[string]bool{}
	for _, l := range logs {
		events[l.EventType] = true
	}
	require.True(t, events[EventTransactionCreated])
	require.True(t, events[EventPointsEarned])
	require.Len(t, f.enqueuer.tasks, 2)
}

func TestProcessEarnNoMatchWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedRule(t, rule.KindFixed, 50, []rule.Condition{
		{Field: "type", Operator: rule.OperatorEquals, Value: "purchase"},
	})
	f.seedSubscriber(t, []string{EventTransactionCreated, EventPointsEarned})

	out, err := f.svc.ProcessEvent(ctx, ProcessEventInput{
		MerchantID: "merchant-1",
		UserID:     "user-1",
		ProgramID:  "prog-1",
		Type:       ledger.EntryEarn,
		Amount:     1000,
		Metadata:   map[string]any{"type": "refund"},
	})
	require.NoError(t, err)
	require.Nil(t, out.Transaction)
	require.Equal(t, int64(0), out.Evaluation.TotalPoints)

	balance, err := f.ledger.GetBalance(ctx, "merchant-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Balance)

	logs := f.deliveries(t)
	require.Len(t, logs, 1)
	require.Equal(t, EventTransactionCreated, logs[0].EventType)
}

func TestProcessEarnRejectedWriteNotifiesNobody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedRule(t, rule.KindFixed, 50, []rule.Condition{
		{Field: "type", Operator: rule.OperatorEquals, Value: "purchase"},
	})
	f.seedSubscriber(t, []string{EventTransactionCreated, EventPointsEarned})

	in := ProcessEventInput{
		MerchantID:  "merchant-1",
		UserID:      "user-1",
		ProgramID:   "prog-1",
		Type:        ledger.EntryEarn,
		Amount:      1000,
		ReferenceID: "order-1",
		Metadata:    map[string]any{"type": "purchase"},
	}

	_, err := f.svc.ProcessEvent(ctx, in)
	require.NoError(t, err)
	require.Len(t, f.deliveries(t), 2)

	// The replayed event is rejected on its reference id; subscribers
	// must not hear about a write that never held.
	_, err = f.svc.ProcessEvent(ctx, in)
	require.Error(t, err)
	var be errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, errutil.StatusConflict, be.Code)
	require.Len(t, f.deliveries(t), 2)
	require.Len(t, f.enqueuer.tasks, 2)
}

func TestProcessRedeem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscriber(t, []string{EventPointsRedeemed})

	_, err := f.ledger.Append(ctx, ledger.AppendInput{
		MerchantID: "merchant-1", UserID: "user-1", Type: ledger.EntryEarn, Points: 100,
	})
	require.NoError(t, err)

	out, err := f.svc.ProcessEvent(ctx, ProcessEventInput{
		MerchantID: "merchant-1",
		UserID:     "user-1",
		ProgramID:  "prog-1",
		Type:       ledger.EntryRedeem,
		Points:     60,
	})
	require.NoError(t, err)
	require.Equal(t, int64(-60), out.Transaction.Amount)
	require.Equal(t, int64(40), out.Transaction.BalanceAfter)

	logs := f.deliveries(t)
	require.Len(t, logs, 1)
	require.Equal(t, EventPointsRedeemed, logs[0].EventType)
}

func TestProcessRedeemInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscriber(t, []string{EventPointsRedeemed})

	_, err := f.svc.ProcessEvent(ctx, ProcessEventInput{
		MerchantID: "merchant-1",
		UserID:     "user-1",
		ProgramID:  "prog-1",
		Type:       ledger.EntryRedeem,
		Points:     60,
	})
	require.Error(t, err)
	var be errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, errutil.StatusInsufficientBalance, be.Code)

	// A rejected redemption notifies nobody.
	require.Empty(t, f.deliveries(t))
}

func TestProcessAdjust(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedSubscriber(t, []string{EventPointsAdjusted})

	_, err := f.ledger.Append(ctx, ledger.AppendInput{
		MerchantID: "merchant-1", UserID: "user-1", Type: ledger.EntryEarn, Points: 30,
	})
	require.NoError(t, err)

	out, err := f.svc.ProcessEvent(ctx, ProcessEventInput{
		MerchantID: "merchant-1",
		UserID:     "user-1",
		Type:       ledger.EntryAdjust,
		Points:     -10,
	})
	require.NoError(t, err)
	require.Equal(t, int64(20), out.Transaction.BalanceAfter)

	logs := f.deliveries(t)
	require.Len(t, logs, 1)
	require.Equal(t, EventPointsAdjusted, logs[0].EventType)
}

func TestProcessEventValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ProcessEvent(ctx, ProcessEventInput{UserID: "u", Type: ledger.EntryEarn})
	require.Error(t, err)

	_, err = f.svc.ProcessEvent(ctx, ProcessEventInput{MerchantID: "m", Type: ledger.EntryEarn})
	require.Error(t, err)

	_, err = f.svc.ProcessEvent(ctx, ProcessEventInput{MerchantID: "m", UserID: "u", Type: "EXPIRE"})
	require.Error(t, err)
}
