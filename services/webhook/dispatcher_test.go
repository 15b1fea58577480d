package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/repository"
	"loyalty-engine/services/testutil"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type()}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Webhook.Timeout = 2 * time.Second
	cfg.Webhook.MaxAttempts = 3
	cfg.Webhook.Queue = "webhooks"
	cfg.Webhook.Concurrency = 1
	return cfg
}

func newTestDispatcher(t *testing.T, enqueuer *fakeEnqueuer) (*Dispatcher, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &Webhook{}, &DeliveryLog{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	d := NewDispatcher(DispatcherParams{
		DB:       db,
		Enqueuer: enqueuer,
		Node:     node,
		Logger:   zap.NewNop(),
		Config:   testConfig(),
	})
	return d, db
}

func seedWebhook(t *testing.T, db *gorm.DB, id string, events []string, active bool) *Webhook {
	t.Helper()

	hook := &Webhook{
		ID:         id,
		MerchantID: "merchant-1",
		URL:        "https://example.com/hooks",
		Secret:     "whsec_test",
		IsActive:   active,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, hook.SetEvents(events))
	require.NoError(t, db.Create(hook).Error)
	return hook
}

func TestDispatchOnlyActiveSubscribedWebhooks(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	d, db := newTestDispatcher(t, enqueuer)
	ctx := context.Background()

	seedWebhook(t, db, "wh-1", []string{"points_earned", "points_redeemed"}, true)
	seedWebhook(t, db, "wh-2", []string{"tier_changed"}, true)
	seedWebhook(t, db, "wh-3", []string{"points_earned"}, false)

	require.NoError(t, d.Dispatch(ctx, "merchant-1", "points_earned", map[string]any{"points": 50}))

	require.Len(t, enqueuer.tasks, 1)
	require.Equal(t, TypeDeliver, enqueuer.tasks[0].Type())

	logs := repository.ProvideStore[DeliveryLog](db)
	rows, err := logs.Find(ctx, &DeliveryLog{MerchantID: "merchant-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "wh-1", rows[0].WebhookID)
	require.Equal(t, StatusPending, rows[0].Status)
	require.Equal(t, "points_earned", rows[0].EventType)

	var envelope EventPayload
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	require.Equal(t, "points_earned", envelope.Event)
	ts, err := time.Parse(time.RFC3339, envelope.Timestamp)
	require.NoError(t, err)
	require.Equal(t, time.UTC, ts.Location())
	require.Equal(t, float64(50), envelope.Data["points"])
}

func TestDispatchSurvivesCanceledRequestContext(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	d, db := newTestDispatcher(t, enqueuer)

	seedWebhook(t, db, "wh-1", []string{"points_earned"}, true)

	// The originating request is gone; the delivery still has to be
	// recorded and queued.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, d.Dispatch(ctx, "merchant-1", "points_earned", map[string]any{"points": 5}))
	require.Len(t, enqueuer.tasks, 1)

	logs := repository.ProvideStore[DeliveryLog](db)
	rows, err := logs.Find(context.Background(), &DeliveryLog{MerchantID: "merchant-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, StatusPending, rows[0].Status)
}

func TestDispatchNoSubscribersIsNoop(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	d, db := newTestDispatcher(t, enqueuer)

	seedWebhook(t, db, "wh-1", []string{"tier_changed"}, true)

	require.NoError(t, d.Dispatch(context.Background(), "merchant-1", "points_earned", nil))
	require.Empty(t, enqueuer.tasks)
}

func TestDispatchEnqueueFailureMarksDeliveryFailed(t *testing.T) {
	enqueuer := &fakeEnqueuer{err: errors.New("redis down")}
	d, db := newTestDispatcher(t, enqueuer)
	ctx := context.Background()

	seedWebhook(t, db, "wh-1", []string{"points_earned"}, true)

	err := d.Dispatch(ctx, "merchant-1", "points_earned", nil)
	require.Error(t, err)

	logs := repository.ProvideStore[DeliveryLog](db)
	rows, err := logs.Find(ctx, &DeliveryLog{WebhookID: "wh-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, StatusFailed, rows[0].Status)
	require.Contains(t, rows[0].LastError, "redis down")
}

func TestDispatchToBypassesSubscriptions(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	d, db := newTestDispatcher(t, enqueuer)

	hook := seedWebhook(t, db, "wh-1", []string{"points_earned"}, true)

	log, err := d.DispatchTo(context.Background(), hook, TestEventType, map[string]any{"webhookId": hook.ID})
	require.NoError(t, err)
	require.Equal(t, TestEventType, log.EventType)
	require.Equal(t, StatusPending, log.Status)
	require.Len(t, enqueuer.tasks, 1)
}
