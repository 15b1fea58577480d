package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/repository"
	"loyalty-engine/pkg/task"
)

// Dispatcher fans an event out to every active, subscribed webhook. Each
// receiver gets its own delivery row and its own queued task, so one slow
// endpoint never holds up another.
type Dispatcher struct {
	webhooks repository.Repository[Webhook]
	logs     repository.Repository[DeliveryLog]
	enqueuer task.Enqueuer
	node     *snowflake.Node
	logger   *zap.Logger

	queue       string
	maxAttempts int
}

type DispatcherParams struct {
	fx.In

	DB       *gorm.DB
	Enqueuer task.Enqueuer
	Node     *snowflake.Node
	Logger   *zap.Logger
	Config   *config.Config
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		webhooks:    repository.ProvideStore[Webhook](p.DB),
		logs:        repository.ProvideStore[DeliveryLog](p.DB),
		enqueuer:    p.Enqueuer,
		node:        p.Node,
		logger:      logger,
		queue:       p.Config.Webhook.Queue,
		maxAttempts: p.Config.Webhook.MaxAttempts,
	}
}

// Dispatch serializes the event envelope once, then creates and enqueues a
// delivery per subscribed webhook. A webhook whose delivery cannot be
// enqueued gets a FAILED row immediately; other receivers are unaffected.
func (d *Dispatcher) Dispatch(ctx context.Context, merchantID, eventType string, data map[string]any) error {
	// The ledger write already committed by the time dispatch runs; a
	// request that gets cancelled right after must not lose deliveries.
	ctx = context.WithoutCancel(ctx)

	hooks, err := d.webhooks.Find(ctx, &Webhook{MerchantID: merchantID, IsActive: true})
	if err != nil {
		return err
	}

	envelope := EventPayload{
		Event:     eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	var lastErr error
	for _, hook := range hooks {
		if !hook.Subscribed(eventType) {
			continue
		}
		if _, err := d.dispatchOne(ctx, hook, eventType, payload); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// DispatchTo targets a single webhook regardless of its subscriptions.
// Manual test sends go through here so they exercise the exact same
// signing and delivery path as real events.
func (d *Dispatcher) DispatchTo(ctx context.Context, hook *Webhook, eventType string, data map[string]any) (*DeliveryLog, error) {
	ctx = context.WithoutCancel(ctx)

	payload, err := json.Marshal(EventPayload{
		Event:     eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		return nil, err
	}
	return d.dispatchOne(ctx, hook, eventType, payload)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, hook *Webhook, eventType string, payload []byte) (*DeliveryLog, error) {
	now := time.Now().UTC()
	log := &DeliveryLog{
		ID:         d.node.Generate().String(),
		WebhookID:  hook.ID,
		MerchantID: hook.MerchantID,
		EventType:  eventType,
		Payload:    payload,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := d.logs.Create(ctx, log); err != nil {
		d.logger.Error("failed to create delivery log",
			zap.String("webhook_id", hook.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
		return nil, err
	}

	t, err := NewDeliverTask(log.ID, d.queue, d.maxAttempts)
	if err != nil {
		return nil, err
	}

	if _, err := d.enqueuer.Enqueue(ctx, t); err != nil {
		d.logger.Error("failed to enqueue webhook delivery",
			zap.String("delivery_id", log.ID),
			zap.String("webhook_id", hook.ID),
			zap.Error(err))
		if updateErr := d.logs.Update(ctx, log.ID, map[string]any{
			"status":     StatusFailed,
			"last_error": "failed to enqueue delivery: " + err.Error(),
			"updated_at": time.Now().UTC(),
		}); updateErr != nil {
			d.logger.Error("failed to mark delivery failed",
				zap.String("delivery_id", log.ID), zap.Error(updateErr))
		}
		return log, err
	}
	return log, nil
}
