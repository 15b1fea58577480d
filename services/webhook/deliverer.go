package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/repository"
)

// Deliverer performs one signed delivery attempt and keeps the delivery
// row's bookkeeping current. The retry schedule lives in the task queue;
// Deliverer only decides success, retry, or terminal failure.
type Deliverer struct {
	client   *http.Client
	webhooks repository.Repository[Webhook]
	logs     repository.Repository[DeliveryLog]
	signer   *Signer
	logger   *zap.Logger

	maxAttempts int
}

type DelivererParams struct {
	fx.In

	DB     *gorm.DB
	Signer *Signer
	Logger *zap.Logger
	Config *config.Config
}

func NewDeliverer(p DelivererParams) *Deliverer {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{
		client:      &http.Client{Timeout: p.Config.Webhook.Timeout},
		webhooks:    repository.ProvideStore[Webhook](p.DB),
		logs:        repository.ProvideStore[DeliveryLog](p.DB),
		signer:      p.Signer,
		logger:      logger,
		maxAttempts: p.Config.Webhook.MaxAttempts,
	}
}

// Attempt runs one HTTP attempt for the delivery. Returning an error asks
// the queue to retry; returning nil ends the task, either because the
// delivery succeeded or because it is terminally FAILED.
func (d *Deliverer) Attempt(ctx context.Context, deliveryID string) error {
	log, err := d.logs.FindOne(ctx, &DeliveryLog{ID: deliveryID})
	if err != nil {
		return err
	}
	if log == nil {
		d.logger.Warn("delivery log not found, dropping task", zap.String("delivery_id", deliveryID))
		return nil
	}
	if log.Status == StatusDelivered || log.Status == StatusFailed {
		return nil
	}

	hook, err := d.webhooks.FindOne(ctx, &Webhook{ID: log.WebhookID})
	if err != nil {
		return err
	}
	if hook == nil || hook.Secret == "" {
		// Unsigned deliveries are never sent.
		d.logger.Error("webhook missing or has no secret, failing delivery",
			zap.String("delivery_id", deliveryID),
			zap.String("webhook_id", log.WebhookID))
		return d.fail(ctx, log, log.Attempts, 0, "webhook missing or has no signing secret")
	}

	attempt := log.Attempts + 1
	status, attemptErr := d.post(ctx, hook, log.Payload)

	if attemptErr == nil && status >= 200 && status < 300 {
		now := time.Now().UTC()
		return d.logs.Update(ctx, log.ID, map[string]any{
			"status":          StatusDelivered,
			"attempts":        attempt,
			"response_status": status,
			"last_error":      "",
			"delivered_at":    now,
			"updated_at":      now,
		})
	}

	reason := fmt.Sprintf("endpoint returned status %d", status)
	if attemptErr != nil {
		reason = attemptErr.Error()
	}

	if attempt >= d.maxAttempts {
		d.logger.Error("webhook delivery exhausted retries",
			zap.String("delivery_id", log.ID),
			zap.String("webhook_id", hook.ID),
			zap.Int("attempts", attempt),
			zap.String("reason", reason))
		return d.fail(ctx, log, attempt, status, reason)
	}

	if err := d.logs.Update(ctx, log.ID, map[string]any{
		"status":          StatusRetrying,
		"attempts":        attempt,
		"response_status": status,
		"last_error":      reason,
		"updated_at":      time.Now().UTC(),
	}); err != nil {
		return err
	}

	return fmt.Errorf("webhook delivery %s attempt %d failed: %s", log.ID, attempt, reason)
}

func (d *Deliverer) post(ctx context.Context, hook *Webhook, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range d.signer.Headers(payload, hook.Secret) {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// fail marks the delivery terminally FAILED. The nil return stops the
// queue from retrying a delivery that will never succeed.
func (d *Deliverer) fail(ctx context.Context, log *DeliveryLog, attempts, status int, reason string) error {
	return d.logs.Update(ctx, log.ID, map[string]any{
		"status":          StatusFailed,
		"attempts":        attempts,
		"response_status": status,
		"last_error":      reason,
		"updated_at":      time.Now().UTC(),
	})
}
