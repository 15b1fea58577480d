package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TypeDeliver is the asynq task type for one webhook delivery.
const TypeDeliver = "webhook:deliver"

// DeliverPayload points the worker at the bookkeeping row to process.
type DeliverPayload struct {
	DeliveryID string `json:"delivery_id"`
}

// NewDeliverTask builds the delivery task. maxAttempts covers the first
// attempt plus retries, so asynq gets maxAttempts-1 as its retry budget.
func NewDeliverTask(deliveryID, queue string, maxAttempts int) (*asynq.Task, error) {
	payload, err := json.Marshal(DeliverPayload{DeliveryID: deliveryID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal deliver payload: %w", err)
	}

	retries := maxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return asynq.NewTask(TypeDeliver, payload,
		asynq.MaxRetry(retries),
		asynq.Queue(queue)), nil
}

// RegisterHandlers mounts the delivery handler on the worker mux.
func RegisterHandlers(mux *asynq.ServeMux, deliverer *Deliverer) {
	mux.HandleFunc(TypeDeliver, func(ctx context.Context, t *asynq.Task) error {
		var payload DeliverPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("failed to unmarshal deliver payload: %v: %w", err, asynq.SkipRetry)
		}
		return deliverer.Attempt(ctx, payload.DeliveryID)
	})
}
