package webhook

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// DeliveryStatus is the lifecycle of one webhook delivery.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "PENDING"
	StatusRetrying  DeliveryStatus = "RETRYING"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusFailed    DeliveryStatus = "FAILED"
)

// Webhook is a merchant-registered endpoint subscription.
type Webhook struct {
	ID          string `gorm:"column:id;primaryKey"`
	MerchantID  string `gorm:"column:merchant_id;index"`
	URL         string `gorm:"column:url"`
	Description string `gorm:"column:description"`

	// Secret signs every delivery. It is generated server side and only
	// returned in full on create and rotate.
	Secret string `gorm:"column:secret"`

	// Events is the serialized list of subscribed event tags.
	Events datatypes.JSON `gorm:"column:events"`

	IsActive  bool      `gorm:"column:is_active;index"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Webhook) TableName() string { return "webhooks" }

func (w *Webhook) SubscribedEvents() ([]string, error) {
	if len(w.Events) == 0 {
		return nil, nil
	}
	var events []string
	if err := json.Unmarshal(w.Events, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (w *Webhook) SetEvents(events []string) error {
	if events == nil {
		w.Events = nil
		return nil
	}
	b, err := json.Marshal(events)
	if err != nil {
		return err
	}
	w.Events = datatypes.JSON(b)
	return nil
}

// Subscribed reports whether the webhook listens for the event tag. A
// webhook with a malformed event list receives nothing.
func (w *Webhook) Subscribed(eventType string) bool {
	events, err := w.SubscribedEvents()
	if err != nil {
		return false
	}
	for _, e := range events {
		if e == eventType {
			return true
		}
	}
	return false
}

// DeliveryLog is the single bookkeeping row for one delivery. Retries
// update the same row; Attempts counts every HTTP attempt made.
type DeliveryLog struct {
	ID         string `gorm:"column:id;primaryKey"`
	WebhookID  string `gorm:"column:webhook_id;index"`
	MerchantID string `gorm:"column:merchant_id;index"`

	EventType string         `gorm:"column:event_type"`
	Payload   datatypes.JSON `gorm:"column:payload"`

	Status         DeliveryStatus `gorm:"column:status"`
	Attempts       int            `gorm:"column:attempts"`
	ResponseStatus int            `gorm:"column:response_status"`
	LastError      string         `gorm:"column:last_error"`

	DeliveredAt *time.Time `gorm:"column:delivered_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

func (DeliveryLog) TableName() string { return "webhook_delivery_logs" }

// EventPayload is the wire envelope posted to endpoints. Timestamp is
// RFC 3339 in UTC; receivers parse this shape byte for byte when
// verifying signatures, so the field set and encoding never change.
type EventPayload struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}
