package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyalty-engine/pkg/db/option"
	"loyalty-engine/pkg/db/pagination"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	// TestEventType tags manual test deliveries.
	TestEventType = "webhook.test"
)

// Service owns webhook registrations and their delivery history.
type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	logger     *zap.Logger
	dispatcher *Dispatcher

	webhooks repository.Repository[Webhook]
	logs     repository.Repository[DeliveryLog]
}

type ServiceParams struct {
	fx.In

	DB         *gorm.DB
	Node       *snowflake.Node
	Logger     *zap.Logger
	Dispatcher *Dispatcher
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         p.DB,
		node:       p.Node,
		logger:     logger,
		dispatcher: p.Dispatcher,

		webhooks: repository.ProvideStore[Webhook](p.DB),
		logs:     repository.ProvideStore[DeliveryLog](p.DB),
	}
}

// generateSecret returns a fresh signing secret. The whsec_ prefix makes
// leaked secrets greppable.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}

type CreateWebhookInput struct {
	MerchantID  string   `json:"merchantId"`
	URL         string   `json:"url"`
	Description string   `json:"description"`
	Events      []string `json:"events"`
	IsActive    bool     `json:"isActive"`
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errutil.BadRequest("url is not valid", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errutil.BadRequest("url must be http or https", nil)
	}
	if u.Host == "" {
		return errutil.BadRequest("url must include a host", nil)
	}
	return nil
}

func (s *Service) CreateWebhook(ctx context.Context, in CreateWebhookInput) (*Webhook, error) {
	if strings.TrimSpace(in.MerchantID) == "" {
		return nil, errutil.BadRequest("merchantId is required", nil)
	}
	if err := validateEndpoint(in.URL); err != nil {
		return nil, err
	}
	if len(in.Events) == 0 {
		return nil, errutil.BadRequest("at least one event subscription is required", nil)
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, errutil.Internal("failed to generate secret", err)
	}

	now := time.Now().UTC()
	hook := &Webhook{
		ID:          s.node.Generate().String(),
		MerchantID:  in.MerchantID,
		URL:         in.URL,
		Description: in.Description,
		Secret:      secret,
		IsActive:    in.IsActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := hook.SetEvents(in.Events); err != nil {
		return nil, errutil.BadRequest("invalid events payload", err)
	}

	if err := s.webhooks.Create(ctx, hook); err != nil {
		s.logger.Error("failed to create webhook", zap.Error(err))
		return nil, errutil.Internal("failed to create webhook", err)
	}
	return hook, nil
}

func (s *Service) GetWebhook(ctx context.Context, merchantID, webhookID string) (*Webhook, error) {
	hook, err := s.webhooks.FindOne(ctx, &Webhook{ID: webhookID, MerchantID: merchantID})
	if err != nil {
		s.logger.Error("failed to get webhook", zap.String("webhook_id", webhookID), zap.Error(err))
		return nil, errutil.Internal("failed to get webhook", err)
	}
	if hook == nil {
		return nil, errutil.NotFound("webhook not found", nil)
	}
	return hook, nil
}

type ListWebhooksOutput struct {
	Webhooks []*Webhook           `json:"webhooks"`
	PageInfo *pagination.PageInfo `json:"pageInfo"`
}

func (s *Service) ListWebhooks(ctx context.Context, merchantID string, paging pagination.Pagination) (*ListWebhooksOutput, error) {
	limit := paging.Limit
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
	if paging.Cursor != "" {
		cursor, err := pagination.DecodeCursor(paging.Cursor)
		if err != nil {
			return nil, errutil.BadRequest("invalid paging cursor", err)
		}
		if cursor.ID != "" {
			opts = append(opts, option.ApplyOperator(option.Condition{
				Field: "id", Operator: option.LT, Value: cursor.ID,
			}))
		}
	}

	hooks, err := s.webhooks.Find(ctx, &Webhook{MerchantID: merchantID}, opts...)
	if err != nil {
		s.logger.Error("failed to list webhooks", zap.Error(err))
		return nil, errutil.Internal("failed to list webhooks", err)
	}

	hooks, pageInfo := pagination.BuildCursorPageInfo(hooks, limit, func(w *Webhook) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{ID: w.ID})
		return cursor
	})
	return &ListWebhooksOutput{Webhooks: hooks, PageInfo: pageInfo}, nil
}

type UpdateWebhookInput struct {
	URL         string   `json:"url"`
	Description string   `json:"description"`
	Events      []string `json:"events"`
	IsActive    bool     `json:"isActive"`
}

// UpdateWebhook replaces the mutable fields. The secret never changes
// here; use RotateSecret.
func (s *Service) UpdateWebhook(ctx context.Context, merchantID, webhookID string, in UpdateWebhookInput) (*Webhook, error) {
	hook, err := s.GetWebhook(ctx, merchantID, webhookID)
	if err != nil {
		return nil, err
	}
	if err := validateEndpoint(in.URL); err != nil {
		return nil, err
	}
	if len(in.Events) == 0 {
		return nil, errutil.BadRequest("at least one event subscription is required", nil)
	}

	hook.URL = in.URL
	hook.Description = in.Description
	hook.IsActive = in.IsActive
	hook.UpdatedAt = time.Now().UTC()
	if err := hook.SetEvents(in.Events); err != nil {
		return nil, errutil.BadRequest("invalid events payload", err)
	}

	if err := s.webhooks.Update(ctx, hook.ID, map[string]any{
		"url":         hook.URL,
		"description": hook.Description,
		"events":      hook.Events,
		"is_active":   hook.IsActive,
		"updated_at":  hook.UpdatedAt,
	}); err != nil {
		s.logger.Error("failed to update webhook", zap.String("webhook_id", webhookID), zap.Error(err))
		return nil, errutil.Internal("failed to update webhook", err)
	}
	return hook, nil
}

// DeleteWebhook removes the registration. Delivery logs are kept for
// audit.
func (s *Service) DeleteWebhook(ctx context.Context, merchantID, webhookID string) error {
	if _, err := s.GetWebhook(ctx, merchantID, webhookID); err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).
		Where("id = ? AND merchant_id = ?", webhookID, merchantID).
		Delete(&Webhook{}).Error; err != nil {
		s.logger.Error("failed to delete webhook", zap.String("webhook_id", webhookID), zap.Error(err))
		return errutil.Internal("failed to delete webhook", err)
	}
	return nil
}

// RotateSecret replaces the signing secret. In-flight deliveries signed
// with the old secret will fail endpoint verification and retry, which is
// the safe direction.
func (s *Service) RotateSecret(ctx context.Context, merchantID, webhookID string) (*Webhook, error) {
	hook, err := s.GetWebhook(ctx, merchantID, webhookID)
	if err != nil {
		return nil, err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, errutil.Internal("failed to generate secret", err)
	}

	hook.Secret = secret
	hook.UpdatedAt = time.Now().UTC()
	if err := s.webhooks.Update(ctx, hook.ID, map[string]any{
		"secret":     hook.Secret,
		"updated_at": hook.UpdatedAt,
	}); err != nil {
		s.logger.Error("failed to rotate secret", zap.String("webhook_id", webhookID), zap.Error(err))
		return nil, errutil.Internal("failed to rotate secret", err)
	}
	return hook, nil
}

// TestSend queues a synthetic event to the webhook through the normal
// delivery pipeline, so retries, signing and logging behave exactly like
// production traffic.
func (s *Service) TestSend(ctx context.Context, merchantID, webhookID string) (*DeliveryLog, error) {
	hook, err := s.GetWebhook(ctx, merchantID, webhookID)
	if err != nil {
		return nil, err
	}
	if !hook.IsActive {
		return nil, errutil.UnprocessableEntity("webhook is not active", nil)
	}

	log, err := s.dispatcher.DispatchTo(ctx, hook, TestEventType, map[string]any{
		"webhookId": hook.ID,
		"message":   "test delivery",
	})
	if err != nil {
		return nil, errutil.Internal("failed to queue test delivery", err)
	}
	return log, nil
}

type ListDeliveriesOutput struct {
	Deliveries []*DeliveryLog       `json:"deliveries"`
	PageInfo   *pagination.PageInfo `json:"pageInfo"`
}

func (s *Service) ListDeliveries(ctx context.Context, merchantID, webhookID string, paging pagination.Pagination) (*ListDeliveriesOutput, error) {
	if _, err := s.GetWebhook(ctx, merchantID, webhookID); err != nil {
		return nil, err
	}

	limit := paging.Limit
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
	if paging.Cursor != "" {
		cursor, err := pagination.DecodeCursor(paging.Cursor)
		if err != nil {
			return nil, errutil.BadRequest("invalid paging cursor", err)
		}
		if cursor.ID != "" {
			opts = append(opts, option.ApplyOperator(option.Condition{
				Field: "id", Operator: option.LT, Value: cursor.ID,
			}))
		}
	}

	logs, err := s.logs.Find(ctx, &DeliveryLog{WebhookID: webhookID, MerchantID: merchantID}, opts...)
	if err != nil {
		s.logger.Error("failed to list deliveries", zap.String("webhook_id", webhookID), zap.Error(err))
		return nil, errutil.Internal("failed to list deliveries", err)
	}

	logs, pageInfo := pagination.BuildCursorPageInfo(logs, limit, func(l *DeliveryLog) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{ID: l.ID})
		return cursor
	})
	return &ListDeliveriesOutput{Deliveries: logs, PageInfo: pageInfo}, nil
}
