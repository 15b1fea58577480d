package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/health"
	"loyalty-engine/pkg/middleware"
	"loyalty-engine/services/ledger"
	"loyalty-engine/services/loyalty"
	"loyalty-engine/services/rule"
	"loyalty-engine/services/webhook"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewHandler, ProvideRouter),
)

// merchantHeader scopes every request to a merchant. There is no auth
// layer in front of this service; the gateway terminates it.
const merchantHeader = "X-Merchant-ID"

type RouterParams struct {
	fx.In

	Config  *config.Config
	Health  health.HealthService
	Handler *Handler
	Logger  *zap.Logger
}

// ProvideRouter builds the gin engine with all v1 routes mounted.
func ProvideRouter(p RouterParams) *gin.Engine {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/events", p.Handler.ProcessEvent)

		members := v1.Group("/members")
		{
			members.GET("/:id/balance", p.Handler.GetBalance)
			members.GET("/:id/transactions", p.Handler.ListTransactions)
			members.POST("/:id/reconcile", p.Handler.Reconcile)
		}

		rules := v1.Group("/rules")
		{
			rules.POST("", p.Handler.CreateRule)
			rules.GET("", p.Handler.ListRules)
			rules.POST("/evaluate", p.Handler.EvaluateRules)
			rules.GET("/:id", p.Handler.GetRule)
			rules.PUT("/:id", p.Handler.UpdateRule)
			rules.DELETE("/:id", p.Handler.DeactivateRule)
		}

		webhooks := v1.Group("/webhooks")
		{
			webhooks.POST("", p.Handler.CreateWebhook)
			webhooks.GET("", p.Handler.ListWebhooks)
			webhooks.GET("/:id", p.Handler.GetWebhook)
			webhooks.PUT("/:id", p.Handler.UpdateWebhook)
			webhooks.DELETE("/:id", p.Handler.DeleteWebhook)
			webhooks.POST("/:id/rotate", p.Handler.RotateWebhookSecret)
			webhooks.POST("/:id/test", p.Handler.TestWebhook)
			webhooks.GET("/:id/deliveries", p.Handler.ListWebhookDeliveries)
		}
	}

	return r
}

// Handler carries the service dependencies for the REST endpoints.
type Handler struct {
	loyalty  *loyalty.Service
	ledger   *ledger.Service
	rules    *rule.Service
	webhooks *webhook.Service
}

type HandlerParams struct {
	fx.In

	Loyalty  *loyalty.Service
	Ledger   *ledger.Service
	Rules    *rule.Service
	Webhooks *webhook.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		loyalty:  p.Loyalty,
		ledger:   p.Ledger,
		rules:    p.Rules,
		webhooks: p.Webhooks,
	}
}

// merchantID resolves the request's merchant scope from the gateway
// header, with a query fallback for manual calls.
func merchantID(c *gin.Context) (string, bool) {
	id := c.GetHeader(merchantHeader)
	if id == "" {
		id = c.Query("merchantId")
	}
	if id == "" {
		c.Error(errutil.BadRequest("merchant id is required", nil))
		return "", false
	}
	return id, true
}
