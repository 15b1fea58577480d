package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"loyalty-engine/pkg/db/pagination"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/services/ledger"
	"loyalty-engine/services/loyalty"
	"loyalty-engine/services/rule"
	"loyalty-engine/services/webhook"
)

// ProcessEvent ingests one loyalty event and returns the resulting
// evaluation and ledger transaction.
func (h *Handler) ProcessEvent(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	var in loyalty.ProcessEventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	in.MerchantID = merchant

	out, err := h.loyalty.ProcessEvent(c.Request.Context(), in)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetBalance(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), merchant, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":        balance.UserID,
		"balance":       balance.Balance,
		"lastUpdatedAt": balance.UpdatedAt,
	})
}

func (h *Handler) ListTransactions(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	var paging pagination.Pagination
	if err := c.ShouldBindQuery(&paging); err != nil {
		c.Error(errutil.BadRequest("invalid paging parameters", err))
		return
	}

	out, err := h.ledger.ListTransactions(c.Request.Context(), ledger.ListTransactionsInput{
		MerchantID: merchant,
		UserID:     c.Param("id"),
		ProgramID:  c.Query("programId"),
		Paging:     paging,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Reconcile(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	result, err := h.ledger.Reconcile(c.Request.Context(), merchant, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) CreateRule(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	var in rule.CreateRuleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	in.MerchantID = merchant

	created, err := h.rules.CreateRule(c.Request.Context(), in)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) GetRule(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	r, err := h.rules.GetRule(c.Request.Context(), merchant, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) ListRules(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	var paging pagination.Pagination
	if err := c.ShouldBindQuery(&paging); err != nil {
		c.Error(errutil.BadRequest("invalid paging parameters", err))
		return
	}

	out, err := h.rules.ListRules(c.Request.Context(), rule.ListRulesInput{
		MerchantID:      merchant,
		ProgramID:       c.Query("programId"),
		IncludeInactive: c.Query("includeInactive") == "true",
		Paging:          paging,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// EvaluateRules is the dry-run endpoint: it prices an event without
// touching the ledger or notifying anyone.
func (h *Handler) EvaluateRules(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	var in rule.EvaluateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	in.MerchantID = merchant

	result, err := h.rules.Evaluate(c.Request.Context(), in)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) UpdateRule(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	var in rule.CreateRuleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	in.MerchantID = merchant

	updated, err := h.rules.UpdateRule(c.Request.Context(), merchant, c.Param("id"), in)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) DeactivateRule(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	if err := h.rules.DeactivateRule(c.Request.Context(), merchant, c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// webhookView hides the signing secret on read paths. The full secret is
// only shown on create and rotate.
type webhookView struct {
	*webhook.Webhook
	Secret string `json:"secret,omitempty"`
}

func redacted(w *webhook.Webhook) webhookView {
	return webhookView{Webhook: w, Secret: ""}
}

func (h *Handler) CreateWebhook(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	var in webhook.CreateWebhookInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	in.MerchantID = merchant

	created, err := h.webhooks.CreateWebhook(c.Request.Context(), in)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) GetWebhook(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	hook, err := h.webhooks.GetWebhook(c.Request.Context(), merchant, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, redacted(hook))
}

func (h *Handler) ListWebhooks(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	var paging pagination.Pagination
	if err := c.ShouldBindQuery(&paging); err != nil {
		c.Error(errutil.BadRequest("invalid paging parameters", err))
		return
	}

	out, err := h.webhooks.ListWebhooks(c.Request.Context(), merchant, paging)
	if err != nil {
		c.Error(err)
		return
	}

	views := make([]webhookView, 0, len(out.Webhooks))
	for _, hook := range out.Webhooks {
		views = append(views, redacted(hook))
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": views, "pageInfo": out.PageInfo})
}

func (h *Handler) UpdateWebhook(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	var in webhook.UpdateWebhookInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	updated, err := h.webhooks.UpdateWebhook(c.Request.Context(), merchant, c.Param("id"), in)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, redacted(updated))
}

func (h *Handler) DeleteWebhook(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	if err := h.webhooks.DeleteWebhook(c.Request.Context(), merchant, c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) RotateWebhookSecret(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	rotated, err := h.webhooks.RotateSecret(c.Request.Context(), merchant, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rotated)
}

func (h *Handler) TestWebhook(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	log, err := h.webhooks.TestSend(c.Request.Context(), merchant, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, log)
}

func (h *Handler) ListWebhookDeliveries(c *gin.Context) {
	merchant, ok := merchantID(c)
	if !ok {
		return
	}

	var paging pagination.Pagination
	if err := c.ShouldBindQuery(&paging); err != nil {
		c.Error(errutil.BadRequest("invalid paging parameters", err))
		return
	}

	out, err := h.webhooks.ListDeliveries(c.Request.Context(), merchant, c.Param("id"), paging)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}
