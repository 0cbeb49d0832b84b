package webhooks

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/perimeter/internal/idgen"
	"github.com/mbd888/perimeter/internal/security"
	"github.com/mbd888/perimeter/internal/sentinel"
)

// Handler provides HTTP endpoints for webhook subscription management.
// The routes mutate alert routing, so the server mounts them admin-gated.
type Handler struct {
	store Store

	// defaultSecret, when set, is used as the signing secret for every new
	// subscription instead of a generated one. Lets a fleet of consumers
	// share one verification key.
	defaultSecret string
}

// HandlerOption configures the Handler.
type HandlerOption func(*Handler)

// WithDefaultSecret sets a shared signing secret for new subscriptions.
func WithDefaultSecret(secret string) HandlerOption {
	return func(h *Handler) { h.defaultSecret = secret }
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, opts ...HandlerOption) *Handler {
	h := &Handler{store: store}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes sets up webhook subscription routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL           string   `json:"url" binding:"required"`
	Severities    []string `json:"severities"`
	ActivityTypes []string `json:"activityTypes"`
}

// CreateWebhook handles POST /webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	severities := make([]sentinel.Severity, len(req.Severities))
	for i, s := range req.Severities {
		severities[i] = sentinel.Severity(s)
	}
	types := make([]sentinel.ActivityType, len(req.ActivityTypes))
	for i, t := range req.ActivityTypes {
		types[i] = sentinel.ActivityType(t)
	}

	secret := h.defaultSecret
	if secret == "" {
		secret = idgen.Hex(32)
	}
	sub := &Subscription{
		ID:            idgen.WithPrefix("wh_"),
		URL:           req.URL,
		Secret:        secret,
		Severities:    severities,
		ActivityTypes: types,
		Active:        true,
		CreatedAt:     time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": gin.H{
			"id":            sub.ID,
			"url":           sub.URL,
			"severities":    sub.Severities,
			"activityTypes": sub.ActivityTypes,
			"active":        sub.Active,
			"createdAt":     sub.CreatedAt,
		},
		"secret": secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Perimeter-Signature",
		},
	})
}

// ListWebhooks handles GET /webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}

	// Don't expose secrets
	webhooks := make([]gin.H, len(subs))
	for i, sub := range subs {
		webhooks[i] = gin.H{
			"id":            sub.ID,
			"url":           sub.URL,
			"severities":    sub.Severities,
			"activityTypes": sub.ActivityTypes,
			"active":        sub.Active,
			"createdAt":     sub.CreatedAt,
			"lastSuccess":   sub.LastSuccess,
			"lastError":     sub.LastError,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": webhooks,
	})
}

// DeleteWebhook handles DELETE /webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	webhookID := c.Param("webhookId")

	if err := h.store.Delete(c.Request.Context(), webhookID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}
