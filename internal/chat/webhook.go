package chat

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderSecretToken carries the shared secret the gateway echoes back on
// every webhook delivery.
const HeaderSecretToken = "X-Telegram-Bot-Api-Secret-Token"

// WebhookHandler is the HTTP entry point for bot gateway updates. Updates
// are processed before responding; the gateway redelivers on non-2xx, so
// command failures are logged and answered 200 rather than surfaced.
type WebhookHandler struct {
	router *Router
	secret string
	logger *slog.Logger
}

// NewWebhookHandler creates the webhook endpoint. An empty secret disables
// the header check, which is only sensible behind a private gateway.
func NewWebhookHandler(router *Router, secret string) *WebhookHandler {
	return &WebhookHandler{router: router, secret: secret, logger: slog.Default()}
}

// WithLogger replaces the default logger.
func (h *WebhookHandler) WithLogger(l *slog.Logger) *WebhookHandler {
	if l != nil {
		h.logger = l
	}
	return h
}

// RegisterRoutes registers the webhook route.
func (h *WebhookHandler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/webhook/chat", h.handleUpdate)
}

func (h *WebhookHandler) handleUpdate(c *gin.Context) {
	if h.secret != "" {
		got := c.GetHeader(HeaderSecretToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}

	var upd Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		h.logger.Warn("malformed webhook update", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed update"})
		return
	}

	h.router.HandleUpdate(c.Request.Context(), &upd)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
