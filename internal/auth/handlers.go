package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for operator key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the key management surface. Info goes on the public
// group, everything else behind RequireAuth.
func (h *Handler) RegisterRoutes(public, protected gin.IRoutes) {
	public.GET("/auth/info", h.Info)
	protected.GET("/auth/keys", h.ListKeys)
	protected.POST("/auth/keys", h.CreateKey)
	protected.DELETE("/auth/keys/:keyId", h.RevokeKey)
	protected.POST("/auth/keys/:keyId/regenerate", h.RegenerateKey)
	protected.GET("/auth/whoami", h.WhoAmI)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer ok_...",
		"altHeader": "X-API-Key: ok_...",
		"note":      "Operator keys are seeded at deploy time or minted by existing operators. Store them securely.",
		"publicEndpoints": []string{
			"GET /v1/escrows/:id",
			"GET /v1/stats/volume",
			"GET /v1/auth/info",
		},
		"protectedEndpoints": []string{
			"POST /v1/escrows",
			"POST /v1/escrows/:id/{payment,confirm,received,payout,complete,dispute}",
			"GET /v1/escrows",
			"GET /v1/conversations/:id/escrows",
			"/v1/webhooks",
			"/v1/admin",
		},
	})
}

// ListKeys returns all operator keys
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list keys",
		})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"label":     k.Label,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Label string `json:"label"`
}

// CreateKey mints a new operator key
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	c.ShouldBindJSON(&req)
	if req.Label == "" {
		req.Label = "Operator key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), req.Label)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to create key",
			"message": "Failed to create operator key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"label":   newKey.Label,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes an operator key
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")

	// Prevent revoking current key
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// RegenerateKey revokes old key and creates new one
func (h *Handler) RegenerateKey(c *gin.Context) {
	keyID := c.Param("keyId")

	// Revoke old key
	h.manager.RevokeKey(c.Request.Context(), keyID)

	// Create new key
	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), "Regenerated key")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to regenerate",
			"message": "Failed to regenerate operator key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"apiKey":   rawKey,
		"keyId":    newKey.ID,
		"oldKeyId": keyID,
		"warning":  "Store this key securely. It will not be shown again.",
	})
}

// WhoAmI returns info about the key behind the request
func (h *Handler) WhoAmI(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"keyId":     key.ID,
		"label":     key.Label,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}
