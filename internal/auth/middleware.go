package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing the operator key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyOperator is the key for storing the authenticated key's id
	ContextKeyOperator = "operatorKey"
)

// Middleware extracts and validates an operator key from the request.
// Sets apiKey and operatorKey in context if valid; never rejects on its own.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get API key from header
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyOperator, key.ID)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid operator key
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Operator key required. Include 'Authorization: Bearer ok_...' header.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the operator key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// OperatorID returns the id of the key behind the request, or "" when
// unauthenticated. Used to attribute mutations in request logs.
func OperatorID(c *gin.Context) string {
	id, exists := c.Get(ContextKeyOperator)
	if !exists {
		return ""
	}
	return id.(string)
}

// IsAuthenticated checks if the request presented a valid operator key
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
