package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/middleman/internal/pagination"
	"github.com/mbd888/middleman/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/stats/volume", h.Volume)
}

// RegisterProtectedRoutes sets up operator (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/payment", h.ReportPayment)
	r.POST("/escrows/:id/confirm", h.ConfirmPayment)
	r.POST("/escrows/:id/received", h.ConfirmReceipt)
	r.POST("/escrows/:id/payout", h.SubmitPayout)
	r.POST("/escrows/:id/complete", h.MarkComplete)
	r.POST("/escrows/:id/dispute", h.Dispute)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/conversations/:id/escrows", h.ListConversationEscrows)
}

// ActionRequest identifies who is acting, and in which conversation.
type ActionRequest struct {
	ConversationID int64    `json:"conversationId" binding:"required"`
	Actor          Identity `json:"actor"`
}

// PayoutRequest carries the seller's payout destination.
type PayoutRequest struct {
	ConversationID int64    `json:"conversationId" binding:"required"`
	Actor          Identity `json:"actor"`
	Info           string   `json:"info" binding:"required"`
}

// DisputeRequest identifies who raised the dispute.
type DisputeRequest struct {
	Actor Identity `json:"actor"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidHandle("buyer_handle", req.BuyerHandle),
		validation.ValidHandle("seller_handle", req.SellerHandle),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"escrow":        result.Escrow,
		"notifications": result.Notifications,
	})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	esc, err := h.service.Summarize(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// ReportPayment handles POST /v1/escrows/:id/payment
func (h *Handler) ReportPayment(c *gin.Context) {
	h.transition(c, h.service.ReportPayment)
}

// ConfirmPayment handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmPayment(c *gin.Context) {
	h.transition(c, h.service.ConfirmPayment)
}

// ConfirmReceipt handles POST /v1/escrows/:id/received
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	h.transition(c, h.service.ConfirmReceipt)
}

// MarkComplete handles POST /v1/escrows/:id/complete
func (h *Handler) MarkComplete(c *gin.Context) {
	h.transition(c, h.service.MarkComplete)
}

// transition runs one conversation-scoped lifecycle step.
func (h *Handler) transition(c *gin.Context, op func(ctx context.Context, id, conversationID int64, actor Identity) (*Result, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "conversationId and actor are required",
		})
		return
	}

	result, err := op(c.Request.Context(), id, req.ConversationID, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":        result.Escrow,
		"notifications": result.Notifications,
	})
}

// SubmitPayout handles POST /v1/escrows/:id/payout
func (h *Handler) SubmitPayout(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "conversationId, actor, and info are required",
		})
		return
	}

	result, err := h.service.SubmitPayout(c.Request.Context(), id, req.ConversationID, req.Actor, req.Info)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":        result.Escrow,
		"notifications": result.Notifications,
	})
}

// Dispute handles POST /v1/escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.Dispute(c.Request.Context(), id, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":        result.Escrow,
		"notifications": result.Notifications,
	})
}

// ListEscrows handles GET /v1/escrows with cursor pagination.
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := queryLimit(c)

	var afterID int64
	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}
	if cur != nil {
		afterID = cur.ID
	}

	escrows, err := h.service.List(c.Request.Context(), afterID, limit+1)
	if err != nil {
		respondError(c, err)
		return
	}

	items, next, hasMore := pagination.ComputePage(escrows, limit, func(e *Escrow) (time.Time, int64) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"escrows":     items,
		"count":       len(items),
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

// ListConversationEscrows handles GET /v1/conversations/:id/escrows
func (h *Handler) ListConversationEscrows(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	escrows, err := h.service.ListByConversation(c.Request.Context(), id, queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// Volume handles GET /v1/stats/volume
func (h *Handler) Volume(c *gin.Context) {
	totals, err := h.service.Volume(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"volume": totals})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid id",
		})
		return 0, false
	}
	return id, true
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
		code = "store_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
