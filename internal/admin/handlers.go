package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	volume VolumeSource
	stats  StatsSource
	log    LogBrowser
	audit  AuditRunner
	feed   FeedStats
}

// NewHandler creates a new admin handler. Collaborators are optional; an
// endpoint whose collaborator is missing answers 503.
func NewHandler() *Handler {
	return &Handler{}
}

// WithVolume sets the settled-volume source.
func (h *Handler) WithVolume(v VolumeSource) *Handler {
	h.volume = v
	return h
}

// WithStats sets the desk stats source.
func (h *Handler) WithStats(s StatsSource) *Handler {
	h.stats = s
	return h
}

// WithTransactionLog sets the transaction log browser.
func (h *Handler) WithTransactionLog(l LogBrowser) *Handler {
	h.log = l
	return h
}

// WithAudit sets the on-demand audit runner.
func (h *Handler) WithAudit(a AuditRunner) *Handler {
	h.audit = a
	return h
}

// WithFeedStats sets the realtime feed stats source.
func (h *Handler) WithFeedStats(f FeedStats) *Handler {
	h.feed = f
	return h
}

// RegisterRoutes sets up admin routes. Mount behind operator auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/volume", h.volumeTotals)
	r.GET("/admin/stats", h.deskStats)
	r.GET("/admin/transactions", h.listTransactions)
	r.GET("/admin/escrows/:id/transactions", h.escrowTransactions)
	r.POST("/admin/audit/sweep", h.runSweep)
	r.GET("/admin/feed", h.feedStats)
}

// volumeTotals returns settled volume by currency.
func (h *Handler) volumeTotals(c *gin.Context) {
	if h.volume == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "volume reporting not configured"})
		return
	}

	totals, err := h.volume.Volume(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute volume", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"volume": totals, "currencies": len(totals)})
}

// deskStats returns aggregate metrics across all escrows.
func (h *Handler) deskStats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats not configured"})
		return
	}

	stats, err := h.stats.DeskStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// listTransactions pages through the transaction log, newest first.
func (h *Handler) listTransactions(c *gin.Context) {
	if h.log == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transaction log not configured"})
		return
	}

	limit := parseLimit(c, 100, 1000)

	var afterID int64
	if v := c.Query("after"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			afterID = n
		}
	}

	entries, err := h.log.List(c.Request.Context(), afterID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list transactions", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// escrowTransactions returns one escrow's log entries in append order.
func (h *Handler) escrowTransactions(c *gin.Context) {
	if h.log == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transaction log not configured"})
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid id"})
		return
	}

	entries, err := h.log.ListByEscrow(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list transactions", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrowId": id, "entries": entries, "count": len(entries)})
}

// runSweep triggers one audit sweep and returns its report.
func (h *Handler) runSweep(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit not configured"})
		return
	}

	report, err := h.audit.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit sweep failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

// feedStats returns websocket feed counters.
func (h *Handler) feedStats(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime feed not configured"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"feed": h.feed.Stats()})
}

func parseLimit(c *gin.Context, defaultVal, maxVal int) int {
	limit := defaultVal
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxVal {
		limit = maxVal
	}
	return limit
}
