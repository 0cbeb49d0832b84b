package sentinel

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/perimeter/internal/traces"
)

// HTTPHandler provides HTTP endpoints over the engine: reporting, the alert
// audit trail, and the administrative reset operations.
type HTTPHandler struct {
	engine *Engine
	store  Store
}

// NewHTTPHandler creates a sentinel HTTP handler. store may be nil, in which
// case the alerts endpoint reports the audit trail as unavailable.
func NewHTTPHandler(engine *Engine, store Store) *HTTPHandler {
	return &HTTPHandler{engine: engine, store: store}
}

// RegisterRoutes sets up the read-only security endpoints.
func (h *HTTPHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/security/report", h.GetReport)
	r.GET("/security/alerts", h.ListAlerts)
	r.GET("/security/stats", h.GetStats)
}

// RegisterAdminRoutes sets up the mutation endpoints. The caller is expected
// to gate the group behind admin authentication.
func (h *HTTPHandler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/security/reset-ip", h.ResetIP)
	r.POST("/security/reset-user", h.ResetUser)
}

// GetReport returns aggregate statistics for ?range=hour|day|week.
func (h *HTTPHandler) GetReport(c *gin.Context) {
	_, span := traces.StartSpan(c.Request.Context(), "sentinel.report")
	defer span.End()

	rng, err := ParseRange(c.Query("range"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_range",
			"message": "range must be one of: hour, day, week",
		})
		return
	}
	span.SetAttributes(traces.ReportRange(string(rng)))

	c.JSON(http.StatusOK, h.engine.Report(rng))
}

// ListAlerts returns the most recent persisted alerts (?limit=, default 50).
func (h *HTTPHandler) ListAlerts(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "audit_unavailable",
			"message": "No alert audit store is configured",
		})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be an integer between 1 and 500",
			})
			return
		}
		limit = n
	}

	alerts, err := h.store.ListRecentAlerts(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "audit_read_failed",
			"message": "Could not read the alert audit trail",
		})
		return
	}
	if alerts == nil {
		alerts = []*SuspiciousActivity{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// GetStats returns current store sizes.
func (h *HTTPHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats())
}

type resetIPRequest struct {
	IP string `json:"ip" binding:"required"`
}

// ResetIP clears the failure counter for an address. Idempotent.
func (h *HTTPHandler) ResetIP(c *gin.Context) {
	var req resetIPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must include a non-empty \"ip\" field",
		})
		return
	}
	h.engine.ResetIPAttempts(req.IP)
	c.JSON(http.StatusOK, gin.H{"success": true, "ip": req.IP})
}

type resetUserRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// ResetUser clears the failure counter for a user. Idempotent.
func (h *HTTPHandler) ResetUser(c *gin.Context) {
	var req resetUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must include a non-empty \"userId\" field",
		})
		return
	}
	h.engine.ResetUserAttempts(req.UserID)
	c.JSON(http.StatusOK, gin.H{"success": true, "userId": req.UserID})
}
