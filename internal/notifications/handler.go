package notifications

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wael22/spovio-backend-main-sub001/pkg/response"
)

// Handler handles notification HTTP endpoints.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates a notifications handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, logger: logger}
}

// RegisterRoutes mounts the notification endpoints.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	n := rg.Group("/notifications")
	{
		n.GET("", h.List)
		n.GET("/unread-count", h.UnreadCount)
		n.POST("/:id/read", h.MarkRead)
	}
}

// List handles GET /notifications?user_id=.
func (h *Handler) List(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid user_id")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	list, err := h.repo.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("list notifications failed", zap.Error(err), zap.Int64("user_id", userID))
		response.Internal(c, "failed to list notifications")
		return
	}
	response.OK(c, list)
}

// UnreadCount handles GET /notifications/unread-count?user_id=.
func (h *Handler) UnreadCount(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid user_id")
		return
	}
	n, err := h.repo.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("unread count failed", zap.Error(err), zap.Int64("user_id", userID))
		response.Internal(c, "failed to count notifications")
		return
	}
	response.OK(c, gin.H{"unread": n})
}

// MarkRead handles POST /notifications/:id/read?user_id=.
func (h *Handler) MarkRead(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid notification id")
		return
	}
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid user_id")
		return
	}
	if err := h.repo.MarkRead(c.Request.Context(), id, userID); err != nil {
		h.logger.Error("mark notification read failed", zap.Error(err), zap.Int64("id", id))
		response.Internal(c, "failed to update notification")
		return
	}
	response.OK(c, gin.H{"read": true})
}
