package recordings

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wael22/spovio-backend-main-sub001/internal/models"
	"github.com/wael22/spovio-backend-main-sub001/internal/supervisor"
	"github.com/wael22/spovio-backend-main-sub001/internal/uploader"
	"github.com/wael22/spovio-backend-main-sub001/pkg/response"
)

// RemoteAssets inspects and removes CDN assets. Optional; nil disables the
// remote endpoints.
type RemoteAssets interface {
	VideoStatus(ctx context.Context, guid string) (*uploader.RemoteVideo, error)
	DeleteVideo(ctx context.Context, guid string) error
}

// Handler exposes the recording pipeline over HTTP.
type Handler struct {
	sup     *supervisor.Supervisor
	uploads *uploader.Service
	repo    *Repository
	cdn     RemoteAssets
	logger  *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(sup *supervisor.Supervisor, uploads *uploader.Service, repo *Repository, cdn RemoteAssets, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sup: sup, uploads: uploads, repo: repo, cdn: cdn, logger: logger}
}

// RegisterRoutes mounts the recording and video endpoints.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rec := rg.Group("/recordings")
	{
		rec.POST("/start", h.Start)
		rec.POST("/:id/stop", h.Stop)
		rec.GET("/:id/status", h.Status)
		rec.GET("/active", h.ListActive)
		rec.GET("/uploads/stats", h.UploadStats)
		rec.GET("/uploads/:taskId", h.UploadStatus)
	}
	videos := rg.Group("/videos")
	{
		videos.GET("", h.ListVideos)
		videos.GET("/:id", h.GetVideo)
		videos.GET("/:id/playback", h.PlaybackStatus)
		videos.DELETE("/:id", h.DeleteVideo)
	}
}

type startRequest struct {
	UserID     int64  `json:"user_id" binding:"required"`
	CourtID    int64  `json:"court_id" binding:"required"`
	MatchID    *int64 `json:"match_id"`
	ClubID     *int64 `json:"club_id"`
	Title      string `json:"title"`
	SourceURL  string `json:"source_url" binding:"required"`
	MaxSeconds int    `json:"max_duration_sec"`
	Quality    string `json:"quality"`
	KeepLocal  *bool  `json:"keep_local"`
	Upload     *bool  `json:"upload"`
}

// Start handles POST /recordings/start.
func (h *Handler) Start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	view, err := h.sup.Start(c.Request.Context(), supervisor.StartRequest{
		UserID:      req.UserID,
		CourtID:     req.CourtID,
		MatchID:     req.MatchID,
		ClubID:      req.ClubID,
		Title:       req.Title,
		SourceURL:   req.SourceURL,
		MaxDuration: time.Duration(req.MaxSeconds) * time.Second,
		Quality:     req.Quality,
		KeepLocal:   req.KeepLocal,
		Upload:      req.Upload,
	})
	if err != nil {
		h.startError(c, err)
		return
	}
	response.Created(c, view)
}

// startError maps the supervisor's typed errors onto HTTP statuses.
func (h *Handler) startError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, supervisor.ErrConcurrencyLimit):
		response.TooManyRequests(c, err.Error())
	case errors.Is(err, supervisor.ErrInsufficientDisk):
		response.InsufficientStorage(c, err.Error())
	case errors.Is(err, supervisor.ErrCourtBusy):
		response.Conflict(c, err.Error())
	case errors.Is(err, supervisor.ErrSourceUnreachable):
		response.BadGateway(c, err.Error())
	default:
		h.logger.Error("start recording failed", zap.Error(err))
		response.Internal(c, "failed to start recording")
	}
}

// Stop handles POST /recordings/:id/stop. Stopping an already-stopped
// session is reported as such, not as an error.
func (h *Handler) Stop(c *gin.Context) {
	view, err := h.sup.Stop(c.Request.Context(), c.Param("id"), supervisor.ReasonManual)
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		response.NotFound(c, "recording session not found")
	case errors.Is(err, supervisor.ErrAlreadyStopped):
		response.OK(c, gin.H{"session": view, "already_stopped": true})
	case err != nil:
		h.logger.Error("stop recording failed", zap.Error(err), zap.String("session_id", c.Param("id")))
		response.Internal(c, "failed to stop recording")
	default:
		response.OK(c, view)
	}
}

// Status handles GET /recordings/:id/status. Finished sessions leave the
// active table, so the durable row answers for them.
func (h *Handler) Status(c *gin.Context) {
	id := c.Param("id")
	view, err := h.sup.Status(id)
	if err == nil {
		response.OK(c, view)
		return
	}

	v, err := h.repo.GetBySessionID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("load session record failed", zap.Error(err), zap.String("session_id", id))
		response.Internal(c, "failed to load recording")
		return
	}
	if v == nil {
		response.NotFound(c, "recording session not found")
		return
	}
	response.OK(c, v)
}

// ListActive handles GET /recordings/active.
func (h *Handler) ListActive(c *gin.Context) {
	response.OK(c, h.sup.ListActive())
}

// UploadStatus handles GET /recordings/uploads/:taskId.
func (h *Handler) UploadStatus(c *gin.Context) {
	if h.uploads == nil {
		response.ServiceUnavailable(c, "uploads are not configured")
		return
	}
	view := h.uploads.Status(c.Param("taskId"))
	if view == nil {
		response.NotFound(c, "upload task not found")
		return
	}
	response.OK(c, view)
}

// UploadStats handles GET /recordings/uploads/stats.
func (h *Handler) UploadStats(c *gin.Context) {
	if h.uploads == nil {
		response.ServiceUnavailable(c, "uploads are not configured")
		return
	}
	out := gin.H{"stats": h.uploads.Snapshot()}
	if depth, err := h.uploads.QueueDepth(c.Request.Context()); err == nil {
		out["queue_depth"] = depth
	} else {
		h.logger.Warn("queue depth unavailable", zap.Error(err))
	}
	response.OK(c, out)
}

// ListVideos handles GET /videos?user_id=|court_id= with paging.
func (h *Handler) ListVideos(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 200 {
		limit = 50
	}

	ctx := c.Request.Context()
	if raw := c.Query("user_id"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid user_id")
			return
		}
		list, err := h.repo.ListByUser(ctx, userID, limit, offset)
		if err != nil {
			h.logger.Error("list videos failed", zap.Error(err), zap.Int64("user_id", userID))
			response.Internal(c, "failed to list videos")
			return
		}
		response.OK(c, list)
		return
	}
	if raw := c.Query("court_id"); raw != "" {
		courtID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid court_id")
			return
		}
		list, err := h.repo.ListByCourt(ctx, courtID, limit, offset)
		if err != nil {
			h.logger.Error("list videos failed", zap.Error(err), zap.Int64("court_id", courtID))
			response.Internal(c, "failed to list videos")
			return
		}
		response.OK(c, list)
		return
	}
	response.BadRequest(c, "user_id or court_id query parameter is required")
}

// GetVideo handles GET /videos/:id.
func (h *Handler) GetVideo(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	v, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get video failed", zap.Error(err), zap.Int64("video_id", id))
		response.Internal(c, "failed to load video")
		return
	}
	if v == nil {
		response.NotFound(c, "video not found")
		return
	}
	response.OK(c, v)
}

// PlaybackStatus handles GET /videos/:id/playback. Reports the CDN encode
// state of an uploaded video, so clients can poll until it is watchable.
func (h *Handler) PlaybackStatus(c *gin.Context) {
	if h.cdn == nil {
		response.ServiceUnavailable(c, "uploads are not configured")
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	ctx := c.Request.Context()
	v, err := h.repo.GetByID(ctx, id)
	if err != nil {
		h.logger.Error("get video failed", zap.Error(err), zap.Int64("video_id", id))
		response.Internal(c, "failed to load video")
		return
	}
	if v == nil {
		response.NotFound(c, "video not found")
		return
	}
	if v.BunnyVideoID == "" {
		response.NotFound(c, "video has no remote asset")
		return
	}
	remote, err := h.cdn.VideoStatus(ctx, v.BunnyVideoID)
	if err != nil {
		h.logger.Error("remote status failed", zap.Error(err), zap.String("guid", v.BunnyVideoID))
		response.BadGateway(c, "failed to query remote asset")
		return
	}
	response.OK(c, gin.H{"upload_status": v.UploadStatus, "remote": remote})
}

// DeleteVideo handles DELETE /videos/:id. Removes the CDN asset first when
// one exists; CDN failure aborts so the row and asset stay consistent.
func (h *Handler) DeleteVideo(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	ctx := c.Request.Context()
	v, err := h.repo.GetByID(ctx, id)
	if err != nil {
		h.logger.Error("get video failed", zap.Error(err), zap.Int64("video_id", id))
		response.Internal(c, "failed to load video")
		return
	}
	if v == nil {
		response.NotFound(c, "video not found")
		return
	}

	if v.BunnyVideoID != "" && v.UploadStatus == models.UploadStatusCompleted && h.cdn != nil {
		if err := h.cdn.DeleteVideo(ctx, v.BunnyVideoID); err != nil {
			h.logger.Error("delete CDN asset failed", zap.Error(err), zap.String("guid", v.BunnyVideoID))
			response.BadGateway(c, "failed to delete remote asset")
			return
		}
	}
	if err := h.repo.Delete(ctx, id); err != nil {
		h.logger.Error("delete video failed", zap.Error(err), zap.Int64("video_id", id))
		response.Internal(c, "failed to delete video")
		return
	}
	response.OK(c, gin.H{"deleted": true})
}
