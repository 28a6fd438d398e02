package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"pdfbot/internal/auth"
	"pdfbot/internal/models"
	"pdfbot/internal/operations"
	"pdfbot/internal/service/stats"
	"pdfbot/internal/worker"
)

type WorkerManager interface {
	Handle(ctx context.Context, event *models.InboundEvent) ([]*models.OutboundReply, error)
	Snapshot(ctx context.Context, userID int64) (models.SessionSnapshot, bool)
	Reset(userID int64) bool
	Stats() worker.Stats
	MirroredSessions(ctx context.Context) (int, bool)
}

type FileStore interface {
	Artifact(userID int64, id string) (*models.ResultArtifact, bool)
	ReleaseByID(userID int64, id string) (bool, error)
	Sweep(maxAge time.Duration) (int, error)
	Usage() (files int, bytes int64, err error)
	LiveCount() int
}

type StatsStore interface {
	Summary(ctx context.Context, since time.Time) (*stats.Summary, error)
	UserStats(ctx context.Context, userID int64) (*stats.UserStats, error)
	RecentFailures(ctx context.Context, limit int) ([]models.OperationRecord, error)
}

// Options carries the settings the handlers need from the config.
type Options struct {
	MaxUploadBytes int64
	FileRetention  time.Duration
	PollTimeout    time.Duration
}

const (
	defaultPollTimeout = 25 * time.Second
	multipartOverhead  = 1 << 20
)

// Handler wires HTTP routes to the worker manager, the file store and the stats service.
type Handler struct {
	workers   WorkerManager
	files     FileStore
	stats     StatsStore
	auth      *auth.Service
	outbox    *worker.Outbox
	registry  *operations.Registry
	opts      Options
	log       zerolog.Logger
	startedAt time.Time
}

// NewHandler constructs a Handler instance. stats may be nil.
func NewHandler(workers WorkerManager, files FileStore, statsStore StatsStore, authService *auth.Service, outbox *worker.Outbox, registry *operations.Registry, opts Options, logger zerolog.Logger) *Handler {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	return &Handler{
		workers:   workers,
		files:     files,
		stats:     statsStore,
		auth:      authService,
		outbox:    outbox,
		registry:  registry,
		opts:      opts,
		log:       logger,
		startedAt: time.Now(),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.root)
	router.GET("/health", h.health)
	router.GET("/stats", h.publicStats)

	api := router.Group("/api")
	api.Use(h.auth.WebhookMiddleware())
	api.POST("/events", h.postEvent)
	api.POST("/events/file", h.postFile)
	api.GET("/artifacts/:artifact_id", h.downloadArtifact)
	api.POST("/artifacts/:artifact_id/delivered", h.confirmDelivery)

	userRoutes := api.Group("/users/:id")
	userRoutes.Use(requirePathUser())
	userRoutes.GET("/replies", h.pollReplies)
	userRoutes.GET("/session", h.getSession)
	userRoutes.GET("/stats", h.getUserStats)

	admin := router.Group("/api/admin")
	admin.Use(h.auth.AdminMiddleware())
	admin.GET("/stats", h.adminStats)
	admin.GET("/errors", h.adminErrors)
	admin.POST("/users/:id/reset", requirePathUser(), h.adminReset)
	admin.POST("/sweep", h.adminSweep)
}

const pathUserKey = "path_user_id"

// requirePathUser parses the :id path parameter.
func requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		c.Set(pathUserKey, userID)
		c.Next()
	}
}

func pathUser(c *gin.Context) int64 {
	return c.GetInt64(pathUserKey)
}

func (h *Handler) root(c *gin.Context) {
	var ops []models.OperationKind
	if h.registry != nil {
		ops = h.registry.Kinds()
	}
	c.JSON(http.StatusOK, gin.H{
		"service":    "pdfbot",
		"status":     "running",
		"operations": ops,
	})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"uptime":     time.Since(h.startedAt).Round(time.Second).String(),
		"workers":    h.workers.Stats(),
		"live_files": h.files.LiveCount(),
	})
}

func (h *Handler) publicStats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "statistics disabled"})
		return
	}
	sum, err := h.stats.Summary(c.Request.Context(), time.Time{})
	if err != nil {
		h.log.Error().Err(err).Msg("load summary")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load statistics failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_operations": sum.Total,
		"successful":       sum.Successes,
		"failed":           sum.Failures,
		"users":            sum.Users,
		"pages":            sum.Pages,
	})
}

type eventRequest struct {
	UserID  int64  `json:"user_id" binding:"required"`
	Kind    string `json:"kind" binding:"required"`
	Payload string `json:"payload"`
}

func (h *Handler) postEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	kind := models.EventKind(strings.ToLower(req.Kind))
	switch kind {
	case models.EventText, models.EventCommand, models.EventCallback:
	case models.EventFile:
		c.JSON(http.StatusBadRequest, gin.H{"error": "files must be sent to /api/events/file"})
		return
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event kind"})
		return
	}
	h.dispatchEvent(c, &models.InboundEvent{
		UserID:     req.UserID,
		Kind:       kind,
		Payload:    req.Payload,
		ReceivedAt: time.Now(),
	})
}

func (h *Handler) postFile(c *gin.Context) {
	if h.opts.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes+multipartOverhead)
	}
	if _, err := c.MultipartForm(); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.writeError(c, models.NewError(models.KindTooLarge, "upload exceeds the size limit"))
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	userID, err := strconv.ParseInt(c.PostForm("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	defer f.Close()

	declared := models.ContentKind(strings.ToLower(c.PostForm("kind")))
	if declared == "" {
		declared, _ = models.KindFromExt(header.Filename)
	}
	h.dispatchEvent(c, &models.InboundEvent{
		UserID:     userID,
		Kind:       models.EventFile,
		Payload:    c.PostForm("caption"),
		ReceivedAt: time.Now(),
		File: &models.FileUpload{
			Name: header.Filename,
			Size: header.Size,
			Kind: declared,
			Body: f,
		},
	})
}

func (h *Handler) dispatchEvent(c *gin.Context, event *models.InboundEvent) {
	replies, err := h.workers.Handle(c.Request.Context(), event)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if replies == nil {
		replies = []*models.OutboundReply{}
	}
	c.JSON(http.StatusOK, gin.H{"replies": replies})
}

// writeError maps a classified error to an HTTP status.
func (h *Handler) writeError(c *gin.Context, err error) {
	var status int
	kind := models.KindOf(err)
	switch {
	case errors.Is(err, worker.ErrManagerClosed), errors.Is(err, worker.ErrDispatcherBusy):
		status = http.StatusServiceUnavailable
		kind = models.KindSystemOverloaded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
		kind = ""
	case kind == models.KindRateLimited, kind == models.KindSessionBusy:
		status = http.StatusTooManyRequests
	case kind == models.KindSystemOverloaded:
		status = http.StatusServiceUnavailable
	case kind == models.KindTooLarge:
		status = http.StatusRequestEntityTooLarge
	case kind.Validation():
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
		h.log.Error().Err(err).Msg("handle event")
	}
	body := gin.H{"error": err.Error()}
	if kind != "" {
		body["error_kind"] = kind
	}
	c.JSON(status, body)
}

// pollReplies drains the outbox, waiting up to ?wait seconds for something to arrive.
func (h *Handler) pollReplies(c *gin.Context) {
	userID := pathUser(c)
	wait := time.Duration(0)
	if raw := c.Query("wait"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wait"})
			return
		}
		wait = time.Duration(secs) * time.Second
		if wait > h.opts.PollTimeout {
			wait = h.opts.PollTimeout
		}
	}
	if wait > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		h.outbox.Wait(ctx, userID)
		cancel()
		if c.Request.Context().Err() != nil {
			return
		}
	}
	replies := h.outbox.Drain(userID)
	if replies == nil {
		replies = []*models.OutboundReply{}
	}
	c.JSON(http.StatusOK, gin.H{"replies": replies})
}

func (h *Handler) getSession(c *gin.Context) {
	snap, ok := h.workers.Snapshot(c.Request.Context(), pathUser(c))
	if !ok {
		c.JSON(http.StatusOK, models.SessionSnapshot{UserID: pathUser(c), Stage: models.StageIdle})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) getUserStats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "statistics disabled"})
		return
	}
	st, err := h.stats.UserStats(c.Request.Context(), pathUser(c))
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", pathUser(c)).Msg("load user stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load statistics failed"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func artifactOwner(c *gin.Context) (int64, bool) {
	raw := c.Query("user_id")
	if raw == "" {
		raw = c.PostForm("user_id")
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return 0, false
	}
	return userID, true
}

// downloadArtifact streams a result file. It stays on disk until delivery is confirmed.
func (h *Handler) downloadArtifact(c *gin.Context) {
	userID, ok := artifactOwner(c)
	if !ok {
		return
	}
	a, ok := h.files.Artifact(userID, c.Param("artifact_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
		return
	}
	c.Header("Content-Type", a.Kind.MimeType())
	c.FileAttachment(a.Path, a.Name)
}

func (h *Handler) confirmDelivery(c *gin.Context) {
	userID, ok := artifactOwner(c)
	if !ok {
		return
	}
	id := c.Param("artifact_id")
	if _, ok := h.files.Artifact(userID, id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
		return
	}
	if _, err := h.files.ReleaseByID(userID, id); err != nil {
		h.log.Warn().Err(err).Str("artifact_id", id).Msg("release delivered artifact")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "release failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
