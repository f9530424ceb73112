package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"brokerrelay/internal/audit"
	"brokerrelay/internal/constants"
	"brokerrelay/internal/engine"
	"brokerrelay/internal/logger"
	"brokerrelay/internal/persistence"
	"brokerrelay/internal/processor"
	"brokerrelay/internal/webhook"
	pkgerrors "brokerrelay/pkg/errors"
)

// EngineService narrows *engine.Engine to what the control API calls. A
// concrete interface (rather than the struct directly) keeps handler tests
// independent of the engine's broker/persistence wiring.
type EngineService interface {
	StartConsuming(ctx context.Context, name, webhookURL string, minMS, maxMS int, hours processor.BusinessHours, actor string, requestBody interface{}, audited bool) error
	PauseConsuming(ctx context.Context, name, actor string) error
	ResumeConsuming(ctx context.Context, name, actor string) error
	StopConsuming(ctx context.Context, name, reason, actor string, manual bool) error
	QueueInfo(name string) (engine.Info, bool)
	ActiveQueues() []engine.Info
	InspectQueue(name string) (engine.QueueInspection, error)
	CleanupOrphans(ctx context.Context) ([]string, error)
	RestorePersisted(ctx context.Context) (engine.RestoreResult, error)
	Stats() map[string]interface{}
	ResetStats()
}

// AuditQuerier is implemented by *audit.Trail; nil when the audit trail is
// disabled, in which case GET /audit reports an empty list.
type AuditQuerier interface {
	Query(ctx context.Context, queue string, limit int) ([]audit.Record, error)
}

// BaseHandler centralizes error translation for every handler in this
// package.
type BaseHandler struct {
	Logger logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "control API request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(pkgerrors.ToHTTPStatus(err), pkgerrors.ToErrorResponse(err))
}

// Handler implements the consumer engine's HTTP control plane.
type Handler struct {
	BaseHandler
	engine      EngineService
	persistence *persistence.Store
	sender      *webhook.Sender
	audit       AuditQuerier
}

func NewHandler(eng EngineService, store *persistence.Store, sender *webhook.Sender, auditor AuditQuerier, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{Logger: log},
		engine:      eng,
		persistence: store,
		sender:      sender,
		audit:       auditor,
	}
}

// RegisterRoutes mounts every control-plane endpoint on router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.POST("/consume", h.Consume)
	router.POST("/pause", h.Pause)
	router.POST("/resume", h.Resume)
	router.POST("/stop", h.Stop)
	router.GET("/active-queues", h.ActiveQueues)
	router.GET("/queue-info/:queue", h.QueueInfo)
	router.POST("/queues-info", h.QueuesInfo)
	router.GET("/stats", h.Stats)
	router.POST("/stats/reset", h.ResetStats)
	router.POST("/webhook/test", h.TestWebhook)
	router.GET("/persisted-queues", h.PersistedQueues)
	router.POST("/restore-queues", h.RestoreQueues)
	router.POST("/backup-configs", h.BackupConfigs)
	router.POST("/restore-backup", h.RestoreBackup)
	router.DELETE("/clear-configs", h.ClearConfigs)
	router.POST("/cleanup-orphans", h.CleanupOrphans)
	router.DELETE("/persisted-queue/:queue", h.DeletePersistedQueue)
	router.GET("/audit", h.Audit)
}

func actorFromRequest(c *gin.Context) string {
	if actor := c.GetHeader("X-Actor"); actor != "" {
		return actor
	}
	return "system"
}

// Consume godoc
// @Summary      Start consuming a queue
// @Description  Subscribes to queue and begins forwarding deliveries to webhook
// @Tags         consumers
// @Accept       json
// @Produce      json
// @Param        body  body      ConsumeRequest  true  "Consume request"
// @Success      201   {object}  queueInfoResponse
// @Failure      400   {object}  map[string]interface{}
// @Failure      404   {object}  map[string]interface{}
// @Router       /consume [post]
func (h *Handler) Consume(c *gin.Context) {
	var req ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(pkgerrors.ErrValidation.WithCause(err)))
		return
	}

	hours := businessHoursDTO{}
	if req.BusinessHours != nil {
		hours = *req.BusinessHours
	}

	err := h.engine.StartConsuming(c.Request.Context(), req.Queue, req.Webhook, req.MinInterval, req.MaxInterval, hours.toProcessor(), actorFromRequest(c), req, true)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	info, _ := h.engine.QueueInfo(req.Queue)
	c.JSON(http.StatusCreated, infoResponse(info))
}

// Pause godoc
// @Summary      Pause a consumer
// @Tags         consumers
// @Accept       json
// @Produce      json
// @Param        body  body      QueueRequest  true  "Queue"
// @Success      200   {object}  queueInfoResponse
// @Failure      404   {object}  map[string]interface{}
// @Router       /pause [post]
func (h *Handler) Pause(c *gin.Context) {
	var req QueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(pkgerrors.ErrValidation.WithCause(err)))
		return
	}

	if err := h.engine.PauseConsuming(c.Request.Context(), req.Queue, actorFromRequest(c)); err != nil {
		h.HandleError(c, err)
		return
	}

	info, _ := h.engine.QueueInfo(req.Queue)
	c.JSON(http.StatusOK, infoResponse(info))
}

// Resume godoc
// @Summary      Resume a consumer
// @Tags         consumers
// @Accept       json
// @Produce      json
// @Param        body  body      QueueRequest  true  "Queue"
// @Success      200   {object}  queueInfoResponse
// @Failure      404   {object}  map[string]interface{}
// @Router       /resume [post]
func (h *Handler) Resume(c *gin.Context) {
	var req QueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(pkgerrors.ErrValidation.WithCause(err)))
		return
	}

	if err := h.engine.ResumeConsuming(c.Request.Context(), req.Queue, actorFromRequest(c)); err != nil {
		h.HandleError(c, err)
		return
	}

	info, _ := h.engine.QueueInfo(req.Queue)
	c.JSON(http.StatusOK, infoResponse(info))
}

// Stop godoc
// @Summary      Stop a consumer
// @Tags         consumers
// @Accept       json
// @Produce      json
// @Param        body  body      QueueRequest  true  "Queue"
// @Success      200   {object}  map[string]interface{}
// @Failure      404   {object}  map[string]interface{}
// @Router       /stop [post]
func (h *Handler) Stop(c *gin.Context) {
	var req QueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(pkgerrors.ErrValidation.WithCause(err)))
		return
	}

	if err := h.engine.StopConsuming(c.Request.Context(), req.Queue, "manual_stop", actorFromRequest(c), true); err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"queue": req.Queue, "stopped": true})
}

// ActiveQueues godoc
// @Summary      List active consumers
// @Tags         consumers
// @Produce      json
// @Success      200  {array}  queueInfoResponse
// @Router       /active-queues [get]
func (h *Handler) ActiveQueues(c *gin.Context) {
	infos := h.engine.ActiveQueues()
	out := make([]queueInfoResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, infoResponse(info))
	}
	c.JSON(http.StatusOK, out)
}

// QueueInfo godoc
// @Summary      Inspect one queue
// @Tags         consumers
// @Produce      json
// @Param        queue  path      string  true  "Queue name"
// @Success      200    {object}  queueInspectionResponse
// @Failure      404    {object}  map[string]interface{}
// @Router       /queue-info/{queue} [get]
func (h *Handler) QueueInfo(c *gin.Context) {
	name := c.Param("queue")
	qi, err := h.engine.InspectQueue(name)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, inspectionResponse(qi))
}

// QueuesInfo godoc
// @Summary      Inspect multiple queues
// @Tags         consumers
// @Accept       json
// @Produce      json
// @Param        body  body      QueuesInfoRequest  true  "Queue names"
// @Success      200   {object}  map[string]interface{}
// @Router       /queues-info [post]
func (h *Handler) QueuesInfo(c *gin.Context) {
	var req QueuesInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(pkgerrors.ErrValidation.WithCause(err)))
		return
	}

	out := make(map[string]interface{}, len(req.Queues))
	for _, name := range req.Queues {
		qi, err := h.engine.InspectQueue(name)
		if err != nil {
			out[name] = gin.H{"error": err.Error()}
			continue
		}
		out[name] = inspectionResponse(qi)
	}
	c.JSON(http.StatusOK, out)
}

// Stats godoc
// @Summary      Engine statistics
// @Tags         observability
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /stats [get]
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats())
}

// ResetStats godoc
// @Summary      Reset processor and webhook delivery counters
// @Tags         observability
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /stats/reset [post]
func (h *Handler) ResetStats(c *gin.Context) {
	h.engine.ResetStats()
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// TestWebhook godoc
// @Summary      Probe a webhook URL
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Param        body  body      WebhookTestRequest  true  "Target URL"
// @Success      200   {object}  webhookTestResponse
// @Failure      400   {object}  webhookTestResponse
// @Router       /webhook/test [post]
func (h *Handler) TestWebhook(c *gin.Context) {
	var req WebhookTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(pkgerrors.ErrValidation.WithCause(err)))
		return
	}

	ok, status, elapsed, err := h.sender.TestWebhook(c.Request.Context(), req.URL)
	resp := webhookTestResult(ok, status, elapsed, err)
	if !ok {
		c.JSON(http.StatusBadRequest, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// PersistedQueues godoc
// @Summary      List persisted queue configurations
// @Tags         persistence
// @Produce      json
// @Success      200  {object}  persistedQueuesResponse
// @Router       /persisted-queues [get]
func (h *Handler) PersistedQueues(c *gin.Context) {
	configs, err := h.persistence.LoadAll()
	if err != nil {
		h.HandleError(c, err)
		return
	}
	stats, err := h.persistence.Stats()
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, persistedQueuesResponse{Persisted: configs, Stats: stats})
}

// RestoreQueues godoc
// @Summary      Restore every persisted queue
// @Tags         persistence
// @Produce      json
// @Success      200  {object}  restoreQueuesResponse
// @Router       /restore-queues [post]
func (h *Handler) RestoreQueues(c *gin.Context) {
	result, err := h.engine.RestorePersisted(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, restoreResponse(result))
}

// BackupConfigs godoc
// @Summary      Back up the persistence store
// @Tags         persistence
// @Accept       json
// @Produce      json
// @Param        body  body      BackupRequest  false  "Optional destination path"
// @Success      200   {object}  map[string]interface{}
// @Router       /backup-configs [post]
func (h *Handler) BackupConfigs(c *gin.Context) {
	var req BackupRequest
	_ = c.ShouldBindJSON(&req)

	path, err := h.persistence.Backup(req.Path)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

// RestoreBackup godoc
// @Summary      Overwrite the persistence store from a backup file
// @Tags         persistence
// @Accept       json
// @Produce      json
// @Param        body  body      RestoreBackupRequest  true  "Backup file path"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]interface{}
// @Router       /restore-backup [post]
func (h *Handler) RestoreBackup(c *gin.Context) {
	var req RestoreBackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(pkgerrors.ErrValidation.WithCause(err)))
		return
	}

	names, err := h.persistence.Restore(req.BackupPath)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": names})
}

// ClearConfigs godoc
// @Summary      Empty the persistence store
// @Tags         persistence
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /clear-configs [delete]
func (h *Handler) ClearConfigs(c *gin.Context) {
	if err := h.persistence.Clear(); err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

// CleanupOrphans godoc
// @Summary      Remove persisted configs for queues that no longer exist
// @Tags         persistence
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /cleanup-orphans [post]
func (h *Handler) CleanupOrphans(c *gin.Context) {
	removed, err := h.engine.CleanupOrphans(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": orEmpty(removed)})
}

// DeletePersistedQueue godoc
// @Summary      Remove a single persisted queue configuration
// @Tags         persistence
// @Produce      json
// @Param        queue  path      string  true  "Queue name"
// @Success      200    {object}  map[string]interface{}
// @Failure      404    {object}  map[string]interface{}
// @Router       /persisted-queue/{queue} [delete]
func (h *Handler) DeletePersistedQueue(c *gin.Context) {
	name := c.Param("queue")
	removed, err := h.persistence.Remove(name)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, pkgerrors.ToErrorResponse(pkgerrors.ErrNotFound.WithDetail("queue", name)))
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": name, "removed": true})
}

// Audit godoc
// @Summary      Recent audit records
// @Tags         observability
// @Produce      json
// @Param        queue  query     string  false  "Filter by queue name"
// @Param        limit  query     int     false  "Maximum number of records to return"
// @Success      200    {array}   audit.Record
// @Router       /audit [get]
func (h *Handler) Audit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusOK, []audit.Record{})
		return
	}

	queue := c.Query("queue")
	limit := constants.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= constants.MaxLimit {
			limit = parsed
		}
	}

	records, err := h.audit.Query(c.Request.Context(), queue, limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}
