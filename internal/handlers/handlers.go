package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/shyguy/internal/auth"
	"github.com/example/shyguy/internal/blob"
	"github.com/example/shyguy/internal/mosaic"
	"github.com/example/shyguy/internal/repository"
	"github.com/example/shyguy/internal/session"
	"github.com/example/shyguy/internal/usecase"
)

// MaxRequestBodySize caps an upload request. Anything between
// mosaic.MaxUploadSize and this limit is read so the orchestrator can reject
// it with its own message.
const MaxRequestBodySize = 32 << 20

// SessionProvider hands out the orchestrator owning a session.
type SessionProvider interface {
	Get(key string) *usecase.Orchestrator
}

// HistoryReader serves the submission history endpoints.
type HistoryReader interface {
	ListRecent(ctx context.Context, sessionID string, limit int) ([]*repository.SubmissionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Dependencies wires the routes. History and Auth are optional.
// BlobPrefix must match the prefix the blob store builds handle URLs with.
type Dependencies struct {
	Sessions   SessionProvider
	Blobs      blob.Store
	BlobPrefix string
	History    HistoryReader
	Auth       gin.HandlerFunc
	Logger     *zap.Logger
	Now        func() time.Time
}

type submitQuery struct {
	PixelSize      int     `form:"pixel_size,default=20" binding:"min=1,max=100"`
	ScoreThreshold float64 `form:"score_threshold,default=0.5" binding:"min=0,max=1"`
}

type stateResponse struct {
	Status        string `json:"status"`
	AttemptID     string `json:"attempt_id,omitempty"`
	FacesDetected *int   `json:"faces_detected,omitempty"`
	MediaType     string `json:"media_type,omitempty"`
	ResultURL     string `json:"result_url,omitempty"`
	Message       string `json:"message,omitempty"`
}

type handler struct {
	deps Dependencies
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.BlobPrefix == "" {
		deps.BlobPrefix = blob.DefaultURLPrefix
	}
	h := &handler{deps: deps}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET(strings.TrimRight(deps.BlobPrefix, "/")+"/:id", h.serveBlob)

	api := router.Group("/api")
	if deps.Auth != nil {
		api.Use(deps.Auth)
	}
	api.POST("/submissions", h.submit)
	api.GET("/state", h.state)
	api.POST("/reset", h.reset)
	api.GET("/result", h.result)
	api.GET("/history", h.history)
	api.GET("/metrics", h.metrics)
}

// RequestLogger logs every request through zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// DownloadFilename names a downloaded result after the time it was saved,
// e.g. 20260117_093005.png. Anything that is not PNG is saved as .jpg.
func DownloadFilename(mediaType string, now time.Time) string {
	ext := ".jpg"
	if strings.EqualFold(mediaType, mosaic.MediaTypePNG) {
		ext = ".png"
	}
	return now.Format("20060102_150405") + ext
}

func (h *handler) submit(c *gin.Context) {
	var query submitQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parameters: " + err.Error()})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
	file, err := c.FormFile("file")
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": usecase.MessageFileTooLarge})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open file"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read file"})
		return
	}

	mediaType := detectMediaType(data)
	if !mosaic.IsAccepted(mediaType) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image format, use JPEG, PNG or WebP"})
		return
	}

	orchestrator := h.orchestrator(c)
	if orchestrator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}

	candidate := mosaic.Candidate{Name: file.Filename, MediaType: mediaType, Data: data}
	params := mosaic.Parameters{PixelSize: query.PixelSize, ScoreThreshold: query.ScoreThreshold}
	switch err := orchestrator.Submit(candidate, params); {
	case errors.Is(err, usecase.ErrFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, toStateResponse(orchestrator.State()))
	case errors.Is(err, usecase.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session closed"})
	case err != nil:
		h.deps.Logger.Error("submit failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, toStateResponse(orchestrator.State()))
	}
}

func (h *handler) state(c *gin.Context) {
	orchestrator := h.orchestrator(c)
	if orchestrator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	c.JSON(http.StatusOK, toStateResponse(orchestrator.State()))
}

func (h *handler) reset(c *gin.Context) {
	orchestrator := h.orchestrator(c)
	if orchestrator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	orchestrator.Reset()
	c.JSON(http.StatusOK, toStateResponse(orchestrator.State()))
}

func (h *handler) result(c *gin.Context) {
	orchestrator := h.orchestrator(c)
	if orchestrator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	state := orchestrator.State()
	if state.Status != usecase.StatusSuccess || state.Result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no result available"})
		return
	}

	data, mediaType, err := h.deps.Blobs.Open(c.Request.Context(), state.Result.Handle.ID)
	if err != nil {
		h.writeBlobError(c, err)
		return
	}
	filename := DownloadFilename(state.Result.MediaType, h.deps.Now())
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Header(mosaic.FacesDetectedHeader, strconv.Itoa(state.Result.FacesDetected))
	c.Data(http.StatusOK, mediaType, data)
}

func (h *handler) serveBlob(c *gin.Context) {
	data, mediaType, err := h.deps.Blobs.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeBlobError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, mediaType, data)
}

func (h *handler) history(c *gin.Context) {
	if h.deps.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	logs, err := h.deps.History.ListRecent(c.Request.Context(), sessionKey(c), limit)
	if err != nil {
		h.deps.Logger.Error("failed to list history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"submissions": logs})
}

func (h *handler) metrics(c *gin.Context) {
	if h.deps.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
		return
	}
	aggregation, err := h.deps.History.AggregateMetrics(c.Request.Context())
	if err != nil {
		h.deps.Logger.Error("failed to aggregate metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
		return
	}
	c.JSON(http.StatusOK, usecase.SummarizeMetrics(aggregation))
}

func (h *handler) orchestrator(c *gin.Context) *usecase.Orchestrator {
	return h.deps.Sessions.Get(sessionKey(c))
}

func (h *handler) writeBlobError(c *gin.Context, err error) {
	if errors.Is(err, blob.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	h.deps.Logger.Error("failed to open blob", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
}

func sessionKey(c *gin.Context) string {
	if key := auth.SessionKey(c); key != "" {
		return key
	}
	return session.AnonymousKey
}

func toStateResponse(state usecase.RequestState) stateResponse {
	resp := stateResponse{
		Status:    string(state.Status),
		AttemptID: state.AttemptID,
		Message:   state.Message,
	}
	if state.Result != nil {
		faces := state.Result.FacesDetected
		resp.FacesDetected = &faces
		resp.MediaType = state.Result.MediaType
		resp.ResultURL = state.Result.Handle.URL
	}
	return resp
}

func detectMediaType(data []byte) string {
	detected := mimetype.Detect(data).String()
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = detected[:i]
	}
	return detected
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
