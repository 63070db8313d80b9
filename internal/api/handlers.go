// Package api exposes the import job lifecycle over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/sqlimport/internal/jobs"
	"github.com/rossigee/sqlimport/internal/metrics"
	"github.com/rossigee/sqlimport/internal/minio"
	"github.com/rossigee/sqlimport/internal/reader"
	"github.com/rossigee/sqlimport/pkg/types"
	"github.com/sirupsen/logrus"
)

// maxChunkBody caps the request body of a chunk upload; the manager enforces the real chunk size
const maxChunkBody = 64 << 20

// ChecksumHeader carries the sha256 hex digest of an uploaded chunk
const ChecksumHeader = "X-Chunk-Checksum"

// JobManager interface for job operations
type JobManager interface {
	InitUpload(ctx context.Context, req types.InitUploadRequest) (*types.InitUploadResponse, error)
	InitFromObject(ctx context.Context, req types.InitFromObjectRequest) (*types.FinalizeResponse, error)
	UploadChunk(ctx context.Context, id string, offset int64, data []byte, checksum string) (*types.ChunkResponse, error)
	UploadStatus(ctx context.Context, id string) (*types.UploadStatusResponse, error)
	FinalizeUpload(ctx context.Context, id string) (*types.FinalizeResponse, error)
	ListEntries(ctx context.Context, id string) (*types.EntriesResponse, error)
	SelectEntry(ctx context.Context, id string, req types.SelectEntryRequest) (*types.ProgressResponse, error)
	Process(ctx context.Context, id string) (*types.ProgressResponse, error)
	Status(ctx context.Context, id string) (*jobs.Job, error)
	ListJobs(ctx context.Context, all bool) ([]types.JobSummary, error)
	Cancel(ctx context.Context, id string) (*types.ProgressResponse, error)
	Resume(ctx context.Context, id string) (*types.ProgressResponse, error)
	GC(ctx context.Context) (int, error)
	History(ctx context.Context, status string, limit int) ([]types.HistoryEntry, error)
	HistoryJob(ctx context.Context, id string) (*types.HistoryEntry, error)
	HistoryCounts(ctx context.Context) map[string]int
	ActiveJobs(ctx context.Context) int
}

// Handler handles HTTP API requests
type Handler struct {
	jobManager JobManager
	version    string
	started    time.Time
}

// NewHandler creates a new API handler
func NewHandler(jobManager JobManager, version string) *Handler {
	return &Handler{
		jobManager: jobManager,
		version:    version,
		started:    time.Now(),
	}
}

// SetupRoutes configures the API routes. auth guards everything under /api/v1;
// health and metrics stay open for health checks and scrapers.
func SetupRoutes(router *gin.Engine, handler *Handler, auth ...gin.HandlerFunc) {
	api := router.Group("/api/v1", auth...)
	{
		api.POST("/jobs", handler.InitUpload)
		api.GET("/jobs", handler.ListJobs)
		api.POST("/jobs/from-object", handler.InitFromObject)
		api.GET("/jobs/:job_id", handler.GetJobStatus)
		api.PUT("/jobs/:job_id/chunks", handler.UploadChunk)
		api.GET("/jobs/:job_id/upload", handler.UploadStatus)
		api.POST("/jobs/:job_id/finalize", handler.FinalizeUpload)
		api.GET("/jobs/:job_id/entries", handler.ListEntries)
		api.POST("/jobs/:job_id/entries/select", handler.SelectEntry)
		api.POST("/jobs/:job_id/process", handler.Process)
		api.POST("/jobs/:job_id/cancel", handler.CancelJob)
		api.POST("/jobs/:job_id/resume", handler.ResumeJob)
		api.POST("/gc", handler.GC)
		api.GET("/history", handler.History)
		api.GET("/history/:job_id", handler.HistoryJob)
	}

	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", metrics.Handler())
}

// statusFor maps manager errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobBusy):
		return http.StatusConflict
	case errors.Is(err, reader.ErrTooManyEntries):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, jobs.ErrInvalidJobID),
		errors.Is(err, jobs.ErrInvalidState),
		errors.Is(err, jobs.ErrInvalidInput),
		errors.Is(err, jobs.ErrSizeMismatch),
		errors.Is(err, jobs.ErrOffsetMismatch),
		errors.Is(err, jobs.ErrUploadTooLarge),
		errors.Is(err, jobs.ErrNoValidEntry),
		errors.Is(err, reader.ErrUnsupportedFormat),
		errors.Is(err, reader.ErrEntryNotFound),
		errors.Is(err, minio.ErrNotConfigured):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes the error response for err
func fail(c *gin.Context, summary string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", c.FullPath()).Error(summary)
	}
	c.JSON(code, types.ErrorResponse{
		Error:   summary,
		Message: err.Error(),
		Code:    code,
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, types.ErrorResponse{
		Error:   "invalid request",
		Message: message,
		Code:    400,
	})
}

// InitUpload creates a job that receives its dump in chunks
func (h *Handler) InitUpload(c *gin.Context) {
	var req types.InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	resp, err := h.jobManager.InitUpload(c.Request.Context(), req)
	if err != nil {
		fail(c, "failed to create job", err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// InitFromObject creates a job from a dump in object storage
func (h *Handler) InitFromObject(c *gin.Context) {
	var req types.InitFromObjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	resp, err := h.jobManager.InitFromObject(c.Request.Context(), req)
	if err != nil {
		fail(c, "failed to import object", err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// UploadChunk stores the request body at the offset given in the query string
func (h *Handler) UploadChunk(c *gin.Context) {
	offset, err := strconv.ParseInt(c.Query("offset"), 10, 64)
	if err != nil {
		badRequest(c, "offset query parameter must be an integer")
		return
	}
	checksum := c.GetHeader(ChecksumHeader)
	if checksum == "" {
		badRequest(c, ChecksumHeader+" header is required")
		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxChunkBody+1))
	if err != nil {
		badRequest(c, fmt.Sprintf("failed to read chunk: %v", err))
		return
	}
	if len(data) > maxChunkBody {
		badRequest(c, "chunk too large")
		return
	}

	resp, err := h.jobManager.UploadChunk(c.Request.Context(), c.Param("job_id"), offset, data, checksum)
	if err != nil {
		fail(c, "failed to store chunk", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// UploadStatus reports the bytes received so far
func (h *Handler) UploadStatus(c *gin.Context) {
	resp, err := h.jobManager.UploadStatus(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		fail(c, "failed to read upload status", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// FinalizeUpload completes the upload
func (h *Handler) FinalizeUpload(c *gin.Context) {
	resp, err := h.jobManager.FinalizeUpload(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		fail(c, "failed to finalize upload", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListEntries lists the members of an archive upload
func (h *Handler) ListEntries(c *gin.Context) {
	resp, err := h.jobManager.ListEntries(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		fail(c, "failed to list entries", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// SelectEntry picks the archive member to import
func (h *Handler) SelectEntry(c *gin.Context) {
	var req types.SelectEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	resp, err := h.jobManager.SelectEntry(c.Request.Context(), c.Param("job_id"), req)
	if err != nil {
		fail(c, "failed to select entry", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Process runs one bounded processing step
func (h *Handler) Process(c *gin.Context) {
	resp, err := h.jobManager.Process(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		fail(c, "failed to process job", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetJobStatus returns the full state of a job
func (h *Handler) GetJobStatus(c *gin.Context) {
	job, err := h.jobManager.Status(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		fail(c, "failed to read job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs lists unfinished jobs, or every job with ?all=true
func (h *Handler) ListJobs(c *gin.Context) {
	all, _ := strconv.ParseBool(c.Query("all"))

	list, err := h.jobManager.ListJobs(c.Request.Context(), all)
	if err != nil {
		fail(c, "failed to list jobs", err)
		return
	}
	c.JSON(http.StatusOK, types.JobListResponse{Jobs: list})
}

// CancelJob stops further processing of a job
func (h *Handler) CancelJob(c *gin.Context) {
	resp, err := h.jobManager.Cancel(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		fail(c, "failed to cancel job", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ResumeJob allows a cancelled job to be processed again
func (h *Handler) ResumeJob(c *gin.Context) {
	resp, err := h.jobManager.Resume(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		fail(c, "failed to resume job", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GC removes expired jobs
func (h *Handler) GC(c *gin.Context) {
	deleted, err := h.jobManager.GC(c.Request.Context())
	if err != nil {
		fail(c, "garbage collection failed", err)
		return
	}
	c.JSON(http.StatusOK, types.GCResponse{Deleted: deleted})
}

// History lists recorded jobs, optionally filtered by ?status= and bounded by ?limit=
func (h *Handler) History(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	entries, err := h.jobManager.History(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		fail(c, "failed to read history", err)
		return
	}
	c.JSON(http.StatusOK, types.HistoryResponse{Jobs: entries})
}

// HistoryJob returns the recorded row of one job, including jobs already collected
func (h *Handler) HistoryJob(c *gin.Context) {
	entry, err := h.jobManager.HistoryJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		fail(c, "failed to read history", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// HealthCheck provides service health information
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, types.HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		ActiveJobs: h.jobManager.ActiveJobs(c.Request.Context()),
		History:    h.jobManager.HistoryCounts(c.Request.Context()),
	})
}
