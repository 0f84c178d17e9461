// Package httpapi exposes the POS analysis pipeline over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-graphviz"

	"github.com/takeru403/Ipoca-network/internal/export"
	"github.com/takeru403/Ipoca-network/internal/ingest"
	"github.com/takeru403/Ipoca-network/internal/logger"
	"github.com/takeru403/Ipoca-network/internal/models"
	"github.com/takeru403/Ipoca-network/internal/network"
	"github.com/takeru403/Ipoca-network/internal/orchestrator"
	"github.com/takeru403/Ipoca-network/internal/storage"
)

const previewRows = 5

// Jobs is the orchestrator surface the handlers use.
type Jobs interface {
	Submit(ctx context.Context, raw []byte, filename string, req orchestrator.Request) (string, error)
	Poll(processID string) (models.JobRecord, error)
	Latest() (models.JobRecord, error)
	ArtifactDir() string
}

// Options configure the HTTP layer.
type Options struct {
	MaxUploadBytes   int64
	SubmitRatePerMin float64
	SubmitBurst      int
	AllowedOrigin    string
}

// Handler serves the API routes.
type Handler struct {
	jobs    Jobs
	opts    Options
	limiter *rateLimiter
}

// NewHandler creates a handler backed by jobs.
func NewHandler(jobs Jobs, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 64 << 20
	}
	if opts.SubmitRatePerMin <= 0 {
		opts.SubmitRatePerMin = 30
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	return &Handler{
		jobs:    jobs,
		opts:    opts,
		limiter: newRateLimiter(opts.SubmitRatePerMin, opts.SubmitBurst),
	}
}

// Router builds the gin engine with middleware and routes.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(), cors(h.opts.AllowedOrigin))
	router.MaxMultipartMemory = h.opts.MaxUploadBytes
	h.SetupRoutes(router)
	return router
}

// SetupRoutes configures all API routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	pos := router.Group("/api/posdata")
	{
		pos.POST("/upload", h.Upload)
		pos.POST("/process", h.limiter.limit(), h.Process)
		pos.GET("/status/:process_id", h.Status)
		pos.GET("/latest", h.LatestResult)
		pos.GET("/download/:filename", h.Download)
	}

	net := router.Group("/api/network")
	{
		net.POST("", h.Network)
		net.POST("/plot", h.Plot)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
	})
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readUpload returns the bytes and name of the multipart "file" field.
func (h *Handler) readUpload(c *gin.Context) ([]byte, string, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, "", fmt.Errorf("file_required: %w", err)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, h.opts.MaxUploadBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(raw)) > h.opts.MaxUploadBytes {
		return nil, "", errors.New("file exceeds upload limit")
	}
	return raw, filepath.Base(fh.Filename), nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// Upload parses a file and returns its columns with a short preview.
func (h *Handler) Upload(c *gin.Context) {
	raw, filename, err := h.readUpload(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	frame, err := ingest.Parse(raw, filename)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"filename":  filename,
		"columns":   frame.Columns,
		"row_count": frame.Len(),
		"preview":   frame.Preview(previewRows),
	})
}

// parseRequest reads the job parameters from the multipart form.
func parseRequest(c *gin.Context) (orchestrator.Request, error) {
	var req orchestrator.Request

	if s := c.PostForm("column_mapping"); s != "" {
		if err := json.Unmarshal([]byte(s), &req.Mapping); err != nil {
			return req, fmt.Errorf("invalid column_mapping: %w", err)
		}
	}
	if s := c.PostForm("min_support"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return req, fmt.Errorf("invalid min_support: %w", err)
		}
		req.MinSupport = v
	}
	if s := c.PostForm("max_len"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return req, fmt.Errorf("invalid max_len: %w", err)
		}
		req.MaxLen = v
	}
	if s := c.PostForm("n_clusters"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return req, fmt.Errorf("invalid n_clusters: %w", err)
		}
		req.NClusters = v
	}
	if s := c.PostForm("strict_graph"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return req, fmt.Errorf("invalid strict_graph: %w", err)
		}
		req.StrictGraph = &v
	}
	tenants, err := tenantList(c)
	if err != nil {
		return req, err
	}
	req.FullTenantList = tenants
	return req, nil
}

// tenantList accepts a JSON array or a comma separated list.
func tenantList(c *gin.Context) ([]string, error) {
	s := strings.TrimSpace(c.PostForm("full_tenant_list"))
	if s == "" {
		return nil, nil
	}
	var out []string
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("invalid full_tenant_list: %w", err)
		}
		return out, nil
	}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

// Process submits an upload as a background job.
func (h *Handler) Process(c *gin.Context) {
	raw, filename, err := h.readUpload(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	req, err := parseRequest(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	id, err := h.jobs.Submit(c.Request.Context(), raw, filename, req)
	if err != nil {
		var missing *ingest.MissingColumnsError
		switch {
		case errors.As(err, &missing):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "missing_columns": missing.Missing})
		case errors.Is(err, orchestrator.ErrQueueFull):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		case errors.Is(err, orchestrator.ErrClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.Is(err, storage.ErrExists):
			logger.Error("Failed to submit job: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		default:
			badRequest(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "processing started",
		"process_id": id,
	})
}

// Status returns the current snapshot of a job.
func (h *Handler) Status(c *gin.Context) {
	rec, err := h.jobs.Poll(c.Param("process_id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "process id not found"})
			return
		}
		logger.Error("Failed to poll job: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// LatestResult returns the most recently completed job.
func (h *Handler) LatestResult(c *gin.Context) {
	rec, err := h.jobs.Latest()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no completed job"})
			return
		}
		logger.Error("Failed to load latest job: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Download serves a rules artifact.
func (h *Handler) Download(c *gin.Context) {
	name := c.Param("filename")
	f, err := export.Open(h.jobs.ArtifactDir(), name)
	if err != nil {
		switch {
		case errors.Is(err, export.ErrInvalidName):
			badRequest(c, err)
		case errors.Is(err, os.ErrNotExist):
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		default:
			logger.Error("Failed to open artifact %s: %v", name, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open file"})
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open file"})
		return
	}
	c.DataFromReader(http.StatusOK, info.Size(), "text/csv; charset=utf-8", f, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, name),
	})
}

// readRules parses an uploaded rules file.
func (h *Handler) readRules(c *gin.Context) (*models.RuleTable, []string, error) {
	raw, filename, err := h.readUpload(c)
	if err != nil {
		return nil, nil, err
	}
	frame, err := ingest.Parse(raw, filename)
	if err != nil {
		return nil, nil, err
	}
	rules, err := frame.Rules()
	if err != nil {
		return nil, nil, err
	}
	tenants, err := tenantList(c)
	if err != nil {
		return nil, nil, err
	}
	return rules, tenants, nil
}

// Network returns the node and link tables of an uploaded rules file. An
// empty graph yields empty tables.
func (h *Handler) Network(c *gin.Context) {
	rules, tenants, err := h.readRules(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	net, err := network.Build(rules, network.Options{FullTenantList: tenants})
	if err != nil {
		logger.Error("Failed to build network: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build network"})
		return
	}
	c.JSON(http.StatusOK, net)
}

// Plot renders an uploaded rules file as SVG. An empty graph is 422.
func (h *Handler) Plot(c *gin.Context) {
	rules, tenants, err := h.readRules(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	net, err := network.Build(rules, network.Options{FullTenantList: tenants, Strict: true})
	if err == nil {
		var svg []byte
		svg, err = network.Render(c.Request.Context(), net, graphviz.SVG)
		if err == nil {
			c.Data(http.StatusOK, "image/svg+xml", svg)
			return
		}
	}
	if errors.Is(err, network.ErrEmptyGraph) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	logger.Error("Failed to plot network: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to plot network"})
}
