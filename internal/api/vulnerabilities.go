package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vulnwatch/vulnwatch/internal/core"
	"github.com/vulnwatch/vulnwatch/internal/ingest"
	"github.com/vulnwatch/vulnwatch/internal/logger"
	"github.com/vulnwatch/vulnwatch/pkg/types"
)

const (
	defaultPageSize = 100
	maxUploadSize   = 32 << 20 // 32 MB
)

// Handler serves the vulnerability tracking API.
type Handler struct {
	store     core.VulnStore
	importer  *ingest.Importer
	telemetry core.Telemetry
	log       *logger.Logger
}

// NewHandler creates a vulnerability API handler.
func NewHandler(store core.VulnStore, telemetry core.Telemetry, log *logger.Logger) *Handler {
	return &Handler{
		store:     store,
		importer:  ingest.NewImporter(store, telemetry, log),
		telemetry: telemetry,
		log:       log.WithComponent("api"),
	}
}

// RegisterRoutes wires the vulnerability endpoints onto the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.POST("/upload/", h.uploadWorkbook)
	router.GET("/download/template", h.downloadTemplate)

	vulns := router.Group("/vulnerabilities")
	{
		vulns.GET("/", h.listVulnerabilities)
		vulns.GET("/count/", h.countVulnerabilities)
		vulns.GET("/charts/", h.chartData)
		vulns.GET("/:vuln_id/history", h.vulnerabilityHistory)
	}
}

// filterFromQuery builds a store filter from the request query string.
// Unknown parameters are ignored.
func filterFromQuery(c *gin.Context) core.VulnFilter {
	return core.VulnFilter{
		Source:    c.Query("source"),
		Customer:  c.Query("customer"),
		System:    c.Query("system"),
		Owner:     c.Query("owner"),
		AssetIP:   c.Query("asset_ip"),
		AssetPort: c.Query("asset_port"),
		TargetURL: c.Query("target_url"),
		VulnName:  c.Query("vuln_name"),
		Severity:  c.Query("severity"),
		Status:    c.Query("status"),
		StartTime: c.Query("start_time"),
		EndTime:   c.Query("end_time"),
	}
}

func (h *Handler) listVulnerabilities(c *gin.Context) {
	filter := filterFromQuery(c)

	skip, err := strconv.Atoi(c.DefaultQuery("skip", "0"))
	if err != nil || skip < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid skip parameter"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})
		return
	}
	// An explicit limit=0 asks for zero rows, not for no cap.
	if limit == 0 {
		c.JSON(http.StatusOK, []types.Vulnerability{})
		return
	}
	filter.Skip = skip
	filter.Limit = limit

	vulns, err := h.store.ListVulnerabilities(c.Request.Context(), filter)
	if err != nil {
		h.log.LogError(c.Request.Context(), err, "list vulnerabilities failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query vulnerabilities"})
		return
	}

	c.JSON(http.StatusOK, vulns)
}

func (h *Handler) countVulnerabilities(c *gin.Context) {
	filter := filterFromQuery(c)

	total, err := h.store.CountVulnerabilities(c.Request.Context(), filter)
	if err != nil {
		h.log.LogError(c.Request.Context(), err, "count vulnerabilities failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count vulnerabilities"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"total": total})
}

func (h *Handler) chartData(c *gin.Context) {
	filter := filterFromQuery(c)

	data, err := h.store.ChartData(c.Request.Context(), filter)
	if err != nil {
		h.log.LogError(c.Request.Context(), err, "chart aggregation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate chart data"})
		return
	}

	c.JSON(http.StatusOK, data)
}

// An unknown fingerprint is not an error here: the lookup is unfiltered
// and simply yields an empty list.
func (h *Handler) vulnerabilityHistory(c *gin.Context) {
	vulnID := c.Param("vuln_id")

	entries, err := h.store.History(c.Request.Context(), vulnID)
	if err != nil {
		h.log.LogError(c.Request.Context(), err, "history query failed", "vuln_id", vulnID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query history"})
		return
	}

	c.JSON(http.StatusOK, entries)
}

func (h *Handler) uploadWorkbook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".xlsx") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only .xlsx files are supported"})
		return
	}

	start := time.Now()
	summary, err := h.importer.Import(c.Request.Context(), file)
	duration := time.Since(start).Seconds()

	if err != nil {
		h.telemetry.RecordImport(summary, duration, false)

		var missing *ingest.MissingColumnsError
		if errors.As(err, &missing) {
			c.JSON(http.StatusBadRequest, gin.H{"error": missing.Error()})
			return
		}
		h.log.LogError(c.Request.Context(), err, "import failed", "filename", header.Filename)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process workbook"})
		return
	}

	h.telemetry.RecordImport(summary, duration, true)
	h.log.Infow("Workbook imported",
		"filename", header.Filename,
		"processed", summary.Processed,
		"created", summary.Created,
		"updated", summary.Updated,
		"skipped", summary.Skipped,
	)

	c.JSON(http.StatusOK, gin.H{
		"message":   "import completed",
		"status":    "success",
		"processed": summary.Processed,
		"created":   summary.Created,
		"updated":   summary.Updated,
		"skipped":   summary.Skipped,
	})
}

func (h *Handler) downloadTemplate(c *gin.Context) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ingest.TemplateFilename))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")

	if err := ingest.WriteTemplate(c.Writer); err != nil {
		h.log.LogError(c.Request.Context(), err, "template generation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate template"})
	}
}
