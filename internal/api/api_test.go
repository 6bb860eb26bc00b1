package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/vulnwatch/vulnwatch/internal/config"
	"github.com/vulnwatch/vulnwatch/internal/core"
	"github.com/vulnwatch/vulnwatch/internal/database"
	"github.com/vulnwatch/vulnwatch/internal/logger"
	"github.com/vulnwatch/vulnwatch/internal/telemetry"
	"github.com/vulnwatch/vulnwatch/pkg/types"
)

func setupRouter(t *testing.T) (*gin.Engine, core.VulnStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	store, err := database.NewStore(config.DatabaseConfig{
		Driver:         "sqlite3",
		DSN:            ":memory:",
		MaxConnections: 1,
		MaxIdleConns:   1,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tel, err := telemetry.New(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)

	router := gin.New()
	NewHandler(store, tel, log).RegisterRoutes(router)
	return router, store
}

func workbookWithRows(t *testing.T, headers []string, rows [][]string) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)

	cells := make([]interface{}, len(headers))
	for i, h := range headers {
		cells[i] = h
	}
	require.NoError(t, f.SetSheetRow(sheet, "A1", &cells))

	for n, row := range rows {
		cells := make([]interface{}, len(row))
		for i, v := range row {
			cells[i] = v
		}
		require.NoError(t, f.SetSheetRow(sheet, fmt.Sprintf("A%d", n+2), &cells))
	}

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return &buf
}

var fullHeaders = []string{
	"source", "customer", "system", "owner", "asset_ip", "asset_port",
	"target_url", "vuln_name", "severity", "details", "test_time", "status",
}

func sampleRow(vulnName string) []string {
	return []string{
		"scanner", "Acme", "Billing", "alice", "10.0.0.5", "443",
		"https://billing.acme.example/login", vulnName, "高危",
		"SQL injection in login form", "2024-03-01T10:00:00", "存在",
	}
}

func uploadWorkbook(t *testing.T, router *gin.Engine, filename string, content *bytes.Buffer) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestUploadCreatesVulnerabilities(t *testing.T) {
	router, _ := setupRouter(t)

	wb := workbookWithRows(t, fullHeaders, [][]string{
		sampleRow("SQL Injection"),
		sampleRow("XSS"),
	})
	w := uploadWorkbook(t, router, "findings.xlsx", wb)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 2, resp["created"])
	assert.EqualValues(t, 0, resp["updated"])

	req := httptest.NewRequest(http.MethodGet, "/vulnerabilities/", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var vulns []types.Vulnerability
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vulns))
	assert.Len(t, vulns, 2)
}

func TestUploadRejectsNonXLSX(t *testing.T) {
	router, _ := setupRouter(t)

	w := uploadWorkbook(t, router, "findings.csv", bytes.NewBufferString("a,b,c"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), ".xlsx")
}

func TestUploadRejectsMissingColumns(t *testing.T) {
	router, store := setupRouter(t)

	wb := workbookWithRows(t,
		[]string{"source", "customer", "vuln_name"},
		[][]string{{"scanner", "Acme", "SQL Injection"}},
	)
	w := uploadWorkbook(t, router, "findings.xlsx", wb)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing required columns")

	total, err := store.CountVulnerabilities(context.Background(), core.VulnFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestCountEndpointWithFilter(t *testing.T) {
	router, _ := setupRouter(t)

	rowA := sampleRow("SQL Injection")
	rowB := sampleRow("Open Redirect")
	rowB[8] = "低危"
	wb := workbookWithRows(t, fullHeaders, [][]string{rowA, rowB})
	w := uploadWorkbook(t, router, "findings.xlsx", wb)
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/vulnerabilities/count/?severity=高危", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["total"])
}

func TestHistoryEndpoint(t *testing.T) {
	router, _ := setupRouter(t)

	wb := workbookWithRows(t, fullHeaders, [][]string{sampleRow("SQL Injection")})
	w := uploadWorkbook(t, router, "findings.xlsx", wb)
	require.Equal(t, http.StatusOK, w.Code)

	vulnID := types.Fingerprint("SQL Injection", "10.0.0.5", "443",
		"https://billing.acme.example/login", "Billing", "Acme")

	req := httptest.NewRequest(http.MethodGet, "/vulnerabilities/"+vulnID+"/history", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var entries []types.HistoryEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, types.StatusPresent, entries[0].Status)
}

func TestHistoryUnknownFingerprintIsEmpty(t *testing.T) {
	router, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/vulnerabilities/deadbeef/history", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var entries []types.HistoryEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Empty(t, entries)
}

func TestChartsEndpoint(t *testing.T) {
	router, _ := setupRouter(t)

	wb := workbookWithRows(t, fullHeaders, [][]string{sampleRow("SQL Injection")})
	w := uploadWorkbook(t, router, "findings.xlsx", wb)
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/vulnerabilities/charts/", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var data types.ChartData
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &data))
	assert.Equal(t, 1, data.SeverityDistribution["高危"])
	assert.Equal(t, 1, data.StatusDistribution[types.StatusPresent])
}

func TestListPaginationParams(t *testing.T) {
	router, _ := setupRouter(t)

	rows := make([][]string, 0, 3)
	for _, name := range []string{"A", "B", "C"} {
		rows = append(rows, sampleRow(name))
	}
	wb := workbookWithRows(t, fullHeaders, rows)
	w := uploadWorkbook(t, router, "findings.xlsx", wb)
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/vulnerabilities/?skip=1&limit=1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var vulns []types.Vulnerability
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vulns))
	assert.Len(t, vulns, 1)

	// limit=0 is a valid request for zero rows, with or without a skip.
	for _, target := range []string{"/vulnerabilities/?limit=0", "/vulnerabilities/?limit=0&skip=1"} {
		req = httptest.NewRequest(http.MethodGet, target, nil)
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, target)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vulns))
		assert.Empty(t, vulns, target)
	}

	req = httptest.NewRequest(http.MethodGet, "/vulnerabilities/?skip=-1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDownloadTemplate(t *testing.T) {
	router, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/download/template", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")

	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	rows, err := f.GetRows(f.GetSheetName(0))
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Contains(t, rows[0], "vuln_name")
}
