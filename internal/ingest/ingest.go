package ingest

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/vulnwatch/vulnwatch/internal/core"
	"github.com/vulnwatch/vulnwatch/internal/logger"
	"github.com/vulnwatch/vulnwatch/pkg/types"
)

// MissingColumnsError reports workbook columns the upload must carry but
// does not. It rejects the whole file before any row is processed.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("workbook is missing required columns: %s", strings.Join(e.Columns, ", "))
}

// timeLayouts are the fallback layouts tried after RFC 3339 for the
// test_time cell. ISO 8601 without an offset comes first: RFC 3339 demands
// a Z or zone offset, but exported timestamps routinely omit it.
var timeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
}

// Importer runs spreadsheet batches through the store.
type Importer struct {
	Store     core.VulnStore
	Telemetry core.Telemetry
	Log       *logger.Logger
}

func NewImporter(store core.VulnStore, tel core.Telemetry, log *logger.Logger) *Importer {
	return &Importer{
		Store:     store,
		Telemetry: tel,
		Log:       log.WithComponent("ingest"),
	}
}

// Import parses an .xlsx workbook and reconciles its rows against the store
// in one transaction. Row-level problems are skipped and counted; workbook-
// level problems (unreadable file, missing columns) fail the whole import.
func (im *Importer) Import(ctx context.Context, r io.Reader) (types.ImportSummary, error) {
	start := time.Now()
	ctx, span := im.Log.StartOperation(ctx, "ingest.Import")
	var err error
	defer func() {
		im.Log.FinishOperation(ctx, span, "ingest.Import", start, err)
	}()

	observations, skipped, err := im.parseWorkbook(ctx, r)
	if err != nil {
		return types.ImportSummary{}, err
	}

	summary, err := im.Store.ApplyObservations(ctx, observations)
	if err != nil {
		return types.ImportSummary{}, err
	}
	summary.Skipped += skipped

	for _, obs := range observations {
		im.Telemetry.RecordFinding(obs.Severity)
	}

	im.Log.WithContext(ctx).Infow("Import completed",
		"processed", summary.Processed,
		"created", summary.Created,
		"updated", summary.Updated,
		"skipped", summary.Skipped,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return summary, nil
}

// parseWorkbook reads the first sheet into normalized observations. The
// returned skip count covers rows missing required cells.
func (im *Importer) parseWorkbook(ctx context.Context, r io.Reader) ([]types.Observation, int, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, 0, &MissingColumnsError{Columns: types.RequiredColumns}
	}

	columns := map[string]int{}
	for i, name := range rows[0] {
		columns[strings.TrimSpace(name)] = i
	}

	missing := []string{}
	for _, required := range types.RequiredColumns {
		if _, ok := columns[required]; !ok {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return nil, 0, &MissingColumnsError{Columns: missing}
	}

	cell := func(row []string, name string) string {
		idx := columns[name]
		if idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	observations := []types.Observation{}
	skipped := 0

rowLoop:
	for n, row := range rows[1:] {
		for _, required := range types.RequiredColumns {
			// status defaults later; an empty cell is not a reason to
			// drop the row.
			if required == "status" {
				continue
			}
			if cell(row, required) == "" {
				im.Log.WithContext(ctx).Warnw("Skipping row with missing required field",
					"row", n+2,
					"field", required,
				)
				skipped++
				continue rowLoop
			}
		}

		status := cell(row, "status")
		if status == "" {
			status = types.StatusPresent
		}

		remarks := ""
		if _, ok := columns["remarks"]; ok {
			remarks = cell(row, "remarks")
		}

		asset := types.AssetInfo{
			IP:       cell(row, "asset_ip"),
			Port:     cell(row, "asset_port"),
			URL:      cell(row, "target_url"),
			System:   cell(row, "system"),
			Customer: cell(row, "customer"),
			Owner:    cell(row, "owner"),
		}

		name := cell(row, "vuln_name")

		observations = append(observations, types.Observation{
			VulnID:   types.Fingerprint(name, asset.IP, asset.Port, asset.URL, asset.System, asset.Customer),
			VulnName: name,
			Severity: cell(row, "severity"),
			Details:  cell(row, "details"),
			TestTime: im.parseTestTime(ctx, cell(row, "test_time")),
			Status:   status,
			Asset:    asset,
			Source:   cell(row, "source"),
			Remarks:  remarks,
		})
	}

	return observations, skipped, nil
}

// parseTestTime accepts RFC 3339 (with Z or offset), then the fallback
// layouts, then an Excel serial date. An unparseable value falls back to
// the current time rather than failing the row.
func (im *Importer) parseTestTime(ctx context.Context, value string) time.Time {
	if strings.Contains(value, "T") {
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			return t
		}
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}

	if serial, err := strconv.ParseFloat(value, 64); err == nil {
		if t, err := excelize.ExcelDateToTime(serial, false); err == nil {
			return t
		}
	}

	im.Log.WithContext(ctx).Warnw("Unparseable test_time, using current time",
		"value", value,
	)
	return time.Now()
}
