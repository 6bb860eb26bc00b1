package ingest

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

// TemplateFilename is the attachment name for the downloadable template.
const TemplateFilename = "vulnerability_template.xlsx"

// templateColumns is the full header row of the upload template: the
// required columns plus optional remarks.
var templateColumns = []string{
	"source", "customer", "system", "owner", "asset_ip", "asset_port",
	"target_url", "vuln_name", "severity", "details", "test_time", "status",
	"remarks",
}

// WriteTemplate writes an .xlsx upload template with the expected headers
// and one example row.
func WriteTemplate(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)

	if err := f.SetSheetRow(sheet, "A1", &templateColumns); err != nil {
		return fmt.Errorf("failed to write template header: %w", err)
	}

	example := []interface{}{
		"扫描器/手动测试",
		"客户名称",
		"系统名称",
		"负责人",
		"192.168.1.1",
		"80",
		"http://example.com",
		"漏洞名称",
		"高危/中危/低危",
		"漏洞详情描述",
		time.Now().Format("2006-01-02 15:04:05"),
		"存在/不存在",
		"备注信息",
	}
	if err := f.SetSheetRow(sheet, "A2", &example); err != nil {
		return fmt.Errorf("failed to write template example row: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write template workbook: %w", err)
	}
	return nil
}
