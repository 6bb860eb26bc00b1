package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vulnwatch/vulnwatch/internal/ingest"
	"github.com/vulnwatch/vulnwatch/internal/telemetry"
)

var importCmd = &cobra.Command{
	Use:   "import <workbook.xlsx>",
	Short: "Import vulnerability findings from an xlsx workbook",
	Long: `Import vulnerability findings from an xlsx workbook.

Findings are deduplicated by fingerprint: a row matching an existing
finding refreshes its test time and status, a new row creates a finding.
Every row appends a status history entry.

Example:
  vulnwatch import findings.xlsx
  vulnwatch import findings.xlsx --db-dsn /var/lib/vulnwatch/vulnwatch.db`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	path := args[0]

	if !strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return fmt.Errorf("only .xlsx files are supported, got %q", filepath.Ext(path))
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	tel, err := telemetry.New(cmd.Context(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer tel.Close()

	start := time.Now()
	summary, err := ingest.NewImporter(store, tel, log).Import(cmd.Context(), f)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Printf("%s Imported %s in %s\n", green("✓"), filepath.Base(path), time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Processed: %d\n", summary.Processed)
	fmt.Printf("  Created:   %d\n", summary.Created)
	fmt.Printf("  Updated:   %d\n", summary.Updated)
	if summary.Skipped > 0 {
		fmt.Printf("  %s   %d (rows with missing required values)\n", yellow("Skipped:"), summary.Skipped)
	}

	return nil
}
