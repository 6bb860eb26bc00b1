package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vulnwatch/vulnwatch/internal/ingest"
)

var templateOutput string

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Write the xlsx import template to a file",
	Long: `Write the xlsx import template to a file.

The template contains the required column headers and one example row.
Fill it in and feed it back with "vulnwatch import" or POST /upload/.`,
	RunE: runTemplate,
}

func init() {
	rootCmd.AddCommand(templateCmd)

	templateCmd.Flags().StringVarP(&templateOutput, "output", "o", ingest.TemplateFilename, "output file path")
}

func runTemplate(cmd *cobra.Command, args []string) error {
	f, err := os.Create(templateOutput)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", templateOutput, err)
	}
	defer f.Close()

	if err := ingest.WriteTemplate(f); err != nil {
		return fmt.Errorf("failed to write template: %w", err)
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s Template written to %s\n", green("✓"), templateOutput)
	return nil
}
