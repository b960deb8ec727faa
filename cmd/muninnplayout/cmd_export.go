/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/friendsincode/muninn_playout/internal/schedule"
)

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export <schedule-id>",
	Short: "Export a schedule to a file",
	Long:  "Write a built schedule as JSON, CSV, or XML for downstream automation",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Import a schedule from a JSON export",
	Long:  "Load a previously exported schedule envelope into the database under a fresh schedule ID",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "export format: json, csv, xml")
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "output path (default: exporter-chosen filename in the working directory)")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	format, err := schedule.ParseFormat(exportFormat)
	if err != nil {
		return err
	}

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	exporter := schedule.NewExportService(database, logger)
	result, err := exporter.Export(cmd.Context(), args[0], format)
	if err != nil {
		return fmt.Errorf("export schedule: %w", err)
	}

	path := exportOutput
	if path == "" {
		path = result.Filename
	}
	if err := os.WriteFile(path, result.Data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Printf("wrote %s (%d bytes)\n", path, len(result.Data))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	exporter := schedule.NewExportService(database, logger)
	result, err := exporter.ImportJSON(cmd.Context(), file)
	if err != nil {
		return fmt.Errorf("import schedule: %w", err)
	}

	fmt.Printf("imported schedule %s: %d items\n", result.ScheduleID, result.Imported)
	for _, importErr := range result.Errors {
		fmt.Printf("  skipped: %s\n", importErr)
	}
	return nil
}
