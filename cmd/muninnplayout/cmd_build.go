/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/muninn_playout/internal/clock"
	"github.com/friendsincode/muninn_playout/internal/events"
	"github.com/friendsincode/muninn_playout/internal/inventory"
	"github.com/friendsincode/muninn_playout/internal/rotation"
	"github.com/friendsincode/muninn_playout/internal/timeline"
)

var (
	buildStationID string
	buildClockID   string
	buildFrom      string
	buildHours     int
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a schedule offline",
	Long:  "Resolve the station clock over a window and persist the resulting schedule without starting the server",
	RunE:  runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildStationID, "station", "", "station ID (required)")
	buildCmd.Flags().StringVar(&buildClockID, "clock", "", "station clock ID (required)")
	buildCmd.Flags().StringVar(&buildFrom, "from", "", "window start, RFC3339 (default: top of the next hour)")
	buildCmd.Flags().IntVar(&buildHours, "hours", 24, "window length in hours")
	_ = buildCmd.MarkFlagRequired("station")
	_ = buildCmd.MarkFlagRequired("clock")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if buildHours <= 0 {
		return fmt.Errorf("--hours must be positive")
	}

	startsAt := time.Now().UTC().Truncate(time.Hour).Add(time.Hour)
	if buildFrom != "" {
		parsed, err := time.Parse(time.RFC3339, buildFrom)
		if err != nil {
			return fmt.Errorf("parse --from: %w", err)
		}
		startsAt = parsed
	}
	endsAt := startsAt.Add(time.Duration(buildHours) * time.Hour)

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	builder := timeline.NewBuilder(
		database,
		inventory.NewService(database, logger),
		clock.NewResolver(database, logger),
		rotation.NewEngine(logger),
		events.NewBus(),
		cfg,
		logger,
	)

	sched, report, err := builder.Build(cmd.Context(), timeline.BuildRequest{
		StationID: buildStationID,
		ClockID:   buildClockID,
		StartsAt:  startsAt,
		EndsAt:    endsAt,
	})
	if err != nil {
		return fmt.Errorf("build schedule: %w", err)
	}

	fmt.Printf("schedule %s: %d hours, %d trimmed, %d dropped, %d failed\n",
		sched.ID, len(report.Hours), report.Trimmed, report.Dropped, report.Failed)
	for _, hour := range report.Hours {
		status := "ok"
		if len(hour.Errors) > 0 {
			status = hour.Errors[0]
		}
		fmt.Printf("  %s  items=%d  %s\n", hour.LocalLabel, hour.Items, status)
	}
	return nil
}
