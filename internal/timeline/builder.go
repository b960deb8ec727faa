/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/muninn_playout/internal/clock"
	"github.com/friendsincode/muninn_playout/internal/config"
	"github.com/friendsincode/muninn_playout/internal/events"
	"github.com/friendsincode/muninn_playout/internal/inventory"
	"github.com/friendsincode/muninn_playout/internal/models"
	"github.com/friendsincode/muninn_playout/internal/rotation"
	"github.com/friendsincode/muninn_playout/internal/segment"
	"github.com/friendsincode/muninn_playout/internal/telemetry"
)

// BuildRequest describes a schedule materialization window. StartsAt and
// EndsAt are absolute instants; hour alignment happens in the station's
// timezone.
type BuildRequest struct {
	StationID string
	ClockID   string
	StartsAt  time.Time
	EndsAt    time.Time
}

// HourReport is the build outcome for one broadcast hour.
type HourReport struct {
	HourStart  time.Time `json:"hour_start"`
	LocalLabel string    `json:"local_label"`
	TemplateID string    `json:"template_id,omitempty"`
	Items      int       `json:"items"`
	Trimmed    int       `json:"trimmed"`
	Dropped    int       `json:"dropped"`
	Notes      []string  `json:"notes,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
}

// BuildReport aggregates per-hour outcomes. A build keeps going past hour
// failures; callers inspect the report to see which hours came up short.
type BuildReport struct {
	ScheduleID string       `json:"schedule_id"`
	Hours      []HourReport `json:"hours"`
	Trimmed    int          `json:"trimmed"`
	Dropped    int          `json:"dropped"`
	Failed     int          `json:"failed_hours"`
}

// Builder materializes schedules from clocks, rotation pools, and history.
type Builder struct {
	db        *gorm.DB
	inventory *inventory.Service
	resolver  *clock.Resolver
	planner   *hourPlanner
	bus       *events.Bus
	segments  segment.Generator
	logger    zerolog.Logger
	jobs      chan string
}

// NewBuilder creates a schedule builder.
func NewBuilder(database *gorm.DB, inv *inventory.Service, resolver *clock.Resolver, engine *rotation.Engine, bus *events.Bus, cfg *config.Config, logger zerolog.Logger) *Builder {
	log := logger.With().Str("component", "timeline").Logger()
	return &Builder{
		db:        database,
		inventory: inv,
		resolver:  resolver,
		planner: &hourPlanner{
			engine:     engine,
			logger:     log,
			maxTrim:    cfg.BacktimeMaxTrim,
			dropBehind: cfg.BacktimeDropBehind,
		},
		bus:    bus,
		logger: log,
		jobs:   make(chan string, 64),
	}
}

// WithSegmentGenerator routes filler gaps to an external segment producer.
// Without one, gaps stay as silent filler positions.
func (b *Builder) WithSegmentGenerator(gen segment.Generator) *Builder {
	b.segments = gen
	return b
}

// Build materializes a schedule for the request window synchronously. The
// schedule row is created up front in building state so observers can watch
// progress; it flips to ready or failed when the build settles. Hour failures
// are aggregated into the report rather than aborting the build; only
// cancellation and storage errors fail the schedule outright.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (models.Schedule, BuildReport, error) {
	schedule, err := b.prepare(ctx, req, models.ScheduleBuilding)
	if err != nil {
		return models.Schedule{}, BuildReport{}, err
	}
	report, err := b.execute(ctx, &schedule)
	return schedule, report, err
}

// Enqueue validates the request, creates the schedule row in queued state,
// and hands the build to the queue worker. Returns immediately; the row's
// status tracks progress from there.
func (b *Builder) Enqueue(ctx context.Context, req BuildRequest) (models.Schedule, error) {
	schedule, err := b.prepare(ctx, req, models.ScheduleQueued)
	if err != nil {
		return models.Schedule{}, err
	}

	b.bus.Publish(events.EventScheduleQueued, events.Payload{
		"schedule_id": schedule.ID,
		"station_id":  schedule.StationID,
	})

	select {
	case b.jobs <- schedule.ID:
	default:
		err := fmt.Errorf("build queue full")
		b.db.WithContext(ctx).Model(&schedule).Updates(map[string]any{
			"status": models.ScheduleFailed,
			"error":  err.Error(),
		})
		return models.Schedule{}, err
	}
	return schedule, nil
}

// RunQueue drains queued builds one at a time until the context ends. One
// worker per process keeps builds serialized against the play history they
// read.
func (b *Builder) RunQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case scheduleID := <-b.jobs:
			b.buildQueued(ctx, scheduleID)
		}
	}
}

func (b *Builder) buildQueued(ctx context.Context, scheduleID string) {
	var schedule models.Schedule
	if err := b.db.WithContext(ctx).First(&schedule, "id = ?", scheduleID).Error; err != nil {
		b.logger.Error().Err(err).Str("schedule_id", scheduleID).Msg("queued schedule vanished")
		return
	}
	if schedule.Status != models.ScheduleQueued {
		b.logger.Warn().
			Str("schedule_id", scheduleID).
			Str("status", string(schedule.Status)).
			Msg("skipping queued build, schedule moved on")
		return
	}
	if _, err := b.execute(ctx, &schedule); err != nil {
		b.logger.Error().Err(err).Str("schedule_id", scheduleID).Msg("queued build failed")
	}
}

// prepare validates the window against the station and creates the schedule
// row in the given initial status.
func (b *Builder) prepare(ctx context.Context, req BuildRequest, status models.ScheduleStatus) (models.Schedule, error) {
	var station models.Station
	if err := b.db.WithContext(ctx).First(&station, "id = ?", req.StationID).Error; err != nil {
		return models.Schedule{}, fmt.Errorf("load station: %w", err)
	}
	loc, err := time.LoadLocation(station.Timezone)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("station timezone %q: %w", station.Timezone, err)
	}

	startsAt := alignHour(req.StartsAt.In(loc))
	endsAt := alignHour(req.EndsAt.In(loc))
	if !endsAt.After(startsAt) {
		return models.Schedule{}, fmt.Errorf("window %s..%s is empty after hour alignment", req.StartsAt, req.EndsAt)
	}

	schedule := models.Schedule{
		ID:             uuid.NewString(),
		StationID:      req.StationID,
		StationClockID: req.ClockID,
		Timezone:       station.Timezone,
		StartsAt:       startsAt,
		EndsAt:         endsAt,
		Status:         status,
	}
	if err := b.db.WithContext(ctx).Create(&schedule).Error; err != nil {
		return models.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	return schedule, nil
}

// execute runs the hour builds for a prepared schedule and settles its
// status.
func (b *Builder) execute(ctx context.Context, schedule *models.Schedule) (BuildReport, error) {
	started := time.Now()

	loc, err := time.LoadLocation(schedule.Timezone)
	if err != nil {
		return BuildReport{}, fmt.Errorf("schedule timezone %q: %w", schedule.Timezone, err)
	}

	if schedule.Status != models.ScheduleBuilding {
		schedule.Status = models.ScheduleBuilding
		if err := b.db.WithContext(ctx).Model(schedule).Update("status", schedule.Status).Error; err != nil {
			return BuildReport{}, fmt.Errorf("mark schedule building: %w", err)
		}
	}

	report, buildErr := b.buildHours(ctx, schedule, loc)
	report.ScheduleID = schedule.ID

	if buildErr != nil {
		schedule.Status = models.ScheduleFailed
		schedule.Error = buildErr.Error()
		b.db.WithContext(ctx).Model(schedule).Updates(map[string]any{"status": schedule.Status, "error": schedule.Error})
		b.bus.Publish(events.EventScheduleFailed, events.Payload{
			"schedule_id": schedule.ID,
			"error":       buildErr.Error(),
		})
		telemetry.ScheduleBuildsTotal.WithLabelValues("failed").Inc()
		return report, buildErr
	}

	schedule.Status = models.ScheduleReady
	if err := b.db.WithContext(ctx).Model(schedule).Update("status", schedule.Status).Error; err != nil {
		return report, fmt.Errorf("mark schedule ready: %w", err)
	}

	b.bus.Publish(events.EventScheduleReady, events.Payload{
		"schedule_id":  schedule.ID,
		"hours":        len(report.Hours),
		"failed_hours": report.Failed,
	})
	telemetry.ScheduleBuildsTotal.WithLabelValues("ready").Inc()
	telemetry.ScheduleBuildDuration.Observe(time.Since(started).Seconds())

	b.logger.Info().
		Str("schedule_id", schedule.ID).
		Int("hours", len(report.Hours)).
		Int("failed_hours", report.Failed).
		Int("trimmed", report.Trimmed).
		Int("dropped", report.Dropped).
		Dur("took", time.Since(started)).
		Msg("schedule built")

	return report, nil
}

func (b *Builder) buildHours(ctx context.Context, schedule *models.Schedule, loc *time.Location) (BuildReport, error) {
	snap, err := b.inventory.Snapshot(ctx, schedule.StationID)
	if err != nil {
		return BuildReport{}, fmt.Errorf("inventory snapshot: %w", err)
	}

	var report BuildReport
	position := 0
	cursor := schedule.StartsAt

	for hourStart := schedule.StartsAt; hourStart.Before(schedule.EndsAt); hourStart = hourStart.Add(time.Hour) {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("build cancelled at %s: %w", hourStart.Format(time.RFC3339), err)
		}

		local := hourStart.In(loc)
		hr := HourReport{
			HourStart:  hourStart,
			LocalLabel: local.Format("2006-01-02 15:04 MST"),
		}
		annotateDST(&hr, hourStart, loc)

		resolved, err := b.resolver.ResolveHour(ctx, schedule.StationClockID, local)
		if err != nil {
			hr.Errors = append(hr.Errors, err.Error())
			report.Failed++
			report.Hours = append(report.Hours, hr)
			telemetry.ResolutionErrorsTotal.WithLabelValues(errorKind(err)).Inc()
			// Nothing scheduled for this hour; restart cleanly at the
			// next boundary.
			cursor = hourStart.Add(time.Hour)
			continue
		}
		hr.TemplateID = resolved.TemplateID

		hourEnd := hourStart.Add(time.Hour)
		if !cursor.After(hourStart) {
			cursor = hourStart
		}
		plan := b.planner.plan(snap, resolved, cursor, hourEnd.Sub(cursor))

		hr.Errors = append(hr.Errors, plan.errs...)
		hr.Notes = append(hr.Notes, plan.notes...)
		hr.Trimmed = plan.trimmed
		hr.Dropped = plan.dropped
		hr.Items = len(plan.items)
		report.Trimmed += plan.trimmed
		report.Dropped += plan.dropped
		if len(plan.errs) > 0 {
			report.Failed++
			for range plan.errs {
				telemetry.ResolutionErrorsTotal.WithLabelValues("slot_unresolved").Inc()
			}
		}

		rows := make([]models.ScheduleItem, 0, len(plan.items))
		for _, planned := range plan.items {
			row := models.ScheduleItem{
				ID:         uuid.NewString(),
				ScheduleID: schedule.ID,
				Position:   position,
				StartsAt:   cursor,
				EndsAt:     cursor.Add(planned.duration),
				SlotType:   planned.slot.Type,
				SlotID:     planned.slot.ID,
				TemplateID: resolved.TemplateID,
				CategoryID: planned.slot.CategoryID,
				Mandatory:  planned.slot.Mandatory,
				TrimRatio:  planned.trimRatio,
			}
			if planned.item != nil {
				row.ItemID = planned.item.ID
				row.Metadata = map[string]any{
					"artist": planned.item.Artist,
					"title":  planned.item.Title,
					"kind":   string(planned.item.Kind),
				}
			}
			if planned.slot.Type == models.SlotFiller && b.segments != nil {
				b.fillWithSegment(ctx, schedule.StationID, &row, &hr, rows)
			}
			rows = append(rows, row)
			position++
			cursor = row.EndsAt
		}

		if len(rows) > 0 {
			if err := b.db.WithContext(ctx).CreateInBatches(rows, 100).Error; err != nil {
				return report, fmt.Errorf("persist hour %s: %w", hourStart.Format(time.RFC3339), err)
			}
			schedule.Items = append(schedule.Items, rows...)
		}

		report.Hours = append(report.Hours, hr)
	}

	return report, nil
}

// fillWithSegment asks the external producer for content covering a filler
// gap. Generation failures leave the filler silent; the hour still lands on
// its boundary either way.
func (b *Builder) fillWithSegment(ctx context.Context, stationID string, row *models.ScheduleItem, hr *HourReport, priorRows []models.ScheduleItem) {
	req := segment.Request{
		StationID: stationID,
		At:        row.StartsAt,
		Duration:  row.EndsAt.Sub(row.StartsAt),
	}
	for i := len(priorRows) - 1; i >= 0; i-- {
		if priorRows[i].Metadata == nil {
			continue
		}
		req.PreviousTitle, _ = priorRows[i].Metadata["title"].(string)
		req.PreviousArtist, _ = priorRows[i].Metadata["artist"].(string)
		break
	}

	seg, err := b.segments.Generate(ctx, req)
	if err != nil {
		hr.Notes = append(hr.Notes, fmt.Sprintf("segment generation failed: %v", err))
		return
	}
	row.Metadata = map[string]any{
		"title":      seg.Title,
		"asset_path": seg.AssetPath,
		"kind":       "generated",
	}
	hr.Notes = append(hr.Notes, fmt.Sprintf("filler covered by generated segment %q", seg.Title))
}

// annotateDST notes skipped and repeated local hours around daylight saving
// transitions. Hours advance in absolute time, so a spring-forward hour
// simply never appears and a fall-back hour appears twice; the notes make
// that visible in the report.
func annotateDST(hr *HourReport, hourStart time.Time, loc *time.Location) {
	local := hourStart.In(loc)
	nextLocal := hourStart.Add(time.Hour).In(loc)
	prevLocal := hourStart.Add(-time.Hour).In(loc)

	_, offNow := local.Zone()
	_, offNext := nextLocal.Zone()
	_, offPrev := prevLocal.Zone()

	if offNext > offNow {
		hr.Notes = append(hr.Notes, "next local hour skipped (DST spring forward)")
	}
	if offPrev > offNow && prevLocal.Hour() == local.Hour() {
		hr.Notes = append(hr.Notes, "repeated local hour (DST fall back)")
	}
}

func alignHour(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

func errorKind(err error) string {
	var notFound *clock.TemplateNotFoundError
	if errors.As(err, &notFound) {
		return "template_not_found"
	}
	return "resolve_failed"
}
