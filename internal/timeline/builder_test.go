/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package timeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/muninn_playout/internal/clock"
	"github.com/friendsincode/muninn_playout/internal/config"
	"github.com/friendsincode/muninn_playout/internal/events"
	"github.com/friendsincode/muninn_playout/internal/inventory"
	"github.com/friendsincode/muninn_playout/internal/models"
	"github.com/friendsincode/muninn_playout/internal/rotation"
	"github.com/friendsincode/muninn_playout/internal/segment"
)

type builderFixture struct {
	db      *gorm.DB
	builder *Builder
	station models.Station
	clockID string
}

func newBuilderFixture(t *testing.T, timezone string) *builderFixture {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(
		&models.Station{}, &models.Daypart{}, &models.StationClock{},
		&models.HourTemplate{}, &models.TemplateSlot{},
		&models.RotationCategory{}, &models.Rule{}, &models.CatalogItem{},
		&models.PlayHistory{}, &models.Schedule{}, &models.ScheduleItem{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	station := models.Station{ID: uuid.NewString(), Name: "Test FM", Timezone: timezone}
	if err := database.Create(&station).Error; err != nil {
		t.Fatalf("create station: %v", err)
	}

	daypart := models.Daypart{ID: uuid.NewString(), StationID: station.ID, Name: "all day", StartHour: 0, EndHour: 0}
	if err := database.Create(&daypart).Error; err != nil {
		t.Fatalf("create daypart: %v", err)
	}

	category := models.RotationCategory{ID: uuid.NewString(), StationID: station.ID, Name: "Music"}
	if err := database.Create(&category).Error; err != nil {
		t.Fatalf("create category: %v", err)
	}
	for i := 0; i < 5; i++ {
		item := models.CatalogItem{
			ID:         uuid.NewString(),
			StationID:  station.ID,
			CategoryID: category.ID,
			Title:      "Track",
			Artist:     "Artist",
			Kind:       models.KindMusic,
			Duration:   3 * time.Minute,
		}
		if err := database.Create(&item).Error; err != nil {
			t.Fatalf("create item: %v", err)
		}
	}

	stationClock := models.StationClock{ID: uuid.NewString(), StationID: station.ID, Name: "main", Version: 1, Published: true}
	if err := database.Create(&stationClock).Error; err != nil {
		t.Fatalf("create clock: %v", err)
	}
	template := models.HourTemplate{
		ID:             uuid.NewString(),
		StationClockID: stationClock.ID,
		DaypartID:      daypart.ID,
		Version:        1,
		Published:      true,
	}
	if err := database.Create(&template).Error; err != nil {
		t.Fatalf("create template: %v", err)
	}
	slot := models.TemplateSlot{
		ID:              uuid.NewString(),
		HourTemplateID:  template.ID,
		Type:            models.SlotRotation,
		CategoryID:      category.ID,
		OffsetSeconds:   0,
		DurationSeconds: 3600,
	}
	if err := database.Create(&slot).Error; err != nil {
		t.Fatalf("create slot: %v", err)
	}

	cfg := &config.Config{BacktimeMaxTrim: 0.06, BacktimeDropBehind: 15 * time.Second}
	builder := NewBuilder(
		database,
		inventory.NewService(database, zerolog.Nop()),
		clock.NewResolver(database, zerolog.Nop()),
		rotation.NewEngine(zerolog.Nop()),
		events.NewBus(),
		cfg,
		zerolog.Nop(),
	)
	return &builderFixture{db: database, builder: builder, station: station, clockID: stationClock.ID}
}

func TestBuildProducesContiguousNonOverlappingItems(t *testing.T) {
	f := newBuilderFixture(t, "UTC")
	start := time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)

	sched, report, err := f.builder.Build(context.Background(), BuildRequest{
		StationID: f.station.ID,
		ClockID:   f.clockID,
		StartsAt:  start,
		EndsAt:    start.Add(3 * time.Hour),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if sched.Status != models.ScheduleReady {
		t.Fatalf("status = %s, want ready", sched.Status)
	}
	if len(report.Hours) != 3 || report.Failed != 0 {
		t.Fatalf("report hours = %d failed = %d", len(report.Hours), report.Failed)
	}

	var items []models.ScheduleItem
	if err := f.db.Where("schedule_id = ?", sched.ID).Order("position ASC").Find(&items).Error; err != nil {
		t.Fatalf("load items: %v", err)
	}
	if len(items) == 0 {
		t.Fatal("no items persisted")
	}
	for i := 1; i < len(items); i++ {
		if items[i].Overlaps(items[i-1]) {
			t.Fatalf("items %d and %d overlap", i-1, i)
		}
		if !items[i].StartsAt.Equal(items[i-1].EndsAt) {
			t.Fatalf("gap between items %d and %d", i-1, i)
		}
	}
	if !items[len(items)-1].EndsAt.Equal(sched.EndsAt) {
		t.Fatalf("last item ends %v, want %v", items[len(items)-1].EndsAt, sched.EndsAt)
	}
}

func TestBuildSpringForwardSkipsMissingLocalHour(t *testing.T) {
	f := newBuilderFixture(t, "America/New_York")
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// US DST starts 2026-03-08: local 02:00 does not exist.
	start := time.Date(2026, 3, 8, 0, 0, 0, 0, loc)
	end := time.Date(2026, 3, 8, 6, 0, 0, 0, loc)

	sched, report, err := f.builder.Build(context.Background(), BuildRequest{
		StationID: f.station.ID,
		ClockID:   f.clockID,
		StartsAt:  start,
		EndsAt:    end,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// Five absolute hours cover local 00,01,03,04,05.
	if len(report.Hours) != 5 {
		t.Fatalf("hours = %d, want 5 across spring forward", len(report.Hours))
	}
	seen := map[string]bool{}
	for _, hr := range report.Hours {
		seen[hr.LocalLabel[11:13]] = true
	}
	if seen["02"] {
		t.Fatal("nonexistent local 02:00 must not be scheduled")
	}
	noted := false
	for _, hr := range report.Hours {
		for _, note := range hr.Notes {
			if strings.Contains(note, "spring forward") {
				noted = true
			}
		}
	}
	if !noted {
		t.Fatal("spring forward note missing from report")
	}
	if sched.Status != models.ScheduleReady {
		t.Fatalf("status = %s", sched.Status)
	}
}

func TestBuildFallBackSchedulesRepeatedLocalHour(t *testing.T) {
	f := newBuilderFixture(t, "America/New_York")
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// US DST ends 2026-11-01: local 01:00 occurs twice.
	start := time.Date(2026, 11, 1, 0, 0, 0, 0, loc)
	end := start.Add(4 * time.Hour)

	_, report, err := f.builder.Build(context.Background(), BuildRequest{
		StationID: f.station.ID,
		ClockID:   f.clockID,
		StartsAt:  start,
		EndsAt:    end,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	ones := 0
	for _, hr := range report.Hours {
		if hr.LocalLabel[11:13] == "01" {
			ones++
		}
	}
	if ones != 2 {
		t.Fatalf("local 01:00 scheduled %d times, want 2 across fall back", ones)
	}
}

func TestBuildReportsMissingTemplateHour(t *testing.T) {
	f := newBuilderFixture(t, "UTC")
	// Restrict the daypart to mornings so evening hours have no template.
	if err := f.db.Model(&models.Daypart{}).Where("station_id = ?", f.station.ID).
		Updates(map[string]any{"start_hour": 6, "end_hour": 10}).Error; err != nil {
		t.Fatalf("update daypart: %v", err)
	}

	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	sched, report, err := f.builder.Build(context.Background(), BuildRequest{
		StationID: f.station.ID,
		ClockID:   f.clockID,
		StartsAt:  start,
		EndsAt:    start.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("build should aggregate hour failures, got %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("failed hours = %d, want 1 (10:00 outside daypart)", report.Failed)
	}
	if sched.Status != models.ScheduleReady {
		t.Fatalf("status = %s, partial schedules still publish", sched.Status)
	}
}

func TestEnqueueCreatesQueuedRowAndWorkerFinishesIt(t *testing.T) {
	f := newBuilderFixture(t, "UTC")
	ctx := context.Background()
	start := time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)

	sched, err := f.builder.Enqueue(ctx, BuildRequest{
		StationID: f.station.ID,
		ClockID:   f.clockID,
		StartsAt:  start,
		EndsAt:    start.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if sched.Status != models.ScheduleQueued {
		t.Fatalf("status = %s, want queued before the worker runs", sched.Status)
	}

	var row models.Schedule
	if err := f.db.First(&row, "id = ?", sched.ID).Error; err != nil {
		t.Fatalf("load schedule: %v", err)
	}
	if row.Status != models.ScheduleQueued {
		t.Fatalf("persisted status = %s, want queued", row.Status)
	}

	// Drain the job the way the queue worker does, without the goroutine.
	select {
	case id := <-f.builder.jobs:
		if id != sched.ID {
			t.Fatalf("queued job = %s, want %s", id, sched.ID)
		}
		f.builder.buildQueued(ctx, id)
	default:
		t.Fatal("enqueue left nothing on the queue")
	}

	if err := f.db.First(&row, "id = ?", sched.ID).Error; err != nil {
		t.Fatalf("reload schedule: %v", err)
	}
	if row.Status != models.ScheduleReady {
		t.Fatalf("status = %s, want ready after worker", row.Status)
	}
	var items int64
	f.db.Model(&models.ScheduleItem{}).Where("schedule_id = ?", sched.ID).Count(&items)
	if items == 0 {
		t.Fatal("worker persisted no items")
	}
}

func TestBuildQueuedSkipsSettledSchedule(t *testing.T) {
	f := newBuilderFixture(t, "UTC")
	ctx := context.Background()
	start := time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)

	sched, err := f.builder.Enqueue(ctx, BuildRequest{
		StationID: f.station.ID,
		ClockID:   f.clockID,
		StartsAt:  start,
		EndsAt:    start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.db.Model(&models.Schedule{}).Where("id = ?", sched.ID).
		Update("status", models.ScheduleFailed).Error; err != nil {
		t.Fatalf("settle schedule: %v", err)
	}

	f.builder.buildQueued(ctx, sched.ID)

	var items int64
	f.db.Model(&models.ScheduleItem{}).Where("schedule_id = ?", sched.ID).Count(&items)
	if items != 0 {
		t.Fatal("settled schedule must not be rebuilt")
	}
}

func TestBuildCancelledBetweenHours(t *testing.T) {
	f := newBuilderFixture(t, "UTC")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)
	sched, _, err := f.builder.Build(ctx, BuildRequest{
		StationID: f.station.ID,
		ClockID:   f.clockID,
		StartsAt:  start,
		EndsAt:    start.Add(2 * time.Hour),
	})
	if err == nil {
		t.Fatal("cancelled build must fail")
	}
	if sched.ID != "" && sched.Status != models.ScheduleFailed {
		t.Fatalf("status = %s, want failed", sched.Status)
	}
}

type stubSegmentGenerator struct {
	calls int
}

func (s *stubSegmentGenerator) Generate(ctx context.Context, req segment.Request) (segment.Segment, error) {
	s.calls++
	return segment.Segment{Title: "station liner", AssetPath: "/gen/liner.wav", Duration: req.Duration}, nil
}

func TestBuildFillerCoveredByGeneratedSegment(t *testing.T) {
	f := newBuilderFixture(t, "UTC")
	gen := &stubSegmentGenerator{}
	f.builder.WithSegmentGenerator(gen)

	start := time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)
	sched, _, err := f.builder.Build(context.Background(), BuildRequest{
		StationID: f.station.ID,
		ClockID:   f.clockID,
		StartsAt:  start,
		EndsAt:    start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if gen.calls == 0 {
		t.Fatal("generator never consulted for the filler gap")
	}

	var covered bool
	for _, item := range sched.Items {
		if item.SlotType != models.SlotFiller {
			continue
		}
		if kind, _ := item.Metadata["kind"].(string); kind == "generated" {
			covered = true
		}
	}
	if !covered {
		t.Fatal("filler item missing generated segment metadata")
	}
}
