/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/muninn_playout/internal/config"
	"github.com/friendsincode/muninn_playout/internal/events"
	"github.com/friendsincode/muninn_playout/internal/inventory"
	"github.com/friendsincode/muninn_playout/internal/models"
	"github.com/friendsincode/muninn_playout/internal/rotation"
)

type fakeEngine struct {
	mu         sync.Mutex
	preloadErr error
	plays      []string
	profiles   []ProfileName
	segue      bool
	onEnd      func()
	levels     chan LevelSample
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{levels: make(chan LevelSample, 8)}
}

func (f *fakeEngine) Preload(ctx context.Context, assetPath string) error {
	return f.preloadErr
}

func (f *fakeEngine) Play(ctx context.Context, assetPath string, profile Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(f.plays, assetPath)
	f.profiles = append(f.profiles, profile.Name)
	return nil
}

func (f *fakeEngine) SegueActive() bool          { return f.segue }
func (f *fakeEngine) SetOnTrackEnd(fn func())    { f.onEnd = fn }
func (f *fakeEngine) Levels() <-chan LevelSample { return f.levels }
func (f *fakeEngine) Close() error               { return nil }

func (f *fakeEngine) played() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.plays...)
}

func (f *fakeEngine) lastProfile() ProfileName {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.profiles) == 0 {
		return ""
	}
	return f.profiles[len(f.profiles)-1]
}

type seqFixture struct {
	seq     *Sequencer
	engine  *fakeEngine
	bus     *events.Bus
	db      *gorm.DB
	station string
}

func newSeqFixture(t *testing.T) *seqFixture {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(
		&models.RotationCategory{}, &models.Rule{}, &models.CatalogItem{},
		&models.PlayHistory{}, &models.Schedule{}, &models.ScheduleItem{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := &config.Config{
		SilenceThresholdDB:  -45,
		SilenceTrigger:      1500 * time.Millisecond,
		RecoveryThresholdDB: -35,
		RecoveryHold:        3 * time.Second,
		PreloadTimeout:      time.Second,
	}

	engine := newFakeEngine()
	bus := events.NewBus()
	inv := inventory.NewService(database, zerolog.Nop())
	rot := rotation.NewEngine(zerolog.Nop())
	seq := NewSequencer(database, engine, inv, rot, bus, cfg, zerolog.Nop())

	return &seqFixture{seq: seq, engine: engine, bus: bus, db: database, station: uuid.NewString()}
}

// seedSchedule creates a ready schedule of resolved music items plus one
// unresolved filler between the first two.
func (f *seqFixture) seedSchedule(t *testing.T, count int) []models.CatalogItem {
	t.Helper()
	now := time.Now().UTC()
	sched := models.Schedule{
		ID:        uuid.NewString(),
		StationID: f.station,
		Timezone:  "UTC",
		StartsAt:  now.Add(-time.Minute),
		EndsAt:    now.Add(time.Hour),
		Status:    models.ScheduleReady,
	}
	if err := f.db.Create(&sched).Error; err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	catalog := make([]models.CatalogItem, 0, count)
	cursor := sched.StartsAt
	pos := 0
	for i := 0; i < count; i++ {
		item := models.CatalogItem{
			ID:        uuid.NewString(),
			StationID: f.station,
			Title:     "Track",
			Artist:    "Artist",
			Kind:      models.KindMusic,
			Tempo:     120,
			Duration:  3 * time.Minute,
			AssetPath: "/music/track-" + uuid.NewString() + ".flac",
		}
		if err := f.db.Create(&item).Error; err != nil {
			t.Fatalf("create catalog item: %v", err)
		}
		catalog = append(catalog, item)

		row := models.ScheduleItem{
			ID:         uuid.NewString(),
			ScheduleID: sched.ID,
			Position:   pos,
			StartsAt:   cursor,
			EndsAt:     cursor.Add(item.Duration),
			SlotType:   models.SlotRotation,
			ItemID:     item.ID,
		}
		if err := f.db.Create(&row).Error; err != nil {
			t.Fatalf("create schedule item: %v", err)
		}
		cursor = row.EndsAt
		pos++

		if i == 0 {
			filler := models.ScheduleItem{
				ID:         uuid.NewString(),
				ScheduleID: sched.ID,
				Position:   pos,
				StartsAt:   cursor,
				EndsAt:     cursor.Add(10 * time.Second),
				SlotType:   models.SlotFiller,
			}
			if err := f.db.Create(&filler).Error; err != nil {
				t.Fatalf("create filler: %v", err)
			}
			cursor = filler.EndsAt
			pos++
		}
	}

	if err := f.seq.Load(context.Background(), sched.ID); err != nil {
		t.Fatalf("load: %v", err)
	}
	return catalog
}

func TestSequencerStartsFirstResolvedItem(t *testing.T) {
	f := newSeqFixture(t)
	catalog := f.seedSchedule(t, 3)
	started := f.bus.Subscribe(events.EventItemStarted)

	f.seq.startNext(context.Background())

	if f.seq.State() != StatePlaying {
		t.Fatalf("state = %s, want playing", f.seq.State())
	}
	plays := f.engine.played()
	if len(plays) != 1 || plays[0] != catalog[0].AssetPath {
		t.Fatalf("plays = %v, want first item", plays)
	}
	select {
	case payload := <-started:
		if payload["item_id"] != catalog[0].ID {
			t.Fatalf("item_started payload = %v", payload)
		}
	default:
		t.Fatal("item_started not published")
	}
}

func TestSequencerSegueSkipsUnresolvedFiller(t *testing.T) {
	f := newSeqFixture(t)
	catalog := f.seedSchedule(t, 3)
	ctx := context.Background()

	f.seq.startNext(ctx)
	f.seq.handleSegueDue(ctx)

	if f.seq.State() != StateOverlapping {
		t.Fatalf("state = %s, want overlapping", f.seq.State())
	}
	plays := f.engine.played()
	// The filler between items 0 and 1 has no asset and must be skipped.
	if len(plays) != 2 || plays[1] != catalog[1].AssetPath {
		t.Fatalf("plays = %v, want second resolved item", plays)
	}

	f.seq.handleTrackEnded(ctx)
	if f.seq.State() != StatePlaying {
		t.Fatalf("state after track end = %s, want playing", f.seq.State())
	}

	var history int64
	f.db.Model(&models.PlayHistory{}).Count(&history)
	if history != 1 {
		t.Fatalf("play history rows = %d, want 1", history)
	}
}

func TestSequencerOverrideLastWriterWins(t *testing.T) {
	f := newSeqFixture(t)
	f.seedSchedule(t, 2)
	ctx := context.Background()
	conflicts := f.bus.Subscribe(events.EventOverrideConflict)

	f.seq.startNext(ctx)

	first := models.CatalogItem{ID: uuid.NewString(), StationID: f.station, Kind: models.KindMusic, AssetPath: "/live/first.flac"}
	second := models.CatalogItem{ID: uuid.NewString(), StationID: f.station, Kind: models.KindMusic, AssetPath: "/live/second.flac"}

	f.seq.handleOverrideEngage(ctx, command{kind: cmdOverrideEngage, item: first, operator: "alex"})
	f.seq.handleOverrideEngage(ctx, command{kind: cmdOverrideEngage, item: second, operator: "sam"})

	select {
	case payload := <-conflicts:
		if payload["winning_operator"] != "sam" {
			t.Fatalf("conflict payload = %v", payload)
		}
	default:
		t.Fatal("override conflict not published")
	}

	plays := f.engine.played()
	if plays[len(plays)-1] != second.AssetPath {
		t.Fatalf("last play = %s, want second override", plays[len(plays)-1])
	}
}

func TestSequencerOverrideDeferredDuringOverlap(t *testing.T) {
	f := newSeqFixture(t)
	f.seedSchedule(t, 3)
	ctx := context.Background()

	f.seq.startNext(ctx)
	f.seq.handleSegueDue(ctx)
	if f.seq.State() != StateOverlapping {
		t.Fatalf("state = %s, want overlapping", f.seq.State())
	}

	override := models.CatalogItem{ID: uuid.NewString(), StationID: f.station, Kind: models.KindMusic, AssetPath: "/live/override.flac"}
	before := len(f.engine.played())
	f.seq.handleOverrideEngage(ctx, command{kind: cmdOverrideEngage, item: override, operator: "alex"})

	if len(f.engine.played()) != before {
		t.Fatal("override must not interrupt a segue in flight")
	}

	f.seq.handleTrackEnded(ctx)
	plays := f.engine.played()
	if plays[len(plays)-1] != override.AssetPath {
		t.Fatalf("deferred override did not land, plays = %v", plays)
	}
}

func TestSequencerPreloadFailureEntersFailover(t *testing.T) {
	f := newSeqFixture(t)
	f.seedSchedule(t, 2)
	ctx := context.Background()
	failovers := f.bus.Subscribe(events.EventPlayoutFailover)

	f.engine.preloadErr = context.DeadlineExceeded
	f.seq.startNext(ctx)

	if f.seq.State() != StateFailover {
		t.Fatalf("state = %s, want failover", f.seq.State())
	}
	select {
	case <-failovers:
	default:
		t.Fatal("failover event not published")
	}
}

func TestSequencerFailoverEventCarriesSilenceDurationAndItem(t *testing.T) {
	f := newSeqFixture(t)
	f.seedSchedule(t, 2)
	ctx := context.Background()
	failovers := f.bus.Subscribe(events.EventPlayoutFailover)

	f.seq.startNext(ctx)

	base := time.Now().UTC()
	f.seq.watchdog.Observe(LevelSample{At: base, RMS: -60})
	ev := f.seq.watchdog.Observe(LevelSample{At: base.Add(2 * time.Second), RMS: -60})
	if ev != WatchdogSilence {
		t.Fatalf("watchdog event = %v, want silence", ev)
	}
	f.seq.handleWatchdog(ctx, ev)

	select {
	case payload := <-failovers:
		silence, _ := payload["silence_seconds"].(float64)
		if silence < 1.5 {
			t.Fatalf("silence_seconds = %v, want the measured duration", payload["silence_seconds"])
		}
		if payload["schedule_item_id"] == nil || payload["item_id"] == nil {
			t.Fatalf("failover payload missing current item reference: %v", payload)
		}
	default:
		t.Fatal("failover event not published")
	}
}

func TestSequencerEmergencyPickUsesStandardCrossfade(t *testing.T) {
	f := newSeqFixture(t)
	f.seedSchedule(t, 2)
	ctx := context.Background()

	emergency := models.RotationCategory{ID: uuid.NewString(), StationID: f.station, Name: "Emergency"}
	if err := f.db.Create(&emergency).Error; err != nil {
		t.Fatalf("create emergency category: %v", err)
	}
	fallbackItem := models.CatalogItem{
		ID:         uuid.NewString(),
		StationID:  f.station,
		CategoryID: emergency.ID,
		Title:      "Station Bed",
		Kind:       models.KindMusic,
		Duration:   4 * time.Minute,
		AssetPath:  "/emergency/bed.flac",
	}
	if err := f.db.Create(&fallbackItem).Error; err != nil {
		t.Fatalf("create emergency item: %v", err)
	}
	f.seq.emergencyCategory = emergency.ID

	f.seq.startNext(ctx)
	f.seq.enterFailover(ctx, "test silence", nil)

	plays := f.engine.played()
	if plays[len(plays)-1] != fallbackItem.AssetPath {
		t.Fatalf("last play = %s, want emergency pick", plays[len(plays)-1])
	}
	if got := f.engine.lastProfile(); got != ProfileStandard {
		t.Fatalf("emergency profile = %s, want standard", got)
	}
}

func TestSequencerSegueLeadMatchesUpcomingPair(t *testing.T) {
	f := newSeqFixture(t)
	catalog := f.seedSchedule(t, 3)
	ctx := context.Background()

	f.seq.startNext(ctx)
	posBefore := f.seq.queuePos

	if lead := f.seq.segueLead(ctx); lead != profiles[ProfileStandard].Overlap() {
		t.Fatalf("music pair lead = %v, want standard overlap", lead)
	}

	// A mandatory incoming position hard-cuts: no lead at all.
	f.seq.queue[2].Mandatory = true
	if lead := f.seq.segueLead(ctx); lead != 0 {
		t.Fatalf("mandatory pair lead = %v, want 0", lead)
	}
	f.seq.queue[2].Mandatory = false

	if err := f.db.Model(&models.CatalogItem{}).
		Where("id = ?", catalog[1].ID).
		Update("kind", models.KindSpeech).Error; err != nil {
		t.Fatalf("update kind: %v", err)
	}
	if lead := f.seq.segueLead(ctx); lead != profiles[ProfileTightTalkback].Overlap() {
		t.Fatalf("speech pair lead = %v, want tight talkback overlap", lead)
	}

	if f.seq.queuePos != posBefore {
		t.Fatalf("peek consumed the queue, position %d -> %d", posBefore, f.seq.queuePos)
	}
}

func TestSequencerResumePastScheduleGoesIdle(t *testing.T) {
	f := newSeqFixture(t)
	ctx := context.Background()

	item := models.CatalogItem{
		ID:        uuid.NewString(),
		StationID: f.station,
		Kind:      models.KindMusic,
		Duration:  3 * time.Minute,
		AssetPath: "/music/old.flac",
	}
	if err := f.db.Create(&item).Error; err != nil {
		t.Fatalf("create item: %v", err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	f.seq.queue = []models.ScheduleItem{{
		ID:       uuid.NewString(),
		ItemID:   item.ID,
		StartsAt: past,
		EndsAt:   past.Add(3 * time.Minute),
	}}
	f.seq.queuePos = 0

	f.seq.resumeSchedule(ctx)

	if f.seq.State() != StateIdle {
		t.Fatalf("state = %s, want idle when every queued item already ended", f.seq.State())
	}
	if len(f.engine.played()) != 0 {
		t.Fatalf("plays = %v, ended items must not replay", f.engine.played())
	}
	if f.seq.queuePos != len(f.seq.queue) {
		t.Fatalf("queue position = %d, want parked at end", f.seq.queuePos)
	}
}

func TestSequencerRecoveryAppliesAtTrackEnd(t *testing.T) {
	f := newSeqFixture(t)
	catalog := f.seedSchedule(t, 2)
	ctx := context.Background()

	f.seq.startNext(ctx)
	f.seq.enterFailover(ctx, "test silence", nil)
	if f.seq.State() != StateFailover {
		t.Fatalf("state = %s, want failover", f.seq.State())
	}

	f.seq.handleWatchdog(ctx, WatchdogRecovered)
	if f.seq.State() != StateFailover {
		t.Fatal("recovery must wait for a safe segue point")
	}

	f.seq.handleTrackEnded(ctx)
	if f.seq.State() != StatePlaying {
		t.Fatalf("state after recovery = %s, want playing", f.seq.State())
	}
	plays := f.engine.played()
	last := plays[len(plays)-1]
	if last != catalog[0].AssetPath && last != catalog[1].AssetPath {
		t.Fatalf("resume did not rejoin the schedule, last play = %s", last)
	}
}
