/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/muninn_playout/internal/config"
	"github.com/friendsincode/muninn_playout/internal/events"
	"github.com/friendsincode/muninn_playout/internal/inventory"
	"github.com/friendsincode/muninn_playout/internal/models"
	"github.com/friendsincode/muninn_playout/internal/rotation"
	"github.com/friendsincode/muninn_playout/internal/telemetry"
)

// State is the sequencer's playout state.
type State string

const (
	StateIdle        State = "idle"
	StatePreloading  State = "preloading"
	StatePlaying     State = "playing"
	StateOverlapping State = "overlapping"
	StateEnding      State = "ending"
	StateFailover    State = "failover"
)

// AudioEngine is the audio chain the sequencer drives. The production
// implementation decodes through GStreamer; tests substitute a fake.
type AudioEngine interface {
	// Preload verifies an asset is present and decodable.
	Preload(ctx context.Context, assetPath string) error
	// Play starts an asset, blending from whatever is on air under the
	// profile.
	Play(ctx context.Context, assetPath string, profile Profile) error
	// SegueActive reports whether a blend is still running.
	SegueActive() bool
	// SetOnTrackEnd registers the EOF callback.
	SetOnTrackEnd(fn func())
	// Levels streams output loudness for the watchdog.
	Levels() <-chan LevelSample
	Close() error
}

type cmdKind int

const (
	cmdTrackEnded cmdKind = iota
	cmdOverrideEngage
	cmdOverrideRelease
)

type command struct {
	kind     cmdKind
	item     models.CatalogItem
	operator string
}

type overrideState struct {
	active   bool
	released bool
	item     models.CatalogItem
	operator string
	engaged  time.Time
}

// Sequencer executes a ready schedule against the audio engine. One
// goroutine (Run) owns every piece of playout state; external callers talk
// to it only through commands, so there are no races to reason about and a
// segue in flight is never torn down halfway.
type Sequencer struct {
	db        *gorm.DB
	engine    AudioEngine
	inventory *inventory.Service
	rotation  *rotation.Engine
	bus       *events.Bus
	watchdog  *Watchdog
	logger    zerolog.Logger

	preloadTimeout    time.Duration
	emergencyCategory string

	cmds chan command

	// Owned by the Run goroutine.
	state           State
	queue           []models.ScheduleItem
	queuePos        int
	current         *models.CatalogItem
	currentItem     *models.ScheduleItem
	currentStarted  time.Time
	next            *models.CatalogItem
	nextItem        *models.ScheduleItem
	override        overrideState
	pendingOverride *command
	pendingRecovery bool
	segueTimer      *time.Timer

	mu      sync.Mutex
	stateRO State
}

// NewSequencer creates a playout sequencer.
func NewSequencer(database *gorm.DB, engine AudioEngine, inv *inventory.Service, rot *rotation.Engine, bus *events.Bus, cfg *config.Config, logger zerolog.Logger) *Sequencer {
	s := &Sequencer{
		db:                database,
		engine:            engine,
		inventory:         inv,
		rotation:          rot,
		bus:               bus,
		watchdog:          NewWatchdog(cfg.SilenceThresholdDB, cfg.SilenceTrigger, cfg.RecoveryThresholdDB, cfg.RecoveryHold),
		logger:            logger.With().Str("component", "sequencer").Logger(),
		preloadTimeout:    cfg.PreloadTimeout,
		emergencyCategory: cfg.EmergencyCategoryID,
		cmds:              make(chan command, 16),
		state:             StateIdle,
		stateRO:           StateIdle,
		segueTimer:        time.NewTimer(time.Hour),
	}
	s.segueTimer.Stop()
	engine.SetOnTrackEnd(func() { s.cmds <- command{kind: cmdTrackEnded} })
	return s
}

// State returns the current playout state for health surfaces.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateRO
}

// EngageOverride requests a manual override. Last writer wins: a second
// engage while one is active replaces it and emits a conflict audit event.
func (s *Sequencer) EngageOverride(item models.CatalogItem, operator string) {
	s.cmds <- command{kind: cmdOverrideEngage, item: item, operator: operator}
}

// ReleaseOverride hands control back to the schedule at the next break
// boundary.
func (s *Sequencer) ReleaseOverride(operator string) {
	s.cmds <- command{kind: cmdOverrideRelease, operator: operator}
}

// Load queues a ready schedule for execution, starting from the item whose
// window covers now.
func (s *Sequencer) Load(ctx context.Context, scheduleID string) error {
	var sched models.Schedule
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&sched, "id = ?", scheduleID).Error
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	if sched.Status != models.ScheduleReady {
		return fmt.Errorf("schedule %s is %s, not ready", scheduleID, sched.Status)
	}

	now := time.Now().UTC()
	pos := 0
	for i, item := range sched.Items {
		if item.EndsAt.After(now) {
			pos = i
			break
		}
	}

	s.queue = sched.Items
	s.queuePos = pos
	s.logger.Info().
		Str("schedule_id", scheduleID).
		Int("items", len(s.queue)).
		Int("start_position", pos).
		Msg("schedule loaded")
	return nil
}

// Run executes the control loop until cancellation. Load must have been
// called first.
func (s *Sequencer) Run(ctx context.Context) error {
	s.logger.Info().Msg("sequencer started")
	defer func() {
		_ = s.engine.Close()
		s.setState(StateIdle)
		s.logger.Info().Msg("sequencer stopped")
	}()

	s.startNext(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.cmds:
			s.dispatch(ctx, cmd)
		case sample, ok := <-s.engine.Levels():
			if !ok {
				continue
			}
			if ev := s.watchdog.Observe(sample); ev != WatchdogNone {
				s.handleWatchdog(ctx, ev)
			}
		case <-s.segueTimer.C:
			s.handleSegueDue(ctx)
		}
	}
}

func (s *Sequencer) dispatch(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdTrackEnded:
		s.handleTrackEnded(ctx)
	case cmdOverrideEngage:
		s.handleOverrideEngage(ctx, cmd)
	case cmdOverrideRelease:
		s.handleOverrideRelease(cmd)
	}
}

// startNext advances the queue to the next playable item, preloads it, and
// puts it on air. Unresolved positions (fillers, unsold spot reservations)
// are skipped with a note; a preload failure takes the failover path, the
// same as silence would.
func (s *Sequencer) startNext(ctx context.Context) {
	item, catalog, ok := s.advance(ctx)
	if !ok {
		s.setState(StateIdle)
		s.logger.Info().Msg("schedule exhausted")
		return
	}

	s.setState(StatePreloading)
	preloadCtx, cancel := context.WithTimeout(ctx, s.preloadTimeout)
	err := s.engine.Preload(preloadCtx, catalog.AssetPath)
	cancel()
	if err != nil {
		s.logger.Error().Err(err).Str("item_id", catalog.ID).Msg("preload failed")
		s.enterFailover(ctx, fmt.Sprintf("preload %s: %v", catalog.ID, err), nil)
		return
	}

	profile := ProfileFor(s.current, catalog, item.Mandatory)
	if err := s.engine.Play(ctx, catalog.AssetPath, profile); err != nil {
		s.logger.Error().Err(err).Str("item_id", catalog.ID).Msg("play failed")
		s.enterFailover(ctx, fmt.Sprintf("play %s: %v", catalog.ID, err), nil)
		return
	}

	s.current = catalog
	s.currentItem = item
	s.currentStarted = time.Now().UTC()
	s.setState(StatePlaying)
	s.armSegueTimer(ctx)

	s.bus.Publish(events.EventItemStarted, events.Payload{
		"schedule_item_id": item.ID,
		"item_id":          catalog.ID,
		"artist":           catalog.Artist,
		"title":            catalog.Title,
		"position":         item.Position,
	})
}

// advance walks the queue to the next entry with a resolved asset.
func (s *Sequencer) advance(ctx context.Context) (*models.ScheduleItem, *models.CatalogItem, bool) {
	for s.queuePos < len(s.queue) {
		item := s.queue[s.queuePos]
		s.queuePos++
		if item.ItemID == "" {
			s.logger.Debug().
				Int("position", item.Position).
				Str("slot_type", string(item.SlotType)).
				Msg("skipping unresolved position")
			continue
		}
		var catalog models.CatalogItem
		if err := s.db.WithContext(ctx).First(&catalog, "id = ?", item.ItemID).Error; err != nil {
			s.logger.Warn().Err(err).Str("item_id", item.ItemID).Msg("catalog item missing")
			continue
		}
		itemCopy := item
		return &itemCopy, &catalog, true
	}
	return nil, nil, false
}

// armSegueTimer schedules the blend start so the crossfade completes right
// at the item boundary.
func (s *Sequencer) armSegueTimer(ctx context.Context) {
	if s.currentItem == nil {
		return
	}
	remaining := s.currentItem.Duration() - time.Since(s.currentStarted)
	fire := remaining - s.segueLead(ctx)
	if fire < 0 {
		fire = 0
	}
	s.segueTimer.Reset(fire)
}

// segueLead is how far ahead of the boundary the blend must start: the
// overlap of the profile the actual upcoming pair will use. Peeks without
// consuming the queue position.
func (s *Sequencer) segueLead(ctx context.Context) time.Duration {
	savedPos := s.queuePos
	item, catalog, ok := s.advance(ctx)
	s.queuePos = savedPos
	if !ok {
		return profiles[ProfileStandard].Overlap()
	}
	return ProfileFor(s.current, catalog, item.Mandatory).Overlap()
}

// handleSegueDue preloads and starts the next item while the current one is
// still playing, entering the overlap.
func (s *Sequencer) handleSegueDue(ctx context.Context) {
	if s.state != StatePlaying {
		return
	}

	item, catalog, ok := s.peekNext(ctx)
	if !ok {
		s.setState(StateEnding)
		return
	}

	preloadCtx, cancel := context.WithTimeout(ctx, s.preloadTimeout)
	err := s.engine.Preload(preloadCtx, catalog.AssetPath)
	cancel()
	if err != nil {
		s.logger.Error().Err(err).Str("item_id", catalog.ID).Msg("preload failed at segue")
		s.enterFailover(ctx, fmt.Sprintf("preload %s: %v", catalog.ID, err), nil)
		return
	}

	profile := ProfileFor(s.current, catalog, item.Mandatory)
	if err := s.engine.Play(ctx, catalog.AssetPath, profile); err != nil {
		s.enterFailover(ctx, fmt.Sprintf("play %s: %v", catalog.ID, err), nil)
		return
	}

	s.next = catalog
	s.nextItem = item
	s.setState(StateOverlapping)
	telemetry.PlayoutSeguesTotal.WithLabelValues(string(profile.Name)).Inc()
	s.bus.Publish(events.EventSegueStarted, events.Payload{
		"from_item": s.current.ID,
		"to_item":   catalog.ID,
		"profile":   string(profile.Name),
	})
}

func (s *Sequencer) peekNext(ctx context.Context) (*models.ScheduleItem, *models.CatalogItem, bool) {
	savedPos := s.queuePos
	item, catalog, ok := s.advance(ctx)
	if !ok {
		s.queuePos = savedPos
	}
	return item, catalog, ok
}

// handleTrackEnded fires when the outgoing decoder hits EOF: the overlap is
// done and the next item owns the air. It is also the safe segue point where
// deferred work (queued override, failover recovery, override release)
// lands.
func (s *Sequencer) handleTrackEnded(ctx context.Context) {
	if s.current != nil && s.currentItem != nil {
		ended := time.Now().UTC()
		if err := s.inventory.RecordPlay(ctx, *s.current, s.currentStarted, ended); err != nil {
			s.logger.Error().Err(err).Str("item_id", s.current.ID).Msg("record play failed")
		}
		s.bus.Publish(events.EventItemEnded, events.Payload{
			"schedule_item_id": s.currentItem.ID,
			"item_id":          s.current.ID,
		})
	}

	switch s.state {
	case StateOverlapping:
		s.bus.Publish(events.EventSegueCompleted, events.Payload{
			"item_id": s.next.ID,
		})
		s.current = s.next
		s.currentItem = s.nextItem
		s.currentStarted = time.Now().UTC()
		s.next = nil
		s.nextItem = nil
		s.setState(StatePlaying)
		s.armSegueTimer(ctx)

		if s.pendingOverride != nil {
			cmd := *s.pendingOverride
			s.pendingOverride = nil
			s.handleOverrideEngage(ctx, cmd)
		}

	case StateFailover:
		if s.pendingRecovery {
			s.pendingRecovery = false
			s.resumeSchedule(ctx)
			return
		}
		// Still failed over: keep emergency audio rolling.
		s.playEmergency(ctx)

	case StateEnding:
		s.current = nil
		s.currentItem = nil
		s.setState(StateIdle)

	default:
		if s.override.active && s.override.released {
			s.override = overrideState{}
			s.bus.Publish(events.EventOverrideReleased, events.Payload{})
			s.resumeSchedule(ctx)
			return
		}
		if s.override.active {
			// Operator content ended without release; fall back to the
			// schedule rather than dead air.
			s.override = overrideState{}
		}
		s.startNext(ctx)
	}
}

func (s *Sequencer) handleOverrideEngage(ctx context.Context, cmd command) {
	if s.state == StateOverlapping {
		// Never abort a segue in flight; the override lands when the
		// blend completes.
		s.pendingOverride = &cmd
		return
	}

	if s.override.active {
		telemetry.OverrideConflictsTotal.Inc()
		s.bus.Publish(events.EventOverrideConflict, events.Payload{
			"previous_operator": s.override.operator,
			"winning_operator":  cmd.operator,
			"previous_item":     s.override.item.ID,
			"winning_item":      cmd.item.ID,
		})
		s.logger.Warn().
			Str("previous_operator", s.override.operator).
			Str("winning_operator", cmd.operator).
			Msg("override conflict, last writer wins")
	}

	profile := ProfileFor(s.current, &cmd.item, false)
	if err := s.engine.Play(ctx, cmd.item.AssetPath, profile); err != nil {
		s.logger.Error().Err(err).Msg("override play failed")
		return
	}

	s.override = overrideState{
		active:   true,
		item:     cmd.item,
		operator: cmd.operator,
		engaged:  time.Now().UTC(),
	}
	s.current = &s.override.item
	s.currentItem = nil
	s.currentStarted = s.override.engaged
	s.segueTimer.Stop()
	s.setState(StatePlaying)

	s.bus.Publish(events.EventOverrideEngaged, events.Payload{
		"operator": cmd.operator,
		"item_id":  cmd.item.ID,
	})
}

func (s *Sequencer) handleOverrideRelease(cmd command) {
	if !s.override.active {
		return
	}
	s.override.released = true
	s.logger.Info().Str("operator", cmd.operator).Msg("override release queued for break boundary")
}

func (s *Sequencer) handleWatchdog(ctx context.Context, ev WatchdogEvent) {
	switch ev {
	case WatchdogSilence:
		s.enterFailover(ctx, "sustained silence on output chain", events.Payload{
			"silence_seconds": s.watchdog.SilenceDuration().Seconds(),
		})
	case WatchdogRecovered:
		// Recovery applies only at a safe segue point; flag it and let
		// the next track end pick it up.
		s.pendingRecovery = true
		s.bus.Publish(events.EventPlayoutRecovered, events.Payload{
			"applied": false,
		})
	}
}

func (s *Sequencer) enterFailover(ctx context.Context, reason string, detail events.Payload) {
	if s.state == StateFailover {
		return
	}
	telemetry.PlayoutFailoversTotal.Inc()
	payload := events.Payload{"reason": reason}
	if s.current != nil {
		payload["item_id"] = s.current.ID
	}
	if s.currentItem != nil {
		payload["schedule_item_id"] = s.currentItem.ID
	}
	for k, v := range detail {
		payload[k] = v
	}
	s.bus.Publish(events.EventPlayoutFailover, payload)
	s.logger.Error().Str("reason", reason).Msg("entering failover")
	s.setState(StateFailover)
	s.segueTimer.Stop()
	s.playEmergency(ctx)
}

// playEmergency puts a rule-exempt pick on air from the emergency category.
func (s *Sequencer) playEmergency(ctx context.Context) {
	if s.emergencyCategory == "" || s.rotation == nil {
		s.logger.Error().Msg("no emergency category configured, staying silent")
		return
	}
	stationID := ""
	if s.currentItem != nil {
		var sched models.Schedule
		if err := s.db.WithContext(ctx).First(&sched, "id = ?", s.currentItem.ScheduleID).Error; err == nil {
			stationID = sched.StationID
		}
	}
	if stationID == "" && s.current != nil {
		stationID = s.current.StationID
	}

	snap, err := s.inventory.Snapshot(ctx, stationID)
	if err != nil {
		s.logger.Error().Err(err).Msg("emergency snapshot failed")
		return
	}
	pick, err := s.rotation.SelectEmergency(snap, s.emergencyCategory, rotation.SlotContext{At: time.Now().UTC()})
	if err != nil {
		s.logger.Error().Err(err).Msg("emergency pick failed")
		return
	}
	if err := s.engine.Play(ctx, pick.AssetPath, profiles[ProfileStandard]); err != nil {
		s.logger.Error().Err(err).Msg("emergency play failed")
		return
	}
	s.current = &pick
	s.currentItem = nil
	s.currentStarted = time.Now().UTC()
}

// resumeSchedule rejoins the queue at the item whose window covers now.
// A queue with nothing left past now parks at the end so the schedule
// exhausts cleanly instead of replaying ended items.
func (s *Sequencer) resumeSchedule(ctx context.Context) {
	now := time.Now().UTC()
	pos := len(s.queue)
	for i := 0; i < len(s.queue); i++ {
		if s.queue[i].EndsAt.After(now) {
			pos = i
			break
		}
	}
	s.queuePos = pos
	s.logger.Info().Int("position", s.queuePos).Msg("resuming schedule")
	s.startNext(ctx)
}

func (s *Sequencer) setState(state State) {
	s.state = state
	s.mu.Lock()
	s.stateRO = state
	s.mu.Unlock()
}
