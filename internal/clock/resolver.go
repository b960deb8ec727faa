/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package clock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/muninn_playout/internal/cache"
	"github.com/friendsincode/muninn_playout/internal/models"
)

// TemplateNotFoundError reports that no published template covers an hour.
type TemplateNotFoundError struct {
	ClockID string
	Hour    time.Time
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("clock %s has no published template covering %s", e.ClockID, e.Hour.Format(time.RFC3339))
}

// ResolvedSlot is one playable position flattened out of a template, with
// its offset made absolute against the hour start.
type ResolvedSlot struct {
	Slot          models.TemplateSlot
	OffsetSeconds int
}

// ResolvedHour is the concrete slot layout selected for one broadcast hour.
type ResolvedHour struct {
	TemplateID      string
	TemplateVersion int
	DaypartID       string
	HourStart       time.Time
	Slots           []ResolvedSlot
}

// Resolver selects and flattens hour templates for broadcast hours.
type Resolver struct {
	db     *gorm.DB
	cache  *cache.Cache
	logger zerolog.Logger
}

// NewResolver creates a clock resolver.
func NewResolver(database *gorm.DB, logger zerolog.Logger) *Resolver {
	return &Resolver{
		db:     database,
		logger: logger.With().Str("component", "clock").Logger(),
	}
}

// WithCache enables read caching of resolved hours. Templates are
// immutable once published, so cached resolutions only go stale when a
// clock gains a new version; InvalidateClock covers that path.
func (r *Resolver) WithCache(c *cache.Cache) *Resolver {
	r.cache = c
	return r
}

// ResolveHour picks the template for an hour and flattens its slot tree.
// hourStart must already be in station-local time; daypart windows are
// matched against its local hour.
func (r *Resolver) ResolveHour(ctx context.Context, clockID string, hourStart time.Time) (ResolvedHour, error) {
	key := hourCacheKey(clockID, hourStart)
	var cached ResolvedHour
	if r.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	var stationClock models.StationClock
	err := r.db.WithContext(ctx).
		Preload("Templates.Slots.SubSlots").
		First(&stationClock, "id = ?", clockID).Error
	if err != nil {
		return ResolvedHour{}, fmt.Errorf("load clock %s: %w", clockID, err)
	}

	var dayparts []models.Daypart
	if err := r.db.WithContext(ctx).
		Where("station_id = ?", stationClock.StationID).
		Find(&dayparts).Error; err != nil {
		return ResolvedHour{}, fmt.Errorf("load dayparts: %w", err)
	}

	resolved, err := ResolveHourFromClock(stationClock, dayparts, hourStart)
	if err != nil {
		return ResolvedHour{}, err
	}
	r.cache.Set(ctx, key, resolved, r.cache.ResolvedHourTTL())
	return resolved, nil
}

// InvalidateClock drops every cached hour for a clock. Callers invoke it
// after publishing a new template version.
func (r *Resolver) InvalidateClock(ctx context.Context, clockID string) error {
	return r.cache.DeletePrefix(ctx, "hour:"+clockID+":")
}

func hourCacheKey(clockID string, hourStart time.Time) string {
	return "hour:" + clockID + ":" + hourStart.Format(time.RFC3339)
}

// DefaultDayparts is the built-in daypart catalog, used whenever a station
// defines no dayparts of its own. Templates bind to the fixed IDs.
func DefaultDayparts() []models.Daypart {
	return []models.Daypart{
		{ID: "overnight", Name: "overnight", StartHour: 0, EndHour: 6},
		{ID: "morning", Name: "morning", StartHour: 6, EndHour: 10},
		{ID: "midday", Name: "midday", StartHour: 10, EndHour: 15},
		{ID: "afternoon", Name: "afternoon", StartHour: 15, EndHour: 19},
		{ID: "evening", Name: "evening", StartHour: 19, EndHour: 0},
	}
}

// ResolveHourFromClock is the pure core of hour resolution: version
// selection plus slot flattening over already-loaded state.
func ResolveHourFromClock(stationClock models.StationClock, dayparts []models.Daypart, hourStart time.Time) (ResolvedHour, error) {
	if len(dayparts) == 0 {
		dayparts = DefaultDayparts()
	}
	daypartIDs := make(map[string]bool, len(dayparts))
	for _, dp := range dayparts {
		if dp.Contains(hourStart.Hour()) {
			daypartIDs[dp.ID] = true
		}
	}

	template, ok := pickTemplate(stationClock.Templates, daypartIDs, hourStart)
	if !ok {
		return ResolvedHour{}, &TemplateNotFoundError{ClockID: stationClock.ID, Hour: hourStart}
	}

	if err := ValidateTemplate(template); err != nil {
		return ResolvedHour{}, fmt.Errorf("template %s: %w", template.ID, err)
	}

	return ResolvedHour{
		TemplateID:      template.ID,
		TemplateVersion: template.Version,
		DaypartID:       template.DaypartID,
		HourStart:       hourStart,
		Slots:           flatten(template),
	}, nil
}

// pickTemplate selects the newest published version that was effective at
// the hour start. Latest EffectiveAt wins; equal EffectiveAt falls to the
// highest version number.
func pickTemplate(templates []models.HourTemplate, daypartIDs map[string]bool, hourStart time.Time) (models.HourTemplate, bool) {
	var best models.HourTemplate
	found := false
	for _, tmpl := range templates {
		if !tmpl.Published || !daypartIDs[tmpl.DaypartID] {
			continue
		}
		if tmpl.EffectiveAt.After(hourStart) {
			continue
		}
		if !found ||
			tmpl.EffectiveAt.After(best.EffectiveAt) ||
			(tmpl.EffectiveAt.Equal(best.EffectiveAt) && tmpl.Version > best.Version) {
			best = tmpl
			found = true
		}
	}
	return best, found
}

// ValidateTemplate checks slot geometry: every slot inside the 3600 second
// hour, no overlap between siblings, sub-slots contained by their parent
// break. Templates are validated when resolved, not when stored, so a bad
// import surfaces on the first build that touches it.
func ValidateTemplate(template models.HourTemplate) error {
	top := topLevel(template.Slots)
	if len(top) == 0 {
		return fmt.Errorf("template has no slots")
	}

	if err := checkSiblings(top, 0, 3600); err != nil {
		return err
	}
	for _, slot := range top {
		if len(slot.SubSlots) == 0 {
			continue
		}
		if slot.Type != models.SlotBreak {
			return fmt.Errorf("slot %s: only break slots may carry sub-slots", slot.ID)
		}
		if err := checkSiblings(slot.SubSlots, 0, slot.DurationSeconds); err != nil {
			return fmt.Errorf("break %s: %w", slot.ID, err)
		}
	}
	return nil
}

func checkSiblings(slots []models.TemplateSlot, lower, upper int) error {
	ordered := append([]models.TemplateSlot(nil), slots...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].OffsetSeconds < ordered[j].OffsetSeconds
	})

	cursor := lower
	for _, slot := range ordered {
		if slot.DurationSeconds <= 0 {
			return fmt.Errorf("slot %s: non-positive duration", slot.ID)
		}
		if slot.OffsetSeconds < lower || slot.OffsetSeconds+slot.DurationSeconds > upper {
			return fmt.Errorf("slot %s: outside [%d,%d) bound", slot.ID, lower, upper)
		}
		if slot.OffsetSeconds < cursor {
			return fmt.Errorf("slot %s: overlaps preceding slot", slot.ID)
		}
		cursor = slot.OffsetSeconds + slot.DurationSeconds
	}
	return nil
}

func topLevel(slots []models.TemplateSlot) []models.TemplateSlot {
	top := make([]models.TemplateSlot, 0, len(slots))
	for _, slot := range slots {
		if slot.ParentSlotID == nil {
			top = append(top, slot)
		}
	}
	return top
}

// flatten expands the slot tree into one ordered list of playable
// positions. Break slots contribute their sub-slots with offsets rebased to
// the hour; a break with no sub-slots plays as a single position.
func flatten(template models.HourTemplate) []ResolvedSlot {
	top := topLevel(template.Slots)
	sort.Slice(top, func(i, j int) bool {
		return top[i].OffsetSeconds < top[j].OffsetSeconds
	})

	resolved := make([]ResolvedSlot, 0, len(template.Slots))
	for _, slot := range top {
		if slot.Type == models.SlotBreak && len(slot.SubSlots) > 0 {
			subs := append([]models.TemplateSlot(nil), slot.SubSlots...)
			sort.Slice(subs, func(i, j int) bool {
				if subs[i].OffsetSeconds != subs[j].OffsetSeconds {
					return subs[i].OffsetSeconds < subs[j].OffsetSeconds
				}
				return subs[i].Position < subs[j].Position
			})
			for _, sub := range subs {
				resolved = append(resolved, ResolvedSlot{
					Slot:          sub,
					OffsetSeconds: slot.OffsetSeconds + sub.OffsetSeconds,
				})
			}
			continue
		}
		resolved = append(resolved, ResolvedSlot{Slot: slot, OffsetSeconds: slot.OffsetSeconds})
	}
	return resolved
}
