/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package timeline

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/muninn_playout/internal/clock"
	"github.com/friendsincode/muninn_playout/internal/inventory"
	"github.com/friendsincode/muninn_playout/internal/models"
	"github.com/friendsincode/muninn_playout/internal/rotation"
)

// plannedItem is an hour entry before absolute placement.
type plannedItem struct {
	slot      models.TemplateSlot
	item      *models.CatalogItem
	duration  time.Duration
	trimRatio float64
}

// hourPlan is the output of planning one broadcast hour.
type hourPlan struct {
	items   []plannedItem
	trimmed int
	dropped int
	notes   []string
	errs    []string
}

// hourPlanner resolves one hour's slots into timed items and backtimes the
// result against the hour boundary.
type hourPlanner struct {
	engine     *rotation.Engine
	logger     zerolog.Logger
	maxTrim    float64
	dropBehind time.Duration
}

// plan fills the resolved slots with rotation picks and squeezes the result
// into the budget. budget is the wall-clock room between the hour's content
// start and the hour boundary; it shrinks when the previous hour spilled.
func (p *hourPlanner) plan(snap *inventory.Snapshot, resolved clock.ResolvedHour, contentStart time.Time, budget time.Duration) hourPlan {
	var out hourPlan
	var previous *models.CatalogItem

	cursor := contentStart
	for _, rs := range resolved.Slots {
		switch rs.Slot.Type {
		case models.SlotRotation, models.SlotSweeper:
			pick, err := p.engine.SelectItem(snap, rs.Slot.CategoryID, rotation.SlotContext{
				At:       cursor,
				Previous: previous,
			})
			if err != nil {
				out.errs = append(out.errs, fmt.Sprintf("slot %s: %v", rs.Slot.ID, err))
				if rs.Slot.Mandatory {
					// A mandatory position must hold its time even
					// unresolved, otherwise the break grid shifts.
					out.items = append(out.items, plannedItem{
						slot:     rs.Slot,
						duration: time.Duration(rs.Slot.DurationSeconds) * time.Second,
					})
					cursor = cursor.Add(time.Duration(rs.Slot.DurationSeconds) * time.Second)
				}
				continue
			}
			snap.Observe(pick, cursor)
			item := pick
			out.items = append(out.items, plannedItem{
				slot:     rs.Slot,
				item:     &item,
				duration: pick.Duration,
			})
			cursor = cursor.Add(pick.Duration)
			if pick.Kind == models.KindMusic {
				previous = &item
			}

		case models.SlotBreak:
			// Spot content arrives from the traffic collaborator; the
			// position is reserved at its nominal length.
			out.items = append(out.items, plannedItem{
				slot:     rs.Slot,
				duration: time.Duration(rs.Slot.DurationSeconds) * time.Second,
			})
			cursor = cursor.Add(time.Duration(rs.Slot.DurationSeconds) * time.Second)
		}
	}

	p.backtime(&out, budget)
	return out
}

// backtime squeezes or pads the plan to land exactly on the budget. Trims
// apply only to non-mandatory rotation picks and never exceed maxTrim per
// item; when trimming cannot close the gap and the plan runs more than
// dropBehind long, items are dropped at the legal ID breakpoint until it
// fits. Short plans gain a synthesized filler position.
func (p *hourPlanner) backtime(out *hourPlan, budget time.Duration) {
	fillAt := -1
	for {
		total := planDuration(out.items)
		overrun := total - budget
		if overrun <= 0 {
			if gap := -overrun; gap > 0 {
				filler := plannedItem{
					slot:     models.TemplateSlot{Type: models.SlotFiller},
					duration: gap,
				}
				if fillAt >= 0 && fillAt < len(out.items) {
					// Backfill where the dropped element sat so positions
					// after the cut keep their template offsets.
					rest := append([]plannedItem{filler}, out.items[fillAt:]...)
					out.items = append(out.items[:fillAt], rest...)
					out.notes = append(out.notes, fmt.Sprintf("filler %s spliced at drop point", gap.Round(time.Second)))
				} else {
					out.items = append(out.items, filler)
					out.notes = append(out.notes, fmt.Sprintf("filler %s appended", gap.Round(time.Second)))
				}
			}
			return
		}

		capacity := time.Duration(0)
		for _, item := range out.items {
			if trimmable(item) {
				capacity += time.Duration(float64(item.duration) * p.maxTrim)
			}
		}

		if overrun <= capacity {
			p.applyTrim(out, overrun)
			return
		}

		if overrun-capacity <= p.dropBehind {
			// Inside tolerance: trim to the bone and let the residue
			// spill into the next hour, which backtimes it away.
			p.applyTrim(out, capacity)
			out.notes = append(out.notes, fmt.Sprintf("spilling %s into next hour", (overrun-capacity).Round(time.Second)))
			return
		}

		dropIdx := dropCandidate(out.items)
		if dropIdx < 0 {
			out.errs = append(out.errs, fmt.Sprintf("overrun %s with nothing droppable", overrun.Round(time.Second)))
			return
		}
		dropped := out.items[dropIdx]
		out.items = append(out.items[:dropIdx], out.items[dropIdx+1:]...)
		fillAt = dropIdx
		out.dropped++
		out.notes = append(out.notes, fmt.Sprintf("dropped %s ahead of legal ID breakpoint", dropped.item.ID))
	}
}

// applyTrim distributes need across trimmable items as one uniform ratio.
func (p *hourPlanner) applyTrim(out *hourPlan, need time.Duration) {
	if need <= 0 {
		return
	}
	trimmableTotal := time.Duration(0)
	for _, item := range out.items {
		if trimmable(item) {
			trimmableTotal += item.duration
		}
	}
	if trimmableTotal == 0 {
		return
	}

	ratio := float64(need) / float64(trimmableTotal)
	if ratio > p.maxTrim {
		ratio = p.maxTrim
	}
	applied := time.Duration(0)
	lastIdx := -1
	for i := range out.items {
		if !trimmable(out.items[i]) {
			continue
		}
		trim := time.Duration(float64(out.items[i].duration) * ratio)
		out.items[i].duration -= trim
		out.items[i].trimRatio = ratio
		out.trimmed++
		applied += trim
		lastIdx = i
	}
	// Per-item rounding leaves a sub-microsecond residue; fold it into the
	// last trimmed item so the hour lands exactly.
	if ratio < p.maxTrim && lastIdx >= 0 && applied < need {
		out.items[lastIdx].duration -= need - applied
	}
}

func trimmable(item plannedItem) bool {
	return item.item != nil && !item.slot.Mandatory && item.slot.Type == models.SlotRotation
}

// dropCandidate picks the item to sacrifice when trimming cannot recover
// the hour: the last non-mandatory rotation pick before the final mandatory
// position, so the cut lands where a legal ID or contracted break resets
// listener context. Falls back to the last droppable item when the hour has
// no mandatory positions.
func dropCandidate(items []plannedItem) int {
	lastMandatory := -1
	for i, item := range items {
		if item.slot.Mandatory {
			lastMandatory = i
		}
	}

	limit := len(items)
	if lastMandatory >= 0 {
		limit = lastMandatory
	}
	for i := limit - 1; i >= 0; i-- {
		if trimmable(items[i]) {
			return i
		}
	}
	for i := len(items) - 1; i >= 0; i-- {
		if trimmable(items[i]) {
			return i
		}
	}
	return -1
}

func planDuration(items []plannedItem) time.Duration {
	total := time.Duration(0)
	for _, item := range items {
		total += item.duration
	}
	return total
}
