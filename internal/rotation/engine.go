/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package rotation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/muninn_playout/internal/inventory"
	"github.com/friendsincode/muninn_playout/internal/models"
)

// NoEligibleItemError reports that a category and its whole fallback chain
// produced no playable item under the active hard rules.
type NoEligibleItemError struct {
	CategoryID string
	Chain      []string
}

func (e *NoEligibleItemError) Error() string {
	return fmt.Sprintf("no eligible item in category %s (fallback chain: %s)",
		e.CategoryID, strings.Join(e.Chain, " -> "))
}

// RuleDefinitionInvalidError reports a hard rule whose definition could not
// be decoded. Selection stops on it rather than guessing, so a broken rule
// surfaces as a build error instead of a quietly unconstrained pick.
type RuleDefinitionInvalidError struct {
	RuleID     string
	CategoryID string
	Err        error
}

func (e *RuleDefinitionInvalidError) Error() string {
	return fmt.Sprintf("rule %s on category %s: invalid definition: %v", e.RuleID, e.CategoryID, e.Err)
}

func (e *RuleDefinitionInvalidError) Unwrap() error { return e.Err }

// Predicate evaluates a custom rule against a candidate.
type Predicate func(item models.CatalogItem, slot SlotContext, params map[string]any) bool

// SlotContext carries the scheduling position a pick is being made for.
// Selection is pure over (snapshot, category, context): the same inputs
// always return the same item.
type SlotContext struct {
	At       time.Time
	Previous *models.CatalogItem
}

// Engine picks items from rotation category pools. Stateless; all recency
// and catalog state comes in through the snapshot.
type Engine struct {
	logger     zerolog.Logger
	predicates map[string]Predicate
}

// NewEngine creates a rotation engine with the built-in predicates
// registered.
func NewEngine(logger zerolog.Logger) *Engine {
	e := &Engine{
		logger:     logger.With().Str("component", "rotation").Logger(),
		predicates: make(map[string]Predicate),
	}
	e.RegisterPredicate("min_energy", predicateMinEnergy)
	e.RegisterPredicate("max_duration_seconds", predicateMaxDuration)
	return e
}

// RegisterPredicate binds a named predicate usable from custom_predicate
// rules. Later registrations replace earlier ones.
func (e *Engine) RegisterPredicate(name string, pred Predicate) {
	e.predicates[name] = pred
}

// SelectItem picks the next item for a rotation category. Hard rules filter,
// soft rules filter in priority order but are skipped when they would empty
// the pool, then balancing prefers the longest-rested item. When hard rules
// empty the category, the fallback chain is walked before giving up.
func (e *Engine) SelectItem(snap *inventory.Snapshot, categoryID string, slot SlotContext) (models.CatalogItem, error) {
	chain := []string{}
	seen := map[string]bool{}
	current := categoryID

	for current != "" && !seen[current] {
		seen[current] = true
		chain = append(chain, current)

		category, ok := snap.Category(current)
		if !ok {
			break
		}

		item, ok, err := e.selectFromCategory(snap, category, slot)
		if err != nil {
			return models.CatalogItem{}, err
		}
		if ok {
			return item, nil
		}

		if category.FallbackCategoryID == nil {
			break
		}
		next := *category.FallbackCategoryID
		e.logger.Debug().
			Str("category_id", current).
			Str("fallback_category_id", next).
			Msg("category exhausted, walking fallback chain")
		current = next
	}

	return models.CatalogItem{}, &NoEligibleItemError{CategoryID: categoryID, Chain: chain}
}

func (e *Engine) selectFromCategory(snap *inventory.Snapshot, category models.RotationCategory, slot SlotContext) (models.CatalogItem, bool, error) {
	pool := snap.Items(category.ID)
	if len(pool) == 0 {
		return models.CatalogItem{}, false, nil
	}

	// Category rotation gate and hard rules are non-negotiable.
	eligible := make([]models.CatalogItem, 0, len(pool))
	rotationWindow := time.Duration(category.RotationMinutes) * time.Minute
	for _, item := range pool {
		if rotationWindow > 0 {
			if last, ok := snap.LastPlayOfItem(item.ID); ok && slot.At.Sub(last) < rotationWindow {
				continue
			}
		}
		eligible = append(eligible, item)
	}

	rules := snap.Rules(category.ID)
	for _, rule := range rules {
		if rule.Type != models.RuleHard {
			continue
		}
		var err error
		eligible, err = e.applyRule(snap, rule, eligible, slot, false)
		if err != nil {
			return models.CatalogItem{}, false, err
		}
		if len(eligible) == 0 {
			return models.CatalogItem{}, false, nil
		}
	}

	// Soft rules filter in descending priority; a rule that would empty
	// the pool is skipped rather than failing the slot.
	for _, rule := range rules {
		if rule.Type != models.RuleSoft {
			continue
		}
		eligible, _ = e.applyRule(snap, rule, eligible, slot, true)
	}

	return e.balance(snap, category, eligible, slot), true, nil
}

func (e *Engine) applyRule(snap *inventory.Snapshot, rule models.Rule, pool []models.CatalogItem, slot SlotContext, skippable bool) ([]models.CatalogItem, error) {
	constraint, err := DecodeConstraint(rule)
	if err != nil {
		// A soft rule that cannot be decoded is skipped; an undecodable
		// hard rule fails the pick outright so it cannot silently pass
		// items it was meant to filter.
		e.logger.Error().Err(err).
			Str("rule_id", rule.ID).
			Str("rule_type", string(rule.Type)).
			Msg("undecodable rule definition")
		if skippable {
			return pool, nil
		}
		return nil, &RuleDefinitionInvalidError{RuleID: rule.ID, CategoryID: rule.CategoryID, Err: err}
	}

	kept := pool[:0:0]
	for _, item := range pool {
		if e.satisfies(snap, constraint, item, slot) {
			kept = append(kept, item)
		}
	}

	if skippable && len(kept) == 0 && len(pool) > 0 {
		e.logger.Info().
			Str("rule_id", rule.ID).
			Str("rule_name", rule.Name).
			Int("priority", rule.Priority).
			Int("pool", len(pool)).
			Msg("soft rule would empty pool, skipping")
		return pool, nil
	}
	return kept, nil
}

func (e *Engine) satisfies(snap *inventory.Snapshot, constraint Constraint, item models.CatalogItem, slot SlotContext) bool {
	switch constraint.Kind {
	case ConstraintArtistSeparation:
		last, ok := snap.LastPlayOfArtist(item.Artist)
		return !ok || slot.At.Sub(last) >= constraint.ArtistSeparation.Window()

	case ConstraintTitleSeparation:
		last, ok := snap.LastPlayOfTitle(item.Title)
		return !ok || slot.At.Sub(last) >= constraint.TitleSeparation.Window()

	case ConstraintCategoryExclusivity:
		if slot.Previous == nil {
			return true
		}
		for _, id := range constraint.CategoryExclusivity.CategoryIDs {
			if slot.Previous.CategoryID == id {
				return false
			}
		}
		return true

	case ConstraintTempoWindow:
		tempo := constraint.TempoWindow
		if tempo.MinBPM > 0 && item.Tempo < tempo.MinBPM {
			return false
		}
		if tempo.MaxBPM > 0 && item.Tempo > tempo.MaxBPM {
			return false
		}
		if tempo.MaxJump > 0 && slot.Previous != nil && slot.Previous.Tempo > 0 && item.Tempo > 0 {
			if math.Abs(item.Tempo-slot.Previous.Tempo) > tempo.MaxJump {
				return false
			}
		}
		return true

	case ConstraintPlayCaps:
		caps := constraint.PlayCaps
		cutoff := slot.At.Add(-caps.Window())
		if caps.MaxArtistPlays > 0 && snap.ArtistPlaysSince(item.Artist, cutoff) >= caps.MaxArtistPlays {
			return false
		}
		if caps.MaxAlbumPlays > 0 && item.Album != "" && snap.AlbumPlaysSince(item.Album, cutoff) >= caps.MaxAlbumPlays {
			return false
		}
		return true

	case ConstraintCustomPredicate:
		pred, ok := e.predicates[constraint.CustomPredicate.Name]
		if !ok {
			e.logger.Warn().
				Str("predicate", constraint.CustomPredicate.Name).
				Msg("unregistered custom predicate, passing item")
			return true
		}
		return pred(item, slot, constraint.CustomPredicate.Params)
	}
	return true
}

// balance orders eligible items by rest time and returns the winner.
// Never-played items sort ahead of everything; equal rest breaks on
// category weight (heavier first), then lexicographic item ID so the pick
// stays deterministic.
func (e *Engine) balance(snap *inventory.Snapshot, category models.RotationCategory, eligible []models.CatalogItem, slot SlotContext) models.CatalogItem {
	type rested struct {
		item   models.CatalogItem
		rest   time.Duration
		weight float64
	}

	ranked := make([]rested, 0, len(eligible))
	for _, item := range eligible {
		rest := time.Duration(math.MaxInt64)
		if last, ok := snap.LastPlayOfItem(item.ID); ok {
			rest = slot.At.Sub(last)
		}
		weight := category.Weight
		if cat, ok := snap.Category(item.CategoryID); ok {
			weight = cat.Weight
		}
		ranked = append(ranked, rested{item: item, rest: rest, weight: weight})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].rest != ranked[j].rest {
			return ranked[i].rest > ranked[j].rest
		}
		if ranked[i].weight != ranked[j].weight {
			return ranked[i].weight > ranked[j].weight
		}
		return ranked[i].item.ID < ranked[j].item.ID
	})

	winner := ranked[0].item
	e.logger.Debug().
		Str("category_id", category.ID).
		Str("item_id", winner.ID).
		Str("artist", winner.Artist).
		Int("eligible", len(eligible)).
		Msg("rotation pick")
	return winner
}

// SelectEmergency picks the longest-rested item from the category chain
// ignoring every rule. Used when a live schedule runs dry and silence is the
// only alternative.
func (e *Engine) SelectEmergency(snap *inventory.Snapshot, categoryID string, slot SlotContext) (models.CatalogItem, error) {
	chain := []string{}
	seen := map[string]bool{}
	current := categoryID

	for current != "" && !seen[current] {
		seen[current] = true
		chain = append(chain, current)

		category, ok := snap.Category(current)
		if !ok {
			break
		}
		if pool := snap.Items(category.ID); len(pool) > 0 {
			pick := e.balance(snap, category, pool, slot)
			e.logger.Warn().
				Str("category_id", categoryID).
				Str("item_id", pick.ID).
				Msg("emergency pick bypassed rotation rules")
			return pick, nil
		}
		if category.FallbackCategoryID == nil {
			break
		}
		current = *category.FallbackCategoryID
	}

	return models.CatalogItem{}, &NoEligibleItemError{CategoryID: categoryID, Chain: chain}
}
