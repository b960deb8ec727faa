/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package rotation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/friendsincode/muninn_playout/internal/models"
)

// ConstraintKind tags the variant carried in a rule definition.
type ConstraintKind string

const (
	ConstraintArtistSeparation    ConstraintKind = "artist_separation"
	ConstraintTitleSeparation     ConstraintKind = "title_separation"
	ConstraintCategoryExclusivity ConstraintKind = "category_exclusivity"
	ConstraintTempoWindow         ConstraintKind = "tempo_window"
	ConstraintPlayCaps            ConstraintKind = "play_caps"
	ConstraintCustomPredicate     ConstraintKind = "custom_predicate"
)

// Constraint is a decoded rule definition. Exactly one variant block is
// populated, matching Kind.
type Constraint struct {
	Kind ConstraintKind `json:"kind"`

	ArtistSeparation    *SeparationConstraint  `json:"artist_separation,omitempty"`
	TitleSeparation     *SeparationConstraint  `json:"title_separation,omitempty"`
	CategoryExclusivity *ExclusivityConstraint `json:"category_exclusivity,omitempty"`
	TempoWindow         *TempoConstraint       `json:"tempo_window,omitempty"`
	PlayCaps            *PlayCapsConstraint    `json:"play_caps,omitempty"`
	CustomPredicate     *PredicateConstraint   `json:"custom_predicate,omitempty"`
}

// SeparationConstraint rejects items whose artist or title played within the
// window.
type SeparationConstraint struct {
	Minutes int `json:"minutes"`
}

// Window returns the separation window as a duration.
func (c SeparationConstraint) Window() time.Duration {
	return time.Duration(c.Minutes) * time.Minute
}

// ExclusivityConstraint rejects items when the immediately preceding item in
// the build came from one of the named categories.
type ExclusivityConstraint struct {
	CategoryIDs []string `json:"category_ids"`
}

// TempoConstraint bounds item tempo, absolutely and relative to the previous
// item when MaxJump is set.
type TempoConstraint struct {
	MinBPM  float64 `json:"min_bpm"`
	MaxBPM  float64 `json:"max_bpm"`
	MaxJump float64 `json:"max_jump"`
}

// PlayCapsConstraint bounds artist and album plays in a rolling window.
// Values mirror US digital performance complement limits when set to
// 3 artist plays and 2 album plays over 180 minutes.
type PlayCapsConstraint struct {
	WindowMinutes  int `json:"window_minutes"`
	MaxArtistPlays int `json:"max_artist_plays"`
	MaxAlbumPlays  int `json:"max_album_plays"`
}

// Window returns the cap window as a duration.
func (c PlayCapsConstraint) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// PredicateConstraint dispatches to a registered named predicate.
type PredicateConstraint struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// DecodeConstraint parses a rule's structured definition payload. Unknown
// kinds and kind/variant mismatches are decode errors so misconfigured rules
// fail loudly at selection time instead of silently passing every item.
func DecodeConstraint(rule models.Rule) (Constraint, error) {
	raw, err := json.Marshal(rule.Definition)
	if err != nil {
		return Constraint{}, fmt.Errorf("rule %s: encode definition: %w", rule.ID, err)
	}

	var constraint Constraint
	if err := json.Unmarshal(raw, &constraint); err != nil {
		return Constraint{}, fmt.Errorf("rule %s: decode definition: %w", rule.ID, err)
	}

	switch constraint.Kind {
	case ConstraintArtistSeparation:
		if constraint.ArtistSeparation == nil || constraint.ArtistSeparation.Minutes <= 0 {
			return Constraint{}, fmt.Errorf("rule %s: artist_separation requires positive minutes", rule.ID)
		}
	case ConstraintTitleSeparation:
		if constraint.TitleSeparation == nil || constraint.TitleSeparation.Minutes <= 0 {
			return Constraint{}, fmt.Errorf("rule %s: title_separation requires positive minutes", rule.ID)
		}
	case ConstraintCategoryExclusivity:
		if constraint.CategoryExclusivity == nil || len(constraint.CategoryExclusivity.CategoryIDs) == 0 {
			return Constraint{}, fmt.Errorf("rule %s: category_exclusivity requires category_ids", rule.ID)
		}
	case ConstraintTempoWindow:
		if constraint.TempoWindow == nil {
			return Constraint{}, fmt.Errorf("rule %s: tempo_window requires bounds", rule.ID)
		}
	case ConstraintPlayCaps:
		if constraint.PlayCaps == nil || constraint.PlayCaps.WindowMinutes <= 0 {
			return Constraint{}, fmt.Errorf("rule %s: play_caps requires positive window_minutes", rule.ID)
		}
	case ConstraintCustomPredicate:
		if constraint.CustomPredicate == nil || constraint.CustomPredicate.Name == "" {
			return Constraint{}, fmt.Errorf("rule %s: custom_predicate requires name", rule.ID)
		}
	default:
		return Constraint{}, fmt.Errorf("rule %s: unknown constraint kind %q", rule.ID, constraint.Kind)
	}

	return constraint, nil
}
