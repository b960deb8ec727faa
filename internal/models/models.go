/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"strings"
	"time"
)

// Station is the single-station scope root.
type Station struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	Name        string `gorm:"uniqueIndex"`
	Description string `gorm:"type:text"`
	Timezone    string `gorm:"type:varchar(64)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Daypart is a named time-of-day window in station-local time.
// EndHour <= StartHour means the window wraps past midnight.
type Daypart struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	StationID string `gorm:"type:uuid;index"`
	Name      string `gorm:"index"`
	StartHour int
	EndHour   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contains reports whether the local hour falls inside the window.
func (d Daypart) Contains(hour int) bool {
	start, end := d.StartHour, d.EndHour
	if start == end {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// StationClock is the master hourly programming blueprint. Clocks are
// versioned: once a published Schedule references a clock, edits create a
// new version instead of mutating in place.
type StationClock struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	StationID string `gorm:"type:uuid;index"`
	Name      string `gorm:"index"`
	Version   int
	Published bool
	Templates []HourTemplate `gorm:"foreignKey:StationClockID"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HourTemplate is a 3600 second hour layout bound to a daypart. Immutable
// once published; an edit creates a new version with a later EffectiveAt.
type HourTemplate struct {
	ID             string `gorm:"type:uuid;primaryKey"`
	StationClockID string `gorm:"type:uuid;index"`
	DaypartID      string `gorm:"type:uuid;index"`
	Version        int
	EffectiveAt    time.Time `gorm:"index"`
	Published      bool
	Slots          []TemplateSlot `gorm:"foreignKey:HourTemplateID"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SlotType enumerates template slot kinds.
type SlotType string

const (
	SlotRotation SlotType = "rotation"
	SlotBreak    SlotType = "break"
	SlotSweeper  SlotType = "sweeper"
	// SlotFiller marks schedule items synthesized to keep the timeline
	// contiguous; it never appears in a template.
	SlotFiller SlotType = "filler"
)

// TemplateSlot is one element of an HourTemplate. Break slots own ordered
// sub-slots (sweepers and spot positions); ParentSlotID is set on those.
type TemplateSlot struct {
	ID              string  `gorm:"type:uuid;primaryKey"`
	HourTemplateID  string  `gorm:"type:uuid;index"`
	ParentSlotID    *string `gorm:"type:uuid;index"`
	Position        int
	OffsetSeconds   int
	DurationSeconds int
	Type            SlotType `gorm:"type:varchar(16)"`
	CategoryID      string   `gorm:"type:uuid"`
	// Mandatory slots (legal IDs, contracted spots) are exempt from
	// backtime trimming and can never be dropped.
	Mandatory bool
	SubSlots  []TemplateSlot `gorm:"foreignKey:ParentSlotID"`
}

// RotationCategory is a pool of interchangeable inventory grouped by
// programming intent. Referenced by rules and slots, owned by the library.
type RotationCategory struct {
	ID              string `gorm:"type:uuid;primaryKey"`
	StationID       string `gorm:"type:uuid;index"`
	Name            string `gorm:"index"`
	RotationMinutes int
	Weight          float64
	// FallbackCategoryID names the pool consulted when hard rules empty
	// this category (e.g. Power falls back to Power Secondary).
	FallbackCategoryID *string `gorm:"type:uuid"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RuleType orders how a rule participates in selection.
type RuleType string

const (
	RuleHard     RuleType = "hard"
	RuleSoft     RuleType = "soft"
	RuleFallback RuleType = "fallback"
)

// Rule is a selection directive bound to a rotation category. Definition is
// a structured constraint payload decoded by the rotation engine.
type Rule struct {
	ID         string         `gorm:"type:uuid;primaryKey"`
	StationID  string         `gorm:"type:uuid;index"`
	CategoryID string         `gorm:"type:uuid;index"`
	Name       string         `gorm:"type:varchar(255)"`
	Type       RuleType       `gorm:"type:varchar(16)"`
	Priority   int
	Definition map[string]any `gorm:"type:jsonb;serializer:json"`
	Active     bool           `gorm:"not null;default:true"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ItemKind is the segue class of a catalog item.
type ItemKind string

const (
	KindMusic   ItemKind = "music"
	KindSpeech  ItemKind = "speech"
	KindSweeper ItemKind = "sweeper"
)

// CatalogItem is an inventory asset. Catalog records arrive from the library
// collaborator; the scheduler only annotates recency in PlayHistory.
type CatalogItem struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	StationID  string `gorm:"type:uuid;index"`
	CategoryID string `gorm:"type:uuid;index"`
	Title      string `gorm:"index"`
	Artist     string `gorm:"index"`
	Album      string
	Kind       ItemKind `gorm:"type:varchar(16)"`
	Duration   time.Duration
	Tempo      float64
	Energy     float64
	AssetPath  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PlayHistory records executed playout for recency and separation checks.
type PlayHistory struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	StationID  string `gorm:"type:uuid;index"`
	ItemID     string `gorm:"type:uuid;index"`
	CategoryID string `gorm:"type:uuid;index"`
	Artist     string `gorm:"index"`
	Title      string `gorm:"index"`
	Album      string
	StartedAt  time.Time `gorm:"index"`
	EndedAt    time.Time
	Metadata   map[string]any `gorm:"type:jsonb;serializer:json"`
}

// MetadataString retrieves string metadata with fallback to struct fields.
func (p PlayHistory) MetadataString(key string) string {
	if p.Metadata != nil {
		if val, ok := p.Metadata[key]; ok {
			if str, ok := val.(string); ok {
				return str
			}
		}
	}
	switch strings.ToLower(key) {
	case "artist":
		return p.Artist
	case "title":
		return p.Title
	case "album":
		return p.Album
	default:
		return ""
	}
}
