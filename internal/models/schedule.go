/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// ScheduleStatus tracks the lifecycle of a materialized schedule.
type ScheduleStatus string

const (
	ScheduleQueued   ScheduleStatus = "queued"
	ScheduleBuilding ScheduleStatus = "building"
	ScheduleReady    ScheduleStatus = "ready"
	ScheduleFailed   ScheduleStatus = "failed"
)

// Schedule is the materialized output for a date range: an ordered,
// non-overlapping sequence of items with absolute timestamps.
type Schedule struct {
	ID             string `gorm:"type:uuid;primaryKey"`
	StationID      string `gorm:"type:uuid;index"`
	StationClockID string `gorm:"type:uuid;index"`
	DaypartID      string `gorm:"type:uuid"`
	Timezone       string `gorm:"type:varchar(64)"`
	StartsAt       time.Time
	EndsAt         time.Time
	Status         ScheduleStatus `gorm:"type:varchar(16);index"`
	Error          string         `gorm:"type:text"`
	Items          []ScheduleItem `gorm:"foreignKey:ScheduleID"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ScheduleItem is one playable element of a schedule, traceable back to the
// template slot and template version that produced it.
type ScheduleItem struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	ScheduleID string `gorm:"type:uuid;index"`
	Position   int    `gorm:"index"`
	StartsAt   time.Time
	EndsAt     time.Time
	SlotType   SlotType `gorm:"type:varchar(16)"`
	SlotID     string   `gorm:"type:uuid"`
	TemplateID string   `gorm:"type:uuid"`
	CategoryID string   `gorm:"type:uuid"`
	// ItemID is empty until the rotation engine resolves the slot, and
	// stays empty for filler items.
	ItemID    string `gorm:"type:uuid"`
	Mandatory bool
	// TrimRatio is the backtime speed trim applied to this item, 0 when
	// untrimmed. Bounded by the configured maximum (default 0.06).
	TrimRatio float64
	Metadata  map[string]any `gorm:"type:jsonb;serializer:json"`
	CreatedAt time.Time
}

// Duration returns the scheduled wall-clock length of the item.
func (i ScheduleItem) Duration() time.Duration {
	return i.EndsAt.Sub(i.StartsAt)
}

// Overlaps reports whether two items' [start, end) intervals intersect.
func (i ScheduleItem) Overlaps(other ScheduleItem) bool {
	return i.StartsAt.Before(other.EndsAt) && other.StartsAt.Before(i.EndsAt)
}
