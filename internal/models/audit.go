/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// AuditAction enumerates audited operator and system actions.
type AuditAction string

const (
	AuditActionOverrideEngage   AuditAction = "override.engage"
	AuditActionOverrideRelease  AuditAction = "override.release"
	AuditActionOverrideConflict AuditAction = "override.conflict"
	AuditActionPlayoutFailover  AuditAction = "playout.failover"
	AuditActionPlayoutRecovered AuditAction = "playout.recovered"
	AuditActionScheduleReady    AuditAction = "schedule.ready"
	AuditActionScheduleFailed   AuditAction = "schedule.failed"
	AuditActionScheduleImport   AuditAction = "schedule.import"
)

// AuditLog is a persisted record of one audited action.
type AuditLog struct {
	ID        string      `gorm:"type:uuid;primaryKey" json:"id"`
	Timestamp time.Time   `gorm:"index" json:"timestamp"`
	Action    AuditAction `gorm:"type:varchar(64);index" json:"action"`
	StationID string      `gorm:"type:uuid;index" json:"station_id,omitempty"`
	Operator  string      `gorm:"type:varchar(255);index" json:"operator,omitempty"`
	// Details carries the full event payload for forensic replay.
	Details   map[string]any `gorm:"type:jsonb;serializer:json" json:"details,omitempty"`
	CreatedAt time.Time      `json:"-"`
}
