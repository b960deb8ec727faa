/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audit persists an operator-facing trail of playout and schedule
// actions by subscribing to the event bus.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/muninn_playout/internal/events"
	"github.com/friendsincode/muninn_playout/internal/models"
)

// audited maps the bus events worth a durable record to their actions.
// High-rate playback events (item started/ended, segues) stay out; play
// history already covers those.
var audited = map[events.EventType]models.AuditAction{
	events.EventOverrideEngaged:  models.AuditActionOverrideEngage,
	events.EventOverrideReleased: models.AuditActionOverrideRelease,
	events.EventOverrideConflict: models.AuditActionOverrideConflict,
	events.EventPlayoutFailover:  models.AuditActionPlayoutFailover,
	events.EventPlayoutRecovered: models.AuditActionPlayoutRecovered,
	events.EventScheduleReady:    models.AuditActionScheduleReady,
	events.EventScheduleFailed:   models.AuditActionScheduleFailed,
}

// Service records audit entries from bus events and serves queries.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger
}

// NewService creates an audit service.
func NewService(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Run subscribes to the full event stream and persists the audited subset
// until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	sub := s.bus.SubscribeAll()
	defer s.bus.UnsubscribeAll(sub)

	s.logger.Info().Msg("audit trail started")
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			event, _ := payload["event"].(string)
			action, watched := audited[events.EventType(event)]
			if !watched {
				continue
			}
			s.record(ctx, action, payload)
		}
	}
}

func (s *Service) record(ctx context.Context, action models.AuditAction, payload events.Payload) {
	entry := models.AuditLog{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Details:   make(map[string]any, len(payload)),
	}
	for k, v := range payload {
		switch k {
		case "event":
		case "station_id":
			entry.StationID, _ = v.(string)
		case "operator", "winning_operator":
			entry.Operator, _ = v.(string)
		default:
			entry.Details[k] = v
		}
	}

	if err := s.Log(ctx, &entry); err != nil {
		s.logger.Error().Err(err).Str("action", string(action)).Msg("audit entry lost")
	}
}

// Log records an entry directly, for actions that bypass the bus such as
// schedule imports.
func (s *Service) Log(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Details == nil {
		entry.Details = make(map[string]any)
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

// QueryFilters narrows an audit query.
type QueryFilters struct {
	StationID string
	Operator  string
	Action    models.AuditAction
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Query returns matching entries newest first plus the unpaged total.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.AuditLog, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AuditLog{})

	if filters.StationID != "" {
		query = query.Where("station_id = ?", filters.StationID)
	}
	if filters.Operator != "" {
		query = query.Where("operator = ?", filters.Operator)
	}
	if filters.Action != "" {
		query = query.Where("action = ?", filters.Action)
	}
	if !filters.Since.IsZero() {
		query = query.Where("timestamp >= ?", filters.Since)
	}
	if !filters.Until.IsZero() {
		query = query.Where("timestamp <= ?", filters.Until)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}
	var logs []models.AuditLog
	err := query.Order("timestamp DESC").Limit(limit).Offset(filters.Offset).Find(&logs).Error
	return logs, total, err
}
