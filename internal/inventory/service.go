/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/muninn_playout/internal/models"
)

// historyWindow bounds how far back a snapshot loads play history. Separation
// rules look back hours, not days; anything older cannot influence selection.
const historyWindow = 24 * time.Hour

// Service loads inventory snapshots and records play history.
type Service struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewService creates an inventory service.
func NewService(database *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     database,
		logger: logger.With().Str("component", "inventory").Logger(),
	}
}

// Snapshot loads one consistent view of the station's catalog, categories,
// rules, and recent play history. All queries run in a single read
// transaction so a catalog update mid-load cannot produce a torn view.
func (s *Service) Snapshot(ctx context.Context, stationID string) (*Snapshot, error) {
	snap := newSnapshot(stationID, time.Now().UTC())

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var categories []models.RotationCategory
		if err := tx.Where("station_id = ?", stationID).Find(&categories).Error; err != nil {
			return fmt.Errorf("load categories: %w", err)
		}
		for _, cat := range categories {
			snap.categories[cat.ID] = cat
		}

		var items []models.CatalogItem
		if err := tx.Where("station_id = ?", stationID).Find(&items).Error; err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		for _, item := range items {
			snap.addItem(item)
		}

		var rules []models.Rule
		if err := tx.Where("station_id = ? AND active = ?", stationID, true).Find(&rules).Error; err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		for _, rule := range rules {
			snap.addRule(rule)
		}

		cutoff := snap.TakenAt.Add(-historyWindow)
		var history []models.PlayHistory
		if err := tx.Where("station_id = ? AND started_at >= ?", stationID, cutoff).
			Order("started_at ASC").
			Find(&history).Error; err != nil {
			return fmt.Errorf("load play history: %w", err)
		}
		for _, play := range history {
			snap.addHistory(play)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	snap.finalize()

	s.logger.Debug().
		Str("station_id", stationID).
		Int("categories", len(snap.categories)).
		Int("items", len(snap.byID)).
		Int("history_plays", len(snap.plays)).
		Msg("inventory snapshot taken")

	return snap, nil
}

// RecordPlay appends a play history row for an executed item. Catalog records
// belong to the library collaborator; recency annotations are the only writes
// this engine makes against inventory.
func (s *Service) RecordPlay(ctx context.Context, item models.CatalogItem, startedAt, endedAt time.Time) error {
	play := models.PlayHistory{
		ID:         uuid.NewString(),
		StationID:  item.StationID,
		ItemID:     item.ID,
		CategoryID: item.CategoryID,
		Artist:     item.Artist,
		Title:      item.Title,
		Album:      item.Album,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
	}
	if err := s.db.WithContext(ctx).Create(&play).Error; err != nil {
		return fmt.Errorf("record play: %w", err)
	}
	return nil
}
