/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/friendsincode/muninn_playout/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.Station{},
		&models.Daypart{},
		&models.StationClock{},
		&models.HourTemplate{},
		&models.TemplateSlot{},
		&models.RotationCategory{},
		&models.Rule{},
		&models.CatalogItem{},
		&models.PlayHistory{},
		&models.Schedule{},
		&models.ScheduleItem{},
		&models.AuditLog{},
	); err != nil {
		return err
	}

	return applyPostgresScheduleOverlapGuard(database)
}

// applyPostgresScheduleOverlapGuard installs a trigger that rejects
// overlapping schedule items at the database level. The timeline builder
// already guarantees non-overlap; this guard catches out-of-band writes.
func applyPostgresScheduleOverlapGuard(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	stmt := `
CREATE OR REPLACE FUNCTION prevent_schedule_item_overlap()
RETURNS trigger
LANGUAGE plpgsql
AS $$
BEGIN
  IF NEW.ends_at <= NEW.starts_at THEN
    RAISE EXCEPTION 'schedule item end must be after start'
      USING ERRCODE = '23514';
  END IF;

  IF EXISTS (
    SELECT 1
    FROM schedule_items si
    WHERE si.schedule_id = NEW.schedule_id
      AND si.id <> NEW.id
      AND tstzrange(si.starts_at, si.ends_at, '[)') && tstzrange(NEW.starts_at, NEW.ends_at, '[)')
  ) THEN
    RAISE EXCEPTION 'overlapping items are not allowed in schedule %', NEW.schedule_id
      USING ERRCODE = '23514';
  END IF;

  RETURN NEW;
END;
$$;

DROP TRIGGER IF EXISTS trg_prevent_schedule_item_overlap ON schedule_items;

CREATE TRIGGER trg_prevent_schedule_item_overlap
BEFORE INSERT OR UPDATE OF schedule_id, starts_at, ends_at
ON schedule_items
FOR EACH ROW
EXECUTE FUNCTION prevent_schedule_item_overlap();
`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply postgres schedule overlap guard: %w", err)
	}

	return nil
}
