/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/muninn_playout/internal/events"
	"github.com/friendsincode/muninn_playout/internal/models"
)

func newAuditService(t *testing.T) (*Service, *events.Bus, *gorm.DB) {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&models.AuditLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus()
	return NewService(database, bus, zerolog.Nop()), bus, database
}

func TestRecordExtractsOperatorAndStation(t *testing.T) {
	svc, _, database := newAuditService(t)

	svc.record(context.Background(), models.AuditActionOverrideEngage, events.Payload{
		"event":      "manual_override_engaged",
		"station_id": "station-1",
		"operator":   "alex",
		"item_id":    "item-9",
	})

	var entry models.AuditLog
	if err := database.First(&entry).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.Action != models.AuditActionOverrideEngage {
		t.Fatalf("action = %s", entry.Action)
	}
	if entry.StationID != "station-1" || entry.Operator != "alex" {
		t.Fatalf("station = %q operator = %q", entry.StationID, entry.Operator)
	}
	if entry.Details["item_id"] != "item-9" {
		t.Fatalf("details = %v", entry.Details)
	}
	if _, leaked := entry.Details["event"]; leaked {
		t.Fatal("event tag must not land in details")
	}
}

func TestQueryFiltersAndOrders(t *testing.T) {
	svc, _, _ := newAuditService(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, action := range []models.AuditAction{
		models.AuditActionOverrideEngage,
		models.AuditActionOverrideRelease,
		models.AuditActionPlayoutFailover,
	} {
		entry := models.AuditLog{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Action:    action,
			StationID: "station-1",
			Operator:  "alex",
		}
		if err := svc.Log(ctx, &entry); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	logs, total, err := svc.Query(ctx, QueryFilters{StationID: "station-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 3 || len(logs) != 3 {
		t.Fatalf("total = %d rows = %d", total, len(logs))
	}
	if logs[0].Action != models.AuditActionPlayoutFailover {
		t.Fatalf("first row = %s, want newest first", logs[0].Action)
	}

	logs, total, err = svc.Query(ctx, QueryFilters{Action: models.AuditActionOverrideRelease})
	if err != nil {
		t.Fatalf("query by action: %v", err)
	}
	if total != 1 || logs[0].Action != models.AuditActionOverrideRelease {
		t.Fatalf("filtered total = %d", total)
	}
}

func TestRunPersistsOnlyAuditedEvents(t *testing.T) {
	svc, bus, database := newAuditService(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	// Give the subscriber a moment to register.
	time.Sleep(10 * time.Millisecond)
	bus.Publish(events.EventOverrideConflict, events.Payload{"winning_operator": "sam"})
	bus.Publish(events.EventItemStarted, events.Payload{"item_id": "x"})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	var count int64
	database.Model(&models.AuditLog{}).Count(&count)
	if count != 1 {
		t.Fatalf("audit rows = %d, want only the conflict", count)
	}
	var entry models.AuditLog
	database.First(&entry)
	if entry.Operator != "sam" {
		t.Fatalf("operator = %q", entry.Operator)
	}
}
