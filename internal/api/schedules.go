/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/friendsincode/muninn_playout/internal/models"
	"github.com/friendsincode/muninn_playout/internal/schedule"
	"github.com/friendsincode/muninn_playout/internal/storage"
	"github.com/friendsincode/muninn_playout/internal/timeline"
)

type scheduleBuildRequest struct {
	StationID string `json:"station_id"`
	ClockID   string `json:"clock_id"`
	StartsAt  string `json:"starts_at"`
	EndsAt    string `json:"ends_at"`
}

func (a *API) handleScheduleBuild(w http.ResponseWriter, r *http.Request) {
	var req scheduleBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.StationID == "" || req.ClockID == "" {
		writeError(w, http.StatusBadRequest, "station_id_and_clock_id_required")
		return
	}
	startsAt, err := time.Parse(time.RFC3339, req.StartsAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_starts_at")
		return
	}
	endsAt, err := time.Parse(time.RFC3339, req.EndsAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_ends_at")
		return
	}

	// Builds run on the queue worker; the response only acknowledges the
	// queued row. Clients poll the schedule until it settles.
	sched, err := a.builder.Enqueue(r.Context(), timeline.BuildRequest{
		StationID: req.StationID,
		ClockID:   req.ClockID,
		StartsAt:  startsAt,
		EndsAt:    endsAt,
	})
	if err != nil {
		a.logger.Error().Err(err).Str("station_id", req.StationID).Msg("schedule enqueue failed")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "enqueue_failed",
			"detail": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"schedule_id": sched.ID,
		"status":      string(sched.Status),
		"created_at":  sched.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSchedulesList(w http.ResponseWriter, r *http.Request) {
	query := a.db.WithContext(r.Context()).Model(&models.Schedule{}).Order("starts_at DESC")
	if stationID := r.URL.Query().Get("station_id"); stationID != "" {
		query = query.Where("station_id = ?", stationID)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	var schedules []models.Schedule
	if err := query.Limit(limit).Find(&schedules).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "query_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (a *API) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")

	var sched models.Schedule
	err := a.db.WithContext(r.Context()).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&sched, "id = ?", scheduleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "schedule_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query_failed")
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (a *API) handleScheduleExport(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")

	format, err := schedule.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported_format")
		return
	}

	result, err := a.exporter.Export(r.Context(), scheduleID, format)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "schedule_not_found")
			return
		}
		a.logger.Error().Err(err).Str("schedule_id", scheduleID).Msg("export failed")
		writeError(w, http.StatusUnprocessableEntity, "export_failed")
		return
	}

	if r.URL.Query().Get("archive") == "true" {
		if a.archive == nil {
			writeError(w, http.StatusConflict, "archive_not_configured")
			return
		}
		key := storage.ExportKey(scheduleID, result.Filename, time.Now())
		if err := a.archive.Put(r.Context(), key, result.ContentType, result.Data); err != nil {
			a.logger.Error().Err(err).Str("key", key).Msg("export archive failed")
			writeError(w, http.StatusBadGateway, "archive_failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"archived": key})
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (a *API) handleScheduleImport(w http.ResponseWriter, r *http.Request) {
	result, err := a.exporter.ImportJSON(r.Context(), r.Body)
	if err != nil {
		a.logger.Error().Err(err).Msg("schedule import failed")
		writeError(w, http.StatusUnprocessableEntity, "import_failed")
		return
	}

	if a.auditSvc != nil {
		entry := models.AuditLog{
			Action: models.AuditActionScheduleImport,
			Details: map[string]any{
				"schedule_id": result.ScheduleID,
				"imported":    result.Imported,
				"skipped":     len(result.Errors),
			},
		}
		if err := a.auditSvc.Log(r.Context(), &entry); err != nil {
			a.logger.Warn().Err(err).Msg("import audit entry lost")
		}
	}

	writeJSON(w, http.StatusCreated, result)
}
