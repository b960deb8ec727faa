/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the HTTP control surface: schedule builds, exports,
// playout control, and the live event stream.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/muninn_playout/internal/audit"
	"github.com/friendsincode/muninn_playout/internal/events"
	"github.com/friendsincode/muninn_playout/internal/logbuffer"
	"github.com/friendsincode/muninn_playout/internal/playout"
	"github.com/friendsincode/muninn_playout/internal/schedule"
	"github.com/friendsincode/muninn_playout/internal/storage"
	"github.com/friendsincode/muninn_playout/internal/timeline"
	"github.com/friendsincode/muninn_playout/internal/version"
)

// API exposes HTTP handlers.
type API struct {
	db        *gorm.DB
	builder   *timeline.Builder
	exporter  *schedule.ExportService
	archive   storage.ObjectStore
	sequencer *playout.Sequencer
	auditSvc  *audit.Service
	bus       *events.Bus
	logBuffer *logbuffer.Buffer
	logger    zerolog.Logger
	started   time.Time
}

// New creates the API handler set. archive and sequencer may be nil when
// the process runs without S3 or without an audio device.
func New(db *gorm.DB, builder *timeline.Builder, exporter *schedule.ExportService, archive storage.ObjectStore, sequencer *playout.Sequencer, auditSvc *audit.Service, bus *events.Bus, logBuf *logbuffer.Buffer, logger zerolog.Logger) *API {
	return &API{
		db:        db,
		builder:   builder,
		exporter:  exporter,
		archive:   archive,
		sequencer: sequencer,
		auditSvc:  auditSvc,
		bus:       bus,
		logBuffer: logBuf,
		logger:    logger.With().Str("component", "api").Logger(),
		started:   time.Now(),
	}
}

// Routes mounts API routes on the provided router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Get("/status", a.handleStatus)
		r.Get("/events", a.handleEvents)

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", a.handleSchedulesList)
			r.Post("/", a.handleScheduleBuild)
			r.Post("/import", a.handleScheduleImport)
			r.Route("/{scheduleID}", func(r chi.Router) {
				r.Get("/", a.handleScheduleGet)
				r.Get("/export", a.handleScheduleExport)
			})
		})

		r.Route("/playout", func(r chi.Router) {
			r.Get("/state", a.handlePlayoutState)
			r.Post("/load", a.handlePlayoutLoad)
			r.Post("/override", a.handleOverrideEngage)
			r.Delete("/override", a.handleOverrideRelease)
		})

		r.Get("/logs", a.handleLogs)
		r.Get("/audit", a.handleAuditList)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"version":        version.String(),
		"uptime_seconds": int(time.Since(a.started).Seconds()),
	}
	if a.sequencer != nil {
		status["playout_state"] = string(a.sequencer.State())
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
