/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"gorm.io/gorm"

	"github.com/friendsincode/muninn_playout/internal/models"
)

type playoutLoadRequest struct {
	ScheduleID string `json:"schedule_id"`
}

func (a *API) handlePlayoutLoad(w http.ResponseWriter, r *http.Request) {
	if a.sequencer == nil {
		writeError(w, http.StatusConflict, "playout_disabled")
		return
	}
	var req playoutLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScheduleID == "" {
		writeError(w, http.StatusBadRequest, "schedule_id_required")
		return
	}
	if err := a.sequencer.Load(r.Context(), req.ScheduleID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "schedule_not_found")
			return
		}
		a.logger.Error().Err(err).Str("schedule_id", req.ScheduleID).Msg("playout load failed")
		writeError(w, http.StatusUnprocessableEntity, "load_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "schedule_id": req.ScheduleID})
}

func (a *API) handlePlayoutState(w http.ResponseWriter, r *http.Request) {
	if a.sequencer == nil {
		writeJSON(w, http.StatusOK, map[string]string{"state": "disabled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(a.sequencer.State())})
}

type overrideRequest struct {
	ItemID   string `json:"item_id"`
	Operator string `json:"operator"`
}

func (a *API) handleOverrideEngage(w http.ResponseWriter, r *http.Request) {
	if a.sequencer == nil {
		writeError(w, http.StatusConflict, "playout_disabled")
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.ItemID == "" || req.Operator == "" {
		writeError(w, http.StatusBadRequest, "item_id_and_operator_required")
		return
	}

	var item models.CatalogItem
	err := a.db.WithContext(r.Context()).First(&item, "id = ?", req.ItemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "item_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query_failed")
		return
	}

	a.sequencer.EngageOverride(item, req.Operator)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "override_requested",
		"item_id":  item.ID,
		"operator": req.Operator,
	})
}

func (a *API) handleOverrideRelease(w http.ResponseWriter, r *http.Request) {
	if a.sequencer == nil {
		writeError(w, http.StatusConflict, "playout_disabled")
		return
	}
	operator := r.URL.Query().Get("operator")
	if operator == "" {
		writeError(w, http.StatusBadRequest, "operator_required")
		return
	}
	a.sequencer.ReleaseOverride(operator)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "release_requested"})
}
