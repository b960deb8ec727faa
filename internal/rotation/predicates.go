/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package rotation

import (
	"time"

	"github.com/friendsincode/muninn_playout/internal/models"
)

func predicateMinEnergy(item models.CatalogItem, _ SlotContext, params map[string]any) bool {
	floor := paramFloat(params, "floor")
	if floor <= 0 {
		return true
	}
	return item.Energy >= floor
}

func predicateMaxDuration(item models.CatalogItem, _ SlotContext, params map[string]any) bool {
	seconds := paramFloat(params, "seconds")
	if seconds <= 0 {
		return true
	}
	return item.Duration <= time.Duration(seconds*float64(time.Second))
}

func paramFloat(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
