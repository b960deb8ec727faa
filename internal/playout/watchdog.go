/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"time"
)

// WatchdogEvent is a state transition decided by the silence watchdog.
type WatchdogEvent int

const (
	WatchdogNone WatchdogEvent = iota
	WatchdogSilence
	WatchdogRecovered
)

// Watchdog detects dead air with hysteresis. Levels at or below the silence
// threshold must persist past the trigger window before failover fires;
// recovery requires the level to hold above the separate, louder recovery
// threshold for the full hold window, so a single spike cannot flap the
// chain back.
type Watchdog struct {
	silenceThresholdDB  float64
	silenceTrigger      time.Duration
	recoveryThresholdDB float64
	recoveryHold        time.Duration

	failed      bool
	belowSince  time.Time
	aboveSince  time.Time
	lastSilence time.Duration
}

// NewWatchdog creates a silence watchdog. recoveryThresholdDB must be
// louder than silenceThresholdDB; config validation enforces that upstream.
func NewWatchdog(silenceThresholdDB float64, silenceTrigger time.Duration, recoveryThresholdDB float64, recoveryHold time.Duration) *Watchdog {
	return &Watchdog{
		silenceThresholdDB:  silenceThresholdDB,
		silenceTrigger:      silenceTrigger,
		recoveryThresholdDB: recoveryThresholdDB,
		recoveryHold:        recoveryHold,
	}
}

// Failed reports whether the watchdog currently considers the chain dead.
func (w *Watchdog) Failed() bool {
	return w.failed
}

// SilenceDuration reports how long the chain had been silent when the last
// silence transition fired. Zero until the first trigger.
func (w *Watchdog) SilenceDuration() time.Duration {
	return w.lastSilence
}

// Observe feeds one level sample and returns the transition it causes, if
// any. Samples must arrive in time order.
func (w *Watchdog) Observe(sample LevelSample) WatchdogEvent {
	if !w.failed {
		if sample.RMS <= w.silenceThresholdDB {
			if w.belowSince.IsZero() {
				w.belowSince = sample.At
				return WatchdogNone
			}
			if sample.At.Sub(w.belowSince) > w.silenceTrigger {
				w.failed = true
				w.lastSilence = sample.At.Sub(w.belowSince)
				w.belowSince = time.Time{}
				w.aboveSince = time.Time{}
				return WatchdogSilence
			}
			return WatchdogNone
		}
		w.belowSince = time.Time{}
		return WatchdogNone
	}

	// Failed: look for sustained signal above the recovery threshold.
	if sample.RMS >= w.recoveryThresholdDB {
		if w.aboveSince.IsZero() {
			w.aboveSince = sample.At
			return WatchdogNone
		}
		if sample.At.Sub(w.aboveSince) >= w.recoveryHold {
			w.failed = false
			w.aboveSince = time.Time{}
			w.belowSince = time.Time{}
			return WatchdogRecovered
		}
		return WatchdogNone
	}
	// Any dip below the recovery threshold restarts the hold window,
	// including levels that would not count as silence.
	w.aboveSince = time.Time{}
	return WatchdogNone
}
