/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import "testing"

func TestLoadRequiresDSN(t *testing.T) {
	t.Setenv("MUNINN_DB_DSN", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when MUNINN_DB_DSN is unset")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MUNINN_DB_DSN", "file::memory:?cache=shared")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBBackend != DatabaseSQLite {
		t.Errorf("DBBackend = %q, want sqlite", cfg.DBBackend)
	}
	if cfg.BacktimeMaxTrim != 0.06 {
		t.Errorf("BacktimeMaxTrim = %v, want 0.06", cfg.BacktimeMaxTrim)
	}
	if cfg.SilenceTrigger.Milliseconds() != 1500 {
		t.Errorf("SilenceTrigger = %v, want 1.5s", cfg.SilenceTrigger)
	}
	if cfg.RecoveryHold.Milliseconds() != 3000 {
		t.Errorf("RecoveryHold = %v, want 3s", cfg.RecoveryHold)
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("MUNINN_DB_DSN", "file::memory:?cache=shared")
	t.Setenv("MUNINN_RECOVERY_THRESHOLD_DB", "-50")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when recovery threshold is below silence threshold")
	}
}
