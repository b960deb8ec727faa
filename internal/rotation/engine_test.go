/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package rotation

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/muninn_playout/internal/inventory"
	"github.com/friendsincode/muninn_playout/internal/models"
)

var testNow = time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	snap *inventory.Snapshot
}

func newFixture(t *testing.T, categories []models.RotationCategory, items []models.CatalogItem, rules []models.Rule) *fixture {
	t.Helper()
	snap := inventory.NewStaticSnapshot("station-1", testNow, categories, items, rules)
	return &fixture{snap: snap}
}

func musicItem(id, artist, title, categoryID string) models.CatalogItem {
	return models.CatalogItem{
		ID:         id,
		StationID:  "station-1",
		CategoryID: categoryID,
		Artist:     artist,
		Title:      title,
		Kind:       models.KindMusic,
		Duration:   3 * time.Minute,
		Tempo:      120,
		Energy:     0.6,
	}
}

func TestSelectItemPrefersLongestRested(t *testing.T) {
	category := models.RotationCategory{ID: "power", Name: "Power", RotationMinutes: 0}
	itemA := musicItem("item-a", "Artist A", "Song A", "power")
	itemB := musicItem("item-b", "Artist B", "Song B", "power")
	itemC := musicItem("item-c", "Artist C", "Song C", "power")

	f := newFixture(t, []models.RotationCategory{category},
		[]models.CatalogItem{itemA, itemB, itemC}, nil)
	f.snap.Observe(itemA, testNow.Add(-10*time.Minute))
	f.snap.Observe(itemB, testNow.Add(-90*time.Minute))

	engine := NewEngine(zerolog.Nop())
	got, err := engine.SelectItem(f.snap, "power", SlotContext{At: testNow})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != "item-c" {
		t.Fatalf("pick = %s, want never-played item-c", got.ID)
	}
}

func TestSelectItemRotationGateExcludesFreshPlays(t *testing.T) {
	category := models.RotationCategory{ID: "power", RotationMinutes: 120}
	itemA := musicItem("item-a", "Artist A", "Song A", "power")
	itemB := musicItem("item-b", "Artist B", "Song B", "power")

	f := newFixture(t, []models.RotationCategory{category},
		[]models.CatalogItem{itemA, itemB}, nil)
	f.snap.Observe(itemA, testNow.Add(-30*time.Minute))
	f.snap.Observe(itemB, testNow.Add(-3*time.Hour))

	engine := NewEngine(zerolog.Nop())
	got, err := engine.SelectItem(f.snap, "power", SlotContext{At: testNow})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != "item-b" {
		t.Fatalf("pick = %s, want item-b (item-a inside rotation window)", got.ID)
	}
}

func TestSelectItemHardRuleWalksFallbackChain(t *testing.T) {
	fallbackID := "power-secondary"
	primary := models.RotationCategory{ID: "power", FallbackCategoryID: &fallbackID}
	secondary := models.RotationCategory{ID: fallbackID}

	blocked := musicItem("item-a", "Same Artist", "Song A", "power")
	rescue := musicItem("item-z", "Other Artist", "Song Z", fallbackID)

	rule := models.Rule{
		ID:         "rule-sep",
		CategoryID: "power",
		Type:       models.RuleHard,
		Priority:   100,
		Definition: map[string]any{
			"kind":              "artist_separation",
			"artist_separation": map[string]any{"minutes": 60},
		},
	}

	f := newFixture(t, []models.RotationCategory{primary, secondary},
		[]models.CatalogItem{blocked, rescue}, []models.Rule{rule})
	f.snap.Observe(blocked, testNow.Add(-5*time.Minute))

	engine := NewEngine(zerolog.Nop())
	got, err := engine.SelectItem(f.snap, "power", SlotContext{At: testNow})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != "item-z" {
		t.Fatalf("pick = %s, want fallback item-z", got.ID)
	}
}

func TestSelectItemSoftRuleSkippedWhenPoolWouldEmpty(t *testing.T) {
	category := models.RotationCategory{ID: "gold"}
	slow := musicItem("item-a", "Artist A", "Slow Song", "gold")
	slow.Tempo = 70

	rule := models.Rule{
		ID:         "rule-tempo",
		CategoryID: "gold",
		Type:       models.RuleSoft,
		Priority:   50,
		Definition: map[string]any{
			"kind":         "tempo_window",
			"tempo_window": map[string]any{"min_bpm": 100},
		},
	}

	f := newFixture(t, []models.RotationCategory{category},
		[]models.CatalogItem{slow}, []models.Rule{rule})

	engine := NewEngine(zerolog.Nop())
	got, err := engine.SelectItem(f.snap, "gold", SlotContext{At: testNow})
	if err != nil {
		t.Fatalf("soft rule must be skipped, not fail the slot: %v", err)
	}
	if got.ID != "item-a" {
		t.Fatalf("pick = %s, want item-a", got.ID)
	}
}

func TestSelectItemPlayCapsBlockFourthArtistPlay(t *testing.T) {
	category := models.RotationCategory{ID: "power"}
	hot := musicItem("item-a", "Hot Artist", "Song A", "power")
	other := musicItem("item-b", "Other Artist", "Song B", "power")

	rule := models.Rule{
		ID:         "rule-caps",
		CategoryID: "power",
		Type:       models.RuleHard,
		Priority:   100,
		Definition: map[string]any{
			"kind": "play_caps",
			"play_caps": map[string]any{
				"window_minutes":   180,
				"max_artist_plays": 3,
				"max_album_plays":  2,
			},
		},
	}

	f := newFixture(t, []models.RotationCategory{category},
		[]models.CatalogItem{hot, other}, []models.Rule{rule})
	for i := 1; i <= 3; i++ {
		f.snap.Observe(hot, testNow.Add(-time.Duration(i*40)*time.Minute))
	}

	engine := NewEngine(zerolog.Nop())
	got, err := engine.SelectItem(f.snap, "power", SlotContext{At: testNow})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != "item-b" {
		t.Fatalf("pick = %s, want item-b (item-a capped)", got.ID)
	}
}

func TestSelectItemExhaustedChainReturnsNoEligibleItem(t *testing.T) {
	fallbackID := "empty-too"
	primary := models.RotationCategory{ID: "empty", FallbackCategoryID: &fallbackID}
	secondary := models.RotationCategory{ID: fallbackID}

	f := newFixture(t, []models.RotationCategory{primary, secondary}, nil, nil)

	engine := NewEngine(zerolog.Nop())
	_, err := engine.SelectItem(f.snap, "empty", SlotContext{At: testNow})

	var noItem *NoEligibleItemError
	if !errors.As(err, &noItem) {
		t.Fatalf("err = %v, want NoEligibleItemError", err)
	}
	if len(noItem.Chain) != 2 {
		t.Fatalf("chain = %v, want both categories", noItem.Chain)
	}
}

func TestSelectItemIsDeterministic(t *testing.T) {
	category := models.RotationCategory{ID: "power"}
	items := []models.CatalogItem{
		musicItem("item-c", "C", "Song C", "power"),
		musicItem("item-a", "A", "Song A", "power"),
		musicItem("item-b", "B", "Song B", "power"),
	}

	engine := NewEngine(zerolog.Nop())
	var first string
	for i := 0; i < 10; i++ {
		f := newFixture(t, []models.RotationCategory{category}, items, nil)
		got, err := engine.SelectItem(f.snap, "power", SlotContext{At: testNow})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if i == 0 {
			first = got.ID
			continue
		}
		if got.ID != first {
			t.Fatalf("run %d picked %s, first run picked %s", i, got.ID, first)
		}
	}
	if first != "item-a" {
		t.Fatalf("tie break should fall to lowest ID, got %s", first)
	}
}

func TestSelectItemUndecodableHardRuleFailsTyped(t *testing.T) {
	category := models.RotationCategory{ID: "power"}
	only := musicItem("item-a", "Artist A", "Song A", "power")

	broken := models.Rule{
		ID:         "rule-broken",
		CategoryID: "power",
		Type:       models.RuleHard,
		Priority:   100,
		Definition: map[string]any{"kind": "no_such_constraint"},
	}

	f := newFixture(t, []models.RotationCategory{category},
		[]models.CatalogItem{only}, []models.Rule{broken})

	engine := NewEngine(zerolog.Nop())
	_, err := engine.SelectItem(f.snap, "power", SlotContext{At: testNow})

	var invalid *RuleDefinitionInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want RuleDefinitionInvalidError", err)
	}
	if invalid.RuleID != "rule-broken" || invalid.CategoryID != "power" {
		t.Fatalf("error names rule %s category %s", invalid.RuleID, invalid.CategoryID)
	}
	var noItem *NoEligibleItemError
	if errors.As(err, &noItem) {
		t.Fatal("a broken rule must not masquerade as an exhausted pool")
	}
}

func TestSelectItemUndecodableSoftRuleIsSkipped(t *testing.T) {
	category := models.RotationCategory{ID: "power"}
	only := musicItem("item-a", "Artist A", "Song A", "power")

	broken := models.Rule{
		ID:         "rule-broken",
		CategoryID: "power",
		Type:       models.RuleSoft,
		Priority:   50,
		Definition: map[string]any{"kind": "no_such_constraint"},
	}

	f := newFixture(t, []models.RotationCategory{category},
		[]models.CatalogItem{only}, []models.Rule{broken})

	engine := NewEngine(zerolog.Nop())
	got, err := engine.SelectItem(f.snap, "power", SlotContext{At: testNow})
	if err != nil {
		t.Fatalf("broken soft rule must not fail the slot: %v", err)
	}
	if got.ID != "item-a" {
		t.Fatalf("pick = %s, want item-a", got.ID)
	}
}

func TestBalanceEqualRestPrefersHeavierCategory(t *testing.T) {
	heavy := models.RotationCategory{ID: "power", Weight: 5}
	light := models.RotationCategory{ID: "gold", Weight: 1}

	// Lexicographically later ID in the heavier category: only the weight
	// tie-break can pick it.
	heavyItem := musicItem("z-item", "Artist Z", "Song Z", "power")
	lightItem := musicItem("a-item", "Artist A", "Song A", "gold")

	f := newFixture(t, []models.RotationCategory{heavy, light},
		[]models.CatalogItem{heavyItem, lightItem}, nil)

	engine := NewEngine(zerolog.Nop())
	got := engine.balance(f.snap, light, []models.CatalogItem{heavyItem, lightItem}, SlotContext{At: testNow})
	if got.ID != "z-item" {
		t.Fatalf("pick = %s, want z-item from heavier category", got.ID)
	}

	// Equal weight falls to lowest ID.
	sameWeight := musicItem("b-item", "Artist B", "Song B", "power")
	got = engine.balance(f.snap, heavy, []models.CatalogItem{heavyItem, sameWeight}, SlotContext{At: testNow})
	if got.ID != "b-item" {
		t.Fatalf("pick = %s, want b-item on ID tie break", got.ID)
	}
}

func TestSelectEmergencyIgnoresRules(t *testing.T) {
	category := models.RotationCategory{ID: "power", RotationMinutes: 240}
	only := musicItem("item-a", "Artist A", "Song A", "power")

	rule := models.Rule{
		ID:         "rule-sep",
		CategoryID: "power",
		Type:       models.RuleHard,
		Priority:   100,
		Definition: map[string]any{
			"kind":              "artist_separation",
			"artist_separation": map[string]any{"minutes": 600},
		},
	}

	f := newFixture(t, []models.RotationCategory{category},
		[]models.CatalogItem{only}, []models.Rule{rule})
	f.snap.Observe(only, testNow.Add(-time.Minute))

	engine := NewEngine(zerolog.Nop())
	if _, err := engine.SelectItem(f.snap, "power", SlotContext{At: testNow}); err == nil {
		t.Fatal("normal selection should fail under hard rule")
	}

	got, err := engine.SelectEmergency(f.snap, "power", SlotContext{At: testNow})
	if err != nil {
		t.Fatalf("emergency select: %v", err)
	}
	if got.ID != "item-a" {
		t.Fatalf("emergency pick = %s, want item-a", got.ID)
	}
}
