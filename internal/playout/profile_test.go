/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"math"
	"testing"
	"time"

	"github.com/friendsincode/muninn_playout/internal/models"
)

func TestProfileForSegueClasses(t *testing.T) {
	music := func(tempo float64) *models.CatalogItem {
		return &models.CatalogItem{Kind: models.KindMusic, Tempo: tempo}
	}
	speech := &models.CatalogItem{Kind: models.KindSpeech}

	cases := []struct {
		name     string
		out, in  *models.CatalogItem
		mandNext bool
		want     ProfileName
	}{
		{"music into music", music(120), music(128), false, ProfileStandard},
		{"speech into music", speech, music(120), false, ProfileTightTalkback},
		{"music into speech", music(120), speech, false, ProfileTightTalkback},
		{"slow into slow", music(80), music(72), false, ProfileLongBlend},
		{"slow into fast", music(80), music(130), false, ProfileStandard},
		{"into mandatory break", music(120), music(120), true, ProfileHardCut},
		{"missing outgoing", nil, music(120), false, ProfileHardCut},
	}

	for _, tc := range cases {
		got := ProfileFor(tc.out, tc.in, tc.mandNext)
		if got.Name != tc.want {
			t.Errorf("%s: profile = %s, want %s", tc.name, got.Name, tc.want)
		}
	}
}

func TestProfileTimings(t *testing.T) {
	tight := profiles[ProfileTightTalkback]
	if tight.FadeOut != 400*time.Millisecond || tight.FadeIn != 200*time.Millisecond {
		t.Fatalf("tight talkback timings = %v/%v", tight.FadeOut, tight.FadeIn)
	}
	std := profiles[ProfileStandard]
	if std.FadeOut != 1800*time.Millisecond || std.FadeIn != 1800*time.Millisecond {
		t.Fatalf("standard timings = %v/%v", std.FadeOut, std.FadeIn)
	}
	long := profiles[ProfileLongBlend]
	if long.Overlap() != 4*time.Second {
		t.Fatalf("long blend overlap = %v", long.Overlap())
	}
	hard := profiles[ProfileHardCut]
	if hard.Overlap() != 0 || hard.PreTrimDB != -9 {
		t.Fatalf("hard cut = overlap %v pre-trim %v", hard.Overlap(), hard.PreTrimDB)
	}
}

func TestSegueGainsHardCutSilencesOutgoing(t *testing.T) {
	outV, inV := segueGains(profiles[ProfileHardCut], 0)
	if outV != 0 || inV != 1 {
		t.Fatalf("hard cut gains = %v/%v, want 0/1", outV, inV)
	}
}

func TestSegueGainsStandardMidpoint(t *testing.T) {
	outV, inV := segueGains(profiles[ProfileStandard], 900*time.Millisecond)
	if math.Abs(outV-0.5) > 0.01 || math.Abs(inV-0.5) > 0.01 {
		t.Fatalf("midpoint gains = %v/%v, want ~0.5/0.5", outV, inV)
	}
}

func TestDuckGainPriorities(t *testing.T) {
	if a, b := DuckGain(DuckVoiceOver, DuckMusicBed); a != 0 || b != duckGainDB {
		t.Fatalf("voice-over over music bed = %v/%v", a, b)
	}
	if a, b := DuckGain(DuckPromo, DuckLiveMic); a != duckGainDB || b != 0 {
		t.Fatalf("promo under live mic = %v/%v", a, b)
	}
	if a, b := DuckGain(DuckLiveMic, DuckLiveMic); a != 0 || b != 0 {
		t.Fatalf("equal priority must not duck, got %v/%v", a, b)
	}
}

func TestParseLevelLine(t *testing.T) {
	line := `ELEMENT level0: level, rms=(GValueArray)< -21.398, -22.107 >, peak=(GValueArray)< -15.2, -16.0 >;`
	rms, ok := parseLevelLine(line)
	if !ok {
		t.Fatal("expected level line to parse")
	}
	if math.Abs(rms-(-21.398)) > 0.001 {
		t.Fatalf("rms = %v, want loudest channel -21.398", rms)
	}

	if _, ok := parseLevelLine("unrelated output"); ok {
		t.Fatal("non-level line must not parse")
	}
}
