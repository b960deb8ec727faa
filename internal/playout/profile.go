/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"time"

	"github.com/friendsincode/muninn_playout/internal/models"
)

// ProfileName identifies a crossfade profile.
type ProfileName string

const (
	ProfileTightTalkback ProfileName = "tight_talkback"
	ProfileStandard      ProfileName = "standard"
	ProfileLongBlend     ProfileName = "long_blend"
	ProfileHardCut       ProfileName = "hard_cut"
)

// Profile describes how one item hands off to the next. FadeOut applies to
// the outgoing item, FadeIn to the incoming one; PreTrimDB attenuates the
// outgoing tail before a cut so the edit does not pop.
type Profile struct {
	Name      ProfileName
	FadeOut   time.Duration
	FadeIn    time.Duration
	PreTrimDB float64
}

// Overlap is the wall-clock span both items are audible.
func (p Profile) Overlap() time.Duration {
	if p.FadeOut > p.FadeIn {
		return p.FadeOut
	}
	return p.FadeIn
}

var profiles = map[ProfileName]Profile{
	ProfileTightTalkback: {Name: ProfileTightTalkback, FadeOut: 400 * time.Millisecond, FadeIn: 200 * time.Millisecond},
	ProfileStandard:      {Name: ProfileStandard, FadeOut: 1800 * time.Millisecond, FadeIn: 1800 * time.Millisecond},
	ProfileLongBlend:     {Name: ProfileLongBlend, FadeOut: 4 * time.Second, FadeIn: 4 * time.Second},
	ProfileHardCut:       {Name: ProfileHardCut, PreTrimDB: -9},
}

// slowTempoBPM is the ceiling under which two adjacent music items get the
// long blend instead of the standard crossfade.
const slowTempoBPM = 95

// ProfileFor selects the crossfade profile for a segue. Speech on either
// side wants the tight talkback timing; a cut into a mandatory position is
// hard so break grids stay exact; slow adjacent songs blend long; everything
// else takes the standard music crossfade.
func ProfileFor(outgoing, incoming *models.CatalogItem, incomingMandatory bool) Profile {
	if incomingMandatory {
		return profiles[ProfileHardCut]
	}
	if outgoing == nil || incoming == nil {
		return profiles[ProfileHardCut]
	}
	if outgoing.Kind == models.KindSpeech || incoming.Kind == models.KindSpeech {
		return profiles[ProfileTightTalkback]
	}
	if outgoing.Kind == models.KindSweeper || incoming.Kind == models.KindSweeper {
		return profiles[ProfileTightTalkback]
	}
	if outgoing.Tempo > 0 && incoming.Tempo > 0 &&
		outgoing.Tempo < slowTempoBPM && incoming.Tempo < slowTempoBPM {
		return profiles[ProfileLongBlend]
	}
	return profiles[ProfileStandard]
}

// DuckSource ranks concurrent audio sources. Higher outranks lower; the
// loser is attenuated, never muted.
type DuckSource int

const (
	DuckMusicBed DuckSource = iota
	DuckPromo
	DuckLiveMic
	DuckVoiceOver
)

// duckGainDB is the attenuation applied to the losing source.
const duckGainDB = -12.0

// DuckGain returns the gain in dB each of two concurrent sources should
// play at. Equal priority leaves both untouched.
func DuckGain(a, b DuckSource) (gainA, gainB float64) {
	switch {
	case a > b:
		return 0, duckGainDB
	case b > a:
		return duckGainDB, 0
	default:
		return 0, 0
	}
}
