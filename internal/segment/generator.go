/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package segment is the boundary to external segment producers: TTS hosts,
// liner generators, anything that can fill airtime on request. The scheduler
// never talks to those systems directly; it asks a Generator and records
// whatever comes back.
package segment

import (
	"context"
	"time"
)

// Request describes the airtime a generated segment has to fill.
type Request struct {
	StationID string
	// At is the absolute start of the gap being filled.
	At time.Time
	// Duration is the exact length the segment must cover.
	Duration time.Duration
	// PreviousTitle and PreviousArtist give the producer conversational
	// context; either may be empty.
	PreviousTitle  string
	PreviousArtist string
}

// Segment is produced content ready for playout.
type Segment struct {
	Title     string
	AssetPath string
	Duration  time.Duration
}

// Generator produces a segment for a gap. Implementations live outside this
// repository; a nil Generator means gaps stay as plain filler.
type Generator interface {
	Generate(ctx context.Context, req Request) (Segment, error)
}
