/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/friendsincode/muninn_playout/internal/config"
)

// GstEngine is the production AudioEngine: a PCM mixing session feeding one
// GStreamer encoder process.
type GstEngine struct {
	session *pcmSession
	encoder *Encoder
	logger  zerolog.Logger
}

// NewGstEngine builds the engine from process configuration.
func NewGstEngine(cfg *config.Config, logger zerolog.Logger) *GstEngine {
	sc := sessionConfig{
		GStreamerBin: cfg.GStreamerBin,
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
	}
	encoder := NewEncoder(sc, cfg.AudioSink, logger)
	return &GstEngine{
		session: newPCMSession(sc, nil, logger, nil),
		encoder: encoder,
		logger:  logger.With().Str("component", "gst-engine").Logger(),
	}
}

// Start launches the encoder and the mix pump. Blocks until ctx cancels or
// the pump fails; run it in its own goroutine.
func (g *GstEngine) Start(ctx context.Context) error {
	stdin, err := g.encoder.Start(ctx)
	if err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}
	g.session.SetEncoderIn(stdin)
	return g.session.Pump(ctx)
}

// Preload verifies the asset exists and is a regular readable file. Decode
// errors past that surface through the watchdog as silence.
func (g *GstEngine) Preload(ctx context.Context, assetPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(assetPath)
	if err != nil {
		return fmt.Errorf("asset %s: %w", assetPath, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return fmt.Errorf("asset %s: not a playable file", assetPath)
	}
	f, err := os.Open(assetPath)
	if err != nil {
		return fmt.Errorf("asset %s: %w", assetPath, err)
	}
	return f.Close()
}

// Play starts the asset, blending under the profile.
func (g *GstEngine) Play(ctx context.Context, assetPath string, profile Profile) error {
	return g.session.Play(ctx, assetPath, profile)
}

// PlayOverlay puts an overlay source above the program bed; the bed ducks
// under it for the overlay's duration.
func (g *GstEngine) PlayOverlay(ctx context.Context, assetPath string, src DuckSource) error {
	return g.session.PlayOverlay(ctx, assetPath, src)
}

// SegueActive reports whether a blend is running.
func (g *GstEngine) SegueActive() bool {
	return g.session.SegueActive()
}

// SetOnTrackEnd registers the EOF callback.
func (g *GstEngine) SetOnTrackEnd(fn func()) {
	g.session.SetOnTrackEnd(fn)
}

// Levels streams output loudness samples.
func (g *GstEngine) Levels() <-chan LevelSample {
	return g.encoder.Levels()
}

// Close tears the chain down.
func (g *GstEngine) Close() error {
	err := g.session.Close()
	if stopErr := g.encoder.Stop(); err == nil {
		err = stopErr
	}
	return err
}
