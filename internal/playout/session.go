/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"fmt"
	"io"
	"math"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// pcmSession decodes assets to raw PCM with GStreamer and mixes segues in
// Go by blending S16LE samples into a single encoder stdin. Keeping the mix
// in-process means a segue, once started, runs to completion even while the
// control loop is busy elsewhere.
type pcmSession struct {
	cfg sessionConfig

	mu         sync.Mutex
	cur        *decoderProc
	next       *decoderProc
	overlay    *decoderProc
	overlaySrc DuckSource
	segue      *segueState
	closing    bool

	encoderIn io.WriteCloser

	// Called after the current decoder hits EOF.
	onTrackEnd func()

	logger zerolog.Logger
}

type sessionConfig struct {
	GStreamerBin string
	SampleRate   int
	Channels     int
}

type decoderProc struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
}

type segueState struct {
	start   time.Time
	profile Profile
}

func newPCMSession(cfg sessionConfig, encoderIn io.WriteCloser, logger zerolog.Logger, onTrackEnd func()) *pcmSession {
	return &pcmSession{
		cfg:        cfg,
		encoderIn:  encoderIn,
		onTrackEnd: onTrackEnd,
		logger:     logger.With().Str("component", "pcm-session").Logger(),
	}
}

func (s *pcmSession) SetEncoderIn(w io.WriteCloser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoderIn = w
}

func (s *pcmSession) SetOnTrackEnd(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrackEnd = fn
}

func (s *pcmSession) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	cur := s.cur
	next := s.next
	overlay := s.overlay
	in := s.encoderIn
	s.mu.Unlock()

	if cur != nil {
		_ = cur.stop()
	}
	if next != nil {
		_ = next.stop()
	}
	if overlay != nil {
		_ = overlay.stop()
	}
	if in != nil {
		_ = in.Close()
	}
	return nil
}

// SegueActive reports whether a blend is in flight.
func (s *pcmSession) SegueActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segue != nil
}

// Play starts decoding an asset. With nothing playing it becomes current
// immediately; otherwise a segue begins under the given profile and the
// mixer promotes it when the blend completes.
func (s *pcmSession) Play(ctx context.Context, assetPath string, profile Profile) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return fmt.Errorf("session closing")
	}
	s.mu.Unlock()

	dec, err := s.startDecoder(ctx, assetPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		s.cur = dec
		return nil
	}
	if s.next != nil {
		// A blend is already running; replacing its target mid-flight
		// would glitch. Callers gate on SegueActive.
		_ = dec.stop()
		return fmt.Errorf("segue already in progress")
	}
	s.next = dec
	s.segue = &segueState{start: time.Now(), profile: profile}
	return nil
}

// PlayOverlay starts an overlay source (voice-over, live mic, promo) above
// the program bed. The bed ducks under the overlay for as long as it runs;
// an overlay outranked by the one already active is rejected, a higher or
// equal rank replaces it so only one overlay is ever audible.
func (s *pcmSession) PlayOverlay(ctx context.Context, assetPath string, src DuckSource) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return fmt.Errorf("session closing")
	}
	s.mu.Unlock()

	dec, err := s.startDecoder(ctx, assetPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overlay != nil {
		if src < s.overlaySrc {
			_ = dec.stop()
			return fmt.Errorf("overlay outranked by active %d", s.overlaySrc)
		}
		_ = s.overlay.stop()
	}
	s.overlay = dec
	s.overlaySrc = src
	return nil
}

func (s *pcmSession) startDecoder(ctx context.Context, assetPath string) (*decoderProc, error) {
	rate := s.cfg.SampleRate
	if rate <= 0 {
		rate = 44100
	}
	ch := s.cfg.Channels
	if ch <= 0 {
		ch = 2
	}

	// Real-time decode to S16LE PCM on stdout.
	pipeline := fmt.Sprintf(
		`filesrc location=%q ! decodebin ! audioconvert ! audioresample ! audio/x-raw,format=S16LE,rate=%d,channels=%d ! identity sync=true ! fdsink fd=1`,
		assetPath, rate, ch,
	)

	cmdCtx, cancel := context.WithCancel(ctx)
	shellCmd := fmt.Sprintf("%s -e %s", s.cfg.GStreamerBin, pipeline)
	cmd := exec.CommandContext(cmdCtx, "sh", "-c", shellCmd)
	cmd.Stderr = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("decoder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start decoder: %w", err)
	}

	s.logger.Debug().Int("pid", cmd.Process.Pid).Str("asset", assetPath).Msg("decoder started")

	return &decoderProc{cmd: cmd, stdout: stdout, cancel: cancel}, nil
}

func (d *decoderProc) stop() error {
	if d == nil {
		return nil
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.stdout != nil {
		_ = d.stdout.Close()
	}
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	return nil
}

// Pump continuously writes mixed PCM to encoder stdin. Call once per
// session.
func (s *pcmSession) Pump(ctx context.Context) error {
	rate := s.cfg.SampleRate
	if rate <= 0 {
		rate = 44100
	}
	ch := s.cfg.Channels
	if ch <= 0 {
		ch = 2
	}

	// 20ms frames.
	frameSamples := rate / 50
	if frameSamples <= 0 {
		frameSamples = 882
	}
	frameBytes := frameSamples * ch * 2

	curBuf := make([]byte, frameBytes)
	nextBuf := make([]byte, frameBytes)
	mixBuf := make([]byte, frameBytes)
	ovBuf := make([]byte, frameBytes)
	duckBuf := make([]byte, frameBytes)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return nil
		}
		cur := s.cur
		next := s.next
		overlay := s.overlay
		overlaySrc := s.overlaySrc
		segue := s.segue
		enc := s.encoderIn
		onEnd := s.onTrackEnd
		s.mu.Unlock()

		if enc == nil || cur == nil || cur.stdout == nil {
			time.Sleep(25 * time.Millisecond)
			continue
		}

		if err := readFrame(cur.stdout, curBuf); err != nil {
			// EOF on the outgoing side. A blend in flight promotes its
			// incoming decoder so the on-air item keeps rolling; otherwise
			// the session idles until the next Play call.
			s.mu.Lock()
			_ = cur.stop()
			s.cur = s.next
			s.next = nil
			s.segue = nil
			s.mu.Unlock()
			if onEnd != nil {
				go onEnd()
			}
			continue
		}

		frame := curBuf
		if next != nil && next.stdout != nil && segue != nil {
			// A frame shortfall on the incoming side keeps the current
			// side rolling alone until it catches up.
			if err := readFrame(next.stdout, nextBuf); err == nil {
				elapsed := time.Since(segue.start)
				outV, inV := segueGains(segue.profile, elapsed)
				mixS16LE(curBuf, nextBuf, mixBuf, outV, inV)
				frame = mixBuf

				if elapsed >= segue.profile.Overlap() {
					// Blend complete: promote next to current and report
					// the outgoing track done so the control loop leaves
					// the overlap.
					s.mu.Lock()
					old := s.cur
					s.cur = s.next
					s.next = nil
					s.segue = nil
					s.mu.Unlock()
					if old != nil {
						_ = old.stop()
					}
					if onEnd != nil {
						go onEnd()
					}
				}
			}
		}

		frame = s.applyOverlay(overlay, overlaySrc, frame, ovBuf, duckBuf)
		if _, err := enc.Write(frame); err != nil {
			return err
		}
	}
}

// applyOverlay mixes the active overlay onto the program frame with the
// losing side ducked per priority. Overlay EOF just clears it; overlays are
// not tracked schedule items and raise no callbacks.
func (s *pcmSession) applyOverlay(overlay *decoderProc, src DuckSource, frame, ovBuf, duckBuf []byte) []byte {
	if overlay == nil || overlay.stdout == nil {
		return frame
	}
	if err := readFrame(overlay.stdout, ovBuf); err != nil {
		s.mu.Lock()
		if s.overlay == overlay {
			s.overlay = nil
		}
		s.mu.Unlock()
		_ = overlay.stop()
		return frame
	}
	bedDB, overlayDB := DuckGain(DuckMusicBed, src)
	mixS16LE(frame, ovBuf, duckBuf, dbToLinear(bedDB), dbToLinear(overlayDB))
	return duckBuf
}

// segueGains computes per-side linear gains at a point in the blend.
// The outgoing side ramps down over FadeOut, the incoming side ramps up
// over FadeIn; a hard cut silences the outgoing side instantly after
// applying its pre-trim.
func segueGains(profile Profile, elapsed time.Duration) (outV, inV float64) {
	if profile.Overlap() <= 0 {
		return 0, 1
	}

	outV = 1.0
	if profile.FadeOut > 0 {
		p := float64(elapsed) / float64(profile.FadeOut)
		if p > 1 {
			p = 1
		}
		outV = 1 - p
	} else {
		outV = 0
	}
	if profile.PreTrimDB != 0 {
		outV *= dbToLinear(profile.PreTrimDB)
	}

	inV = 1.0
	if profile.FadeIn > 0 {
		p := float64(elapsed) / float64(profile.FadeIn)
		if p > 1 {
			p = 1
		}
		inV = p
	}
	return outV, inV
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

func readFrame(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

func mixS16LE(a, b, out []byte, av, bv float64) {
	// Mix signed 16-bit little-endian samples, clamped to [-32768, 32767].
	for i := 0; i+1 < len(out); i += 2 {
		as := int16(uint16(a[i]) | uint16(a[i+1])<<8)
		bs := int16(uint16(b[i]) | uint16(b[i+1])<<8)
		m := int32(float64(as)*av + float64(bs)*bv)
		if m > 32767 {
			m = 32767
		} else if m < -32768 {
			m = -32768
		}
		u := uint16(int16(m))
		out[i] = byte(u & 0xff)
		out[i+1] = byte((u >> 8) & 0xff)
	}
}
