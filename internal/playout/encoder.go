/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LevelSample is one loudness measurement from the output chain.
type LevelSample struct {
	At  time.Time
	RMS float64 // dBFS
}

// Encoder runs the GStreamer output process: raw PCM in on stdin, audio out
// on the configured sink, RMS level messages parsed off stdout for the
// silence watchdog.
type Encoder struct {
	cfg    sessionConfig
	sink   string
	logger zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	done   chan struct{}
	levels chan LevelSample
}

// NewEncoder constructs the output encoder. sink is a GStreamer sink
// fragment, e.g. "autoaudiosink" or an icecast shout2send element.
func NewEncoder(cfg sessionConfig, sink string, logger zerolog.Logger) *Encoder {
	return &Encoder{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With().Str("component", "encoder").Logger(),
		levels: make(chan LevelSample, 64),
	}
}

// Levels streams loudness samples while the encoder runs.
func (e *Encoder) Levels() <-chan LevelSample {
	return e.levels
}

// Start launches the encoder process and returns its PCM stdin.
func (e *Encoder) Start(ctx context.Context) (io.WriteCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd != nil && e.done != nil {
		select {
		case <-e.done:
		default:
			return nil, fmt.Errorf("encoder already running")
		}
	}

	rate := e.cfg.SampleRate
	if rate <= 0 {
		rate = 44100
	}
	ch := e.cfg.Channels
	if ch <= 0 {
		ch = 2
	}

	launch := fmt.Sprintf(
		`fdsrc fd=0 ! rawaudioparse format=pcm pcm-format=s16le sample-rate=%d num-channels=%d ! audioconvert ! level interval=100000000 ! %s`,
		rate, ch, e.sink,
	)

	// -m surfaces element messages on stdout; the level element's RMS
	// readings ride in on them.
	shellCmd := fmt.Sprintf("%s -e -m %s", e.cfg.GStreamerBin, launch)
	cmd := exec.CommandContext(ctx, "sh", "-c", shellCmd)
	cmd.Stderr = nil

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.done = make(chan struct{})

	go e.readLevels(stdout)
	go func(done chan struct{}, c *exec.Cmd) {
		err := c.Wait()
		close(done)
		if err != nil {
			e.logger.Debug().Err(err).Msg("encoder exited")
		} else {
			e.logger.Info().Msg("encoder stopped")
		}
	}(e.done, cmd)

	return stdin, nil
}

func (e *Encoder) readLevels(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		rms, ok := parseLevelLine(scanner.Text())
		if !ok {
			continue
		}
		sample := LevelSample{At: time.Now(), RMS: rms}
		select {
		case e.levels <- sample:
		default:
		}
	}
}

// parseLevelLine extracts the loudest channel RMS from a gst-launch -m
// level message line, e.g.
//
//	... level ... rms=(GValueArray)< -21.4, -22.1 >, peak=...
func parseLevelLine(line string) (float64, bool) {
	if !strings.Contains(line, "level") {
		return 0, false
	}
	idx := strings.Index(line, "rms=")
	if idx < 0 {
		return 0, false
	}
	rest := line[idx:]
	open := strings.Index(rest, "<")
	closeIdx := strings.Index(rest, ">")
	if open < 0 || closeIdx < 0 || closeIdx <= open {
		return 0, false
	}

	loudest := 0.0
	found := false
	for _, field := range strings.Split(rest[open+1:closeIdx], ",") {
		val, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			continue
		}
		if !found || val > loudest {
			loudest = val
			found = true
		}
	}
	return loudest, found
}

// Stop terminates the encoder process.
func (e *Encoder) Stop() error {
	e.mu.Lock()
	cmd := e.cmd
	done := e.done
	stdin := e.stdin
	e.mu.Unlock()

	if cmd == nil || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-time.After(5 * time.Second):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	case <-done:
	}
	return nil
}
