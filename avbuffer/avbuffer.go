// Package avbuffer implements SyncedAVBuffer (spec.md §4.6): the
// composition of one VideoRing and two AudioRings (system and
// microphone) sharing a single Clock, and the trailing-window extraction
// algorithm (§4.6.1) that turns "press a key, keep the last N seconds"
// into a self-contained handoff for an external encoder.
package avbuffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/avloop/clipwindow/audioring"
	"github.com/avloop/clipwindow/clock"
	"github.com/avloop/clipwindow/videoring"
)

// endMarginSeconds is the tolerance added to the window end so that an audio
// chunk spanning the boundary is still included (spec.md §4.6.1).
const endMarginSeconds = 0.1

// ErrBusy is returned when a second extraction is attempted while one is
// already in flight. Reentrant extraction is forbidden (spec.md §5).
var ErrBusy = errors.New("avbuffer: extraction already in progress")

// ErrCancelled is returned when the caller's context is done before or
// during extraction.
var ErrCancelled = errors.New("avbuffer: extraction cancelled")

// Config holds the fixed-at-construction parameters of a Buffer.
type Config struct {
	Video       videoring.Config
	SystemAudio audioring.Config
	Microphone  audioring.Config
	Clock       *clock.Clock
	Logger      *slog.Logger
}

// ExtractResult is the self-contained handoff to an external encoder
// (spec.md's ExtractResult / §4.7 ClipExtractor contract). The caller
// owns TempVideoPath and is responsible for deleting it once the encoder
// has consumed it.
type ExtractResult struct {
	TempVideoPath   string
	FrameCount      int
	WindowStartTS   clock.Timestamp
	WindowEndTS     clock.Timestamp
	SystemAudio     []audioring.Chunk
	MicrophoneAudio []audioring.Chunk
}

// Empty reports whether the extraction found no frames in the requested
// window (spec.md's WindowEmpty, signalled via FrameCount == 0, not an
// error).
func (r ExtractResult) Empty() bool { return r.FrameCount == 0 }

// Buffer owns one VideoRing and two AudioRings plus a shared Clock, and
// serializes extraction so at most one is ever in flight.
type Buffer struct {
	log        *slog.Logger
	clk        *clock.Clock
	video      *videoring.Ring
	systemA    *audioring.Ring
	micA       *audioring.Ring
	extracting atomic.Bool
}

// New constructs a Buffer from its three rings. Construction errors
// (ConfigInvalid, per spec.md §7) are fatal to the owning service.
func New(cfg Config) (*Buffer, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("avbuffer: Clock is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "avbuffer")

	video, err := videoring.New(cfg.Video)
	if err != nil {
		return nil, fmt.Errorf("avbuffer: video ring: %w", err)
	}
	systemA, err := audioring.New(cfg.SystemAudio)
	if err != nil {
		return nil, fmt.Errorf("avbuffer: system audio ring: %w", err)
	}
	micA, err := audioring.New(cfg.Microphone)
	if err != nil {
		return nil, fmt.Errorf("avbuffer: microphone ring: %w", err)
	}

	return &Buffer{
		log:     log,
		clk:     cfg.Clock,
		video:   video,
		systemA: systemA,
		micA:    micA,
	}, nil
}

// AddVideoFrame forwards a raw BGRA frame to the VideoRing. The producer
// must have obtained ts from the same Clock passed to New; the core does
// not re-stamp (spec.md §4.6).
func (b *Buffer) AddVideoFrame(raw []byte, ts clock.Timestamp) error {
	return b.video.Add(raw, ts)
}

// AddSystemAudio forwards a PCM chunk to the system-audio ring.
func (b *Buffer) AddSystemAudio(data []byte, ts clock.Timestamp, sampleCount int) {
	b.systemA.Add(data, ts, sampleCount)
}

// AddMicrophoneAudio forwards a PCM chunk to the microphone ring.
func (b *Buffer) AddMicrophoneAudio(data []byte, ts clock.Timestamp, sampleCount int) {
	b.micA.Add(data, ts, sampleCount)
}

// Clear drops all buffered content from every ring.
func (b *Buffer) Clear() {
	b.video.Clear()
	b.systemA.Clear()
	b.micA.Clear()
}

// Close releases the VideoRing's disk tier resources.
func (b *Buffer) Close() error {
	return b.video.Close()
}

// RAMCapacityFrames reports the VideoRing's memory-tier frame capacity,
// satisfying control.StatusProvider.
func (b *Buffer) RAMCapacityFrames() int {
	return b.video.RAMCapacityFrames()
}

// DiskCapacityFrames reports the VideoRing's disk-tier frame capacity,
// satisfying control.StatusProvider.
func (b *Buffer) DiskCapacityFrames() int {
	return b.video.DiskCapacityFrames()
}

// ExtractLastSeconds implements the extraction algorithm of spec.md
// §4.6.1: it selects the actual window from the VideoRing (video defines
// the window), filters both AudioRings to that window plus endMargin,
// materializes the decompressed video as a raw sequential file under
// outDir, and returns a handle describing the artifacts for the encoder.
//
// A second call while one is already running returns ErrBusy immediately
// without touching any ring. If ctx is done before the video window is
// read, or becomes done by the time it returns, ExtractLastSeconds
// deletes any temp file it created and returns ErrCancelled.
func (b *Buffer) ExtractLastSeconds(ctx context.Context, seconds float64, outDir string) (ExtractResult, error) {
	if !b.extracting.CompareAndSwap(false, true) {
		return ExtractResult{}, ErrBusy
	}
	defer b.extracting.Store(false)

	if err := ctx.Err(); err != nil {
		return ExtractResult{}, ErrCancelled
	}

	targetStart := b.clk.Now() - clock.FromSeconds(seconds)
	tempPath := filepath.Join(outDir, fmt.Sprintf("video_raw_%s.bin", uuid.New().String()))

	win, err := b.video.WriteWindowToRawFile(tempPath, targetStart)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("avbuffer: extract: %w", err)
	}

	if ctx.Err() != nil {
		if win.FrameCount > 0 {
			os.Remove(tempPath)
		}
		return ExtractResult{}, ErrCancelled
	}

	if win.FrameCount == 0 {
		b.log.Debug("extraction window empty", "requested_seconds", seconds)
		return ExtractResult{}, nil
	}

	margin := clock.FromSeconds(endMarginSeconds)
	systemAudio := filterAudio(b.systemA.Snapshot(), win.StartTS, win.EndTS+margin)
	micAudio := filterAudio(b.micA.Snapshot(), win.StartTS, win.EndTS+margin)

	b.log.Info("clip extracted",
		"requested_seconds", seconds,
		"frame_count", win.FrameCount,
		"window_start", win.StartTS,
		"window_end", win.EndTS,
		"system_audio_chunks", len(systemAudio),
		"mic_audio_chunks", len(micAudio),
	)

	return ExtractResult{
		TempVideoPath:   tempPath,
		FrameCount:      win.FrameCount,
		WindowStartTS:   win.StartTS,
		WindowEndTS:     win.EndTS,
		SystemAudio:     systemAudio,
		MicrophoneAudio: micAudio,
	}, nil
}

// filterAudio returns the chunks of snap whose timestamp falls within
// [start, end], discarding audio before the video window (never padded)
// while keeping anything within the end margin (spec.md §4.6.1, I6).
func filterAudio(snap []audioring.Chunk, start, end clock.Timestamp) []audioring.Chunk {
	out := make([]audioring.Chunk, 0, len(snap))
	for _, c := range snap {
		if c.Timestamp >= start && c.Timestamp <= end {
			out = append(out, c)
		}
	}
	return out
}
