// Package videoring implements the two-tier circular store of compressed,
// timestamped video frames described in spec.md §4.4: a bounded
// in-memory tier for the most recent RAMSeconds, and an optional
// memory-mapped disk tier for the remainder up to TotalSeconds. A single
// mutex guards both tiers together, so Add and a window extraction can
// never interleave mid-snapshot (spec.md §5).
package videoring

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/avloop/clipwindow/clock"
	"github.com/avloop/clipwindow/codec"
	"github.com/avloop/clipwindow/framepool"
)

// Config holds the fixed-at-construction parameters of a VideoRing.
type Config struct {
	Width, Height int
	FPS           int
	RAMSeconds    float64
	TotalSeconds  float64
	CodecQuality  int    // opaque 0..100, forwarded to codec.Ctx
	TempPath      string // backing file for the disk tier; ignored if DiskCapacityFrames() == 0
	Logger        *slog.Logger
}

func (c Config) ramCapacityFrames() int {
	return int(float64(c.FPS) * c.RAMSeconds)
}

func (c Config) diskCapacityFrames() int {
	n := int(float64(c.FPS) * (c.TotalSeconds - c.RAMSeconds))
	if n < 0 {
		n = 0
	}
	return n
}

func (c Config) frameSize() int {
	return codec.FrameSize(c.Width, c.Height)
}

func (c Config) maxCompressedSize() int {
	return codec.MaxCompressedSize(c.Width, c.Height)
}

// validate checks the constructor-time invariants from spec.md §7
// (ConfigInvalid is fatal to the owning service).
func (c Config) validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("videoring: width and height must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("videoring: fps must be positive, got %d", c.FPS)
	}
	if c.RAMSeconds < 0 {
		return fmt.Errorf("videoring: ram_seconds must be >= 0, got %v", c.RAMSeconds)
	}
	if c.TotalSeconds < c.RAMSeconds {
		return fmt.Errorf("videoring: total_seconds (%v) must be >= ram_seconds (%v)", c.TotalSeconds, c.RAMSeconds)
	}
	return nil
}

// memSlot is one cell of the memory tier. It owns its compressed buffer.
type memSlot struct {
	ts    clock.Timestamp
	blob  []byte
	seq   int64 // insertion index, stored to disk as original_index on eviction
	valid bool
}

// Ring is a two-tier circular store of compressed video frames. The zero
// value is not usable; construct with New.
type Ring struct {
	cfg     Config
	log     *slog.Logger
	codec   *codec.Ctx
	pool    *framepool.Pool
	seq     atomic.Int64
	scratch bytes.Buffer // producer-only scratch, single video producer thread

	// mu guards the memory tier's slots/cursor AND, transitively, writes
	// into the disk tier: Add holds mu for its entire body (including the
	// synchronous disk-tier write on eviction), and WriteWindowToRawFile
	// holds it across both the disk and memory walks, so extraction sees
	// one consistent instant of both tiers (spec.md §5's "acquires the
	// ring mutex" — singular).
	mu       sync.Mutex
	mem      []memSlot
	writeIdx int
	count    int

	disk *diskTier // nil when diskCapacityFrames() == 0
}

// New constructs a Ring. Returns ConfigInvalid-class errors described in
// spec.md §7; such errors are fatal to the owning service.
func New(cfg Config) (*Ring, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "videoring")

	r := &Ring{
		cfg:   cfg,
		log:   log,
		codec: codec.New(cfg.Width, cfg.Height, cfg.CodecQuality),
		pool:  framepool.New(cfg.frameSize(), cfg.ramCapacityFrames()+4),
		mem:   make([]memSlot, cfg.ramCapacityFrames()),
	}

	if n := cfg.diskCapacityFrames(); n > 0 {
		dt, err := newDiskTier(cfg, n, log)
		if err != nil {
			// AllocationFailed: fall back to memory-only and log once (spec.md §7).
			log.Warn("disk tier unavailable, falling back to memory-only operation", "error", err)
		} else {
			r.disk = dt
		}
	}

	return r, nil
}

// RAMCapacityFrames returns the memory tier's frame capacity.
func (r *Ring) RAMCapacityFrames() int { return r.cfg.ramCapacityFrames() }

// DiskCapacityFrames returns the disk tier's frame capacity, or 0 if the
// ring has no disk tier (either by configuration or AllocationFailed
// fallback).
func (r *Ring) DiskCapacityFrames() int {
	if r.disk == nil {
		return 0
	}
	return r.disk.capacityFrames
}

// Add copies frame_size bytes from raw, compresses them, and inserts the
// result at ts. raw must be exactly Width*Height*4 bytes; it is not
// retained past this call. An evicted memory-tier blob, if any, is
// written into the disk tier synchronously, in the same critical
// section: that write is a memcpy into mapped memory, not a blocking
// disk syscall, so it does not meaningfully slow the producer, and
// doing it here (rather than handing it to a separate worker) is what
// makes eviction atomic with respect to a concurrent extraction
// snapshot (spec.md §5 — see DESIGN.md).
func (r *Ring) Add(raw []byte, ts clock.Timestamp) error {
	if err := r.codec.Compress(raw, &r.scratch); err != nil {
		return fmt.Errorf("videoring: add: %w", err)
	}

	blob := make([]byte, r.scratch.Len())
	copy(blob, r.scratch.Bytes())

	seq := r.seq.Add(1) - 1

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.writeIdx
	evicted := r.mem[idx]
	wasFull := r.count == len(r.mem)
	r.mem[idx] = memSlot{ts: ts, blob: blob, seq: seq, valid: true}
	r.writeIdx = (r.writeIdx + 1) % len(r.mem)
	if r.count < len(r.mem) {
		r.count++
	}

	if wasFull && evicted.valid && r.disk != nil {
		r.disk.writeRecord(evictedFrame{ts: evicted.ts, blob: evicted.blob, originalIndex: int32(evicted.seq)})
	}

	return nil
}

// Clear marks all memory-tier slots invalid and resets the disk tier's
// write cursor (spec.md §4.8: Valid -> Retired on clear, capacity not
// released). The mapped file itself is not truncated. Both tiers are
// cleared under the same mutex that guards Add and extraction.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.mem {
		r.mem[i] = memSlot{}
	}
	r.writeIdx = 0
	r.count = 0

	if r.disk != nil {
		r.disk.clear()
	}
}

// Close releases the disk tier's resources: unmaps and closes the backing
// file, then removes it on a best-effort basis, matching the "scoped
// resource acquisition" ownership model in spec.md §9 (no GC finalizer —
// callers are expected to Close explicitly, in the idiomatic Go style
// the rest of this repository uses for closable resources).
func (r *Ring) Close() error {
	if r.disk == nil {
		return nil
	}
	return r.disk.close()
}

// WindowResult is the outcome of WriteWindowToRawFile.
type WindowResult struct {
	FrameCount int
	StartTS    clock.Timestamp
	EndTS      clock.Timestamp
}

// WriteWindowToRawFile is the core extraction primitive (spec.md §4.4).
// It holds the Ring's mutex for the entire walk — across both the disk
// tier and the memory tier — so no concurrent Add can evict a frame
// between the two walks and leave it visible in neither (spec.md §5: a
// single "ring mutex" acquisition, not one per tier). It walks the disk
// tier oldest-to-newest, then the memory tier in chronological order,
// emitting every frame with ts >= windowStart as a decompressed raw BGRA
// frame appended to outPath through a buffered sink. A corrupted blob is
// skipped (spec.md §7 CodecError policy) rather than aborting the whole
// extraction.
//
// If no frame matches, FrameCount is 0 and the file at outPath is removed
// before returning; the caller need not clean it up in that case.
func (r *Ring) WriteWindowToRawFile(outPath string, windowStart clock.Timestamp) (WindowResult, error) {
	f, err := os.Create(outPath)
	if err != nil {
		return WindowResult{}, fmt.Errorf("videoring: create raw output: %w", err)
	}

	w := newRawWriter(f)
	scratch := r.pool.Rent()
	defer r.pool.Return(scratch)

	var res WindowResult
	haveFirst := false

	emit := func(ts clock.Timestamp, blob []byte) {
		if err := r.codec.DecompressInto(blob, scratch); err != nil {
			r.log.Warn("skipping corrupted frame during extraction", "ts", ts, "error", err)
			return
		}
		if err := w.write(scratch); err != nil {
			r.log.Error("failed writing raw frame to extraction output", "error", err)
			return
		}
		if !haveFirst {
			res.StartTS = ts
			haveFirst = true
		}
		res.EndTS = ts
		res.FrameCount++
	}

	r.mu.Lock()
	if r.disk != nil {
		r.disk.walkOldestToNewest(func(ts clock.Timestamp, blob []byte) {
			if ts >= windowStart {
				emit(ts, blob)
			}
		})
	}

	oldest := (r.writeIdx - r.count + len(r.mem)) % max(len(r.mem), 1)
	for i := 0; i < r.count; i++ {
		slot := r.mem[(oldest+i)%len(r.mem)]
		if slot.valid && slot.ts >= windowStart {
			emit(slot.ts, slot.blob)
		}
	}
	r.mu.Unlock()

	if err := w.close(); err != nil {
		return WindowResult{}, fmt.Errorf("videoring: close raw output: %w", err)
	}

	if res.FrameCount == 0 {
		os.Remove(outPath)
		return WindowResult{}, nil
	}

	return res, nil
}
