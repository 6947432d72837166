// Package audioring implements the per-stream bounded, ordered sequence
// of timestamped PCM chunks described in spec.md §4.5. Each AudioRing
// belongs to exactly one producer (system audio or microphone); writes
// and snapshot reads are safe to run concurrently because Add and
// Snapshot both take the ring's mutex, and a chunk's bytes are never
// modified after insertion.
//
// The single-writer/snapshot-reader shape here is grounded on the
// lock-free ring buffer technique in the example pack's
// audioframeringbuffer package, adapted to this spec's capacity-bounded
// overwrite-oldest semantics (rather than back-pressure on full) and to
// a mutex instead of a lock-free SPSC layout, since AudioRing's Add is
// not required to be allocation-free the way VideoRing's hot path is.
package audioring

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/avloop/clipwindow/clock"
)

// Chunk is a single producer-sized run of interleaved PCM samples with
// one timestamp (spec.md's AudioChunk).
type Chunk struct {
	Timestamp   clock.Timestamp
	Data        []byte
	SampleCount int
}

// Config holds the fixed-at-construction parameters of a Ring.
type Config struct {
	SampleRate      int
	Channels        int
	DurationSeconds float64
	Logger          *slog.Logger
}

func (c Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("audioring: sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("audioring: channels must be positive, got %d", c.Channels)
	}
	if c.DurationSeconds <= 0 {
		return fmt.Errorf("audioring: duration_seconds must be positive, got %v", c.DurationSeconds)
	}
	return nil
}

// capacitySlots is the conservative upper bound from spec.md §4.5: one
// slot per sample, so the ring can hold duration_seconds worth of audio
// no matter how small the producer's chunk granularity gets.
func (c Config) capacitySlots() int {
	n := int(float64(c.SampleRate) * float64(c.Channels) * c.DurationSeconds)
	if n < 1 {
		n = 1
	}
	return n
}

// Ring is a bounded, ordered sequence of timestamped PCM chunks for one
// audio stream. The zero value is not usable; construct with New.
type Ring struct {
	log   *slog.Logger
	slots []Chunk

	mu       sync.Mutex
	writeIdx int
	count    int
}

// New constructs a Ring. Returns a ConfigInvalid-class error (spec.md
// §7); such errors are fatal to the owning service.
func New(cfg Config) (*Ring, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Ring{
		log:   log.With("component", "audioring"),
		slots: make([]Chunk, cfg.capacitySlots()),
	}, nil
}

// Add copies bytes into a new owned buffer and inserts it at ts,
// overwriting the oldest slot on overflow.
func (r *Ring) Add(data []byte, ts clock.Timestamp, sampleCount int) {
	buf := make([]byte, len(data))
	copy(buf, data)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.slots[r.writeIdx] = Chunk{Timestamp: ts, Data: buf, SampleCount: sampleCount}
	r.writeIdx = (r.writeIdx + 1) % len(r.slots)
	if r.count < len(r.slots) {
		r.count++
	}
}

// Snapshot returns all chunks in chronological order. Chunks are
// immutable after insertion, so the returned slice aliases the ring's
// byte buffers safely.
func (r *Ring) Snapshot() []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Chunk, r.count)
	oldest := (r.writeIdx - r.count + len(r.slots)) % len(r.slots)
	for i := 0; i < r.count; i++ {
		out[i] = r.slots[(oldest+i)%len(r.slots)]
	}
	return out
}

// Clear drops all chunks.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		r.slots[i] = Chunk{}
	}
	r.writeIdx = 0
	r.count = 0
}

// Len returns the number of chunks currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
