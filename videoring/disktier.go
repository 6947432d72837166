package videoring

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/avloop/clipwindow/clock"
	"github.com/avloop/clipwindow/codec"
)

// metadataBytes is the fixed size of the packed header in front of every
// disk-tier slot: timestamp (int64) + original_index (int32) + valid
// (uint8) + 3 bytes padding, per spec.md §6.3.
const metadataBytes = 16

// evictedFrame is a memory-tier blob handed off to the disk tier on
// eviction. Ownership of blob moves to the disk tier at this point.
type evictedFrame struct {
	ts            clock.Timestamp
	blob          []byte
	originalIndex int32
}

// diskTier is the memory-mapped disk tier of a Ring (spec.md §4.4.1).
// writeRecord is called synchronously from Ring.Add under the Ring's own
// mutex: a write here is a plain memcpy into mapped memory, not a
// blocking disk syscall, so folding it into the same critical section
// as the memory-tier eviction keeps Add non-blocking in practice while
// making eviction-to-disk atomic with respect to a concurrent extraction
// snapshot (spec.md §5 — see DESIGN.md).
type diskTier struct {
	log            *slog.Logger
	file           *os.File
	data           []byte
	path           string
	stride         int
	maxBlob        int
	capacityFrames int

	mu          sync.Mutex
	writeCursor int
	frameCount  int
}

func newDiskTier(cfg Config, capacityFrames int, log *slog.Logger) (*diskTier, error) {
	if cfg.TempPath == "" {
		return nil, fmt.Errorf("videoring: disk tier requires a non-empty TempPath")
	}

	maxBlob := cfg.maxCompressedSize()
	stride := metadataBytes + maxBlob
	size := int64(capacityFrames) * int64(stride)

	f, err := os.OpenFile(cfg.TempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("videoring: open disk tier file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("videoring: size disk tier file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("videoring: mmap disk tier file: %w", err)
	}

	dt := &diskTier{
		log:            log.With("subcomponent", "disktier"),
		file:           f,
		data:           data,
		path:           cfg.TempPath,
		stride:         stride,
		maxBlob:        maxBlob,
		capacityFrames: capacityFrames,
	}

	return dt, nil
}

// writeRecord writes one evicted blob into the next disk slot, wrapping
// the cursor modulo capacityFrames (spec.md §4.4.1). Called with the
// Ring's own mutex already held by the caller (Ring.Add), so this only
// needs to serialize against walkOldestToNewest/clear.
func (dt *diskTier) writeRecord(ev evictedFrame) {
	if len(ev.blob) > dt.maxBlob {
		dt.log.Error("evicted blob exceeds max compressed size, dropping", "len", len(ev.blob), "max", dt.maxBlob)
		return
	}

	dt.mu.Lock()
	defer dt.mu.Unlock()

	pos := dt.writeCursor % dt.capacityFrames
	off := pos * dt.stride

	putMetadata(dt.data[off:off+metadataBytes], ev.ts, ev.originalIndex, true)
	copy(dt.data[off+metadataBytes:off+metadataBytes+len(ev.blob)], ev.blob)

	dt.writeCursor++
	if dt.frameCount < dt.capacityFrames {
		dt.frameCount++
	}
}

// walkOldestToNewest visits every valid disk-tier slot in insertion
// order, per spec.md §4.4.2: starting at writeCursor - frameCount
// (modulo capacity) and walking forward frameCount steps. Held under the
// tier's lock for the whole walk, so it observes one consistent instant
// of the writer's state (spec.md §5).
func (dt *diskTier) walkOldestToNewest(fn func(ts clock.Timestamp, blob []byte)) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if dt.frameCount == 0 {
		return
	}

	start := ((dt.writeCursor-dt.frameCount)%dt.capacityFrames + dt.capacityFrames) % dt.capacityFrames

	for i := 0; i < dt.frameCount; i++ {
		pos := (start + i) % dt.capacityFrames
		off := pos * dt.stride

		ts, originalIndex, valid := getMetadata(dt.data[off : off+metadataBytes])
		_ = originalIndex
		if !valid {
			continue
		}

		blobStart := off + metadataBytes
		n := codec.ScanEndMarker(dt.data[blobStart:blobStart+dt.maxBlob], dt.maxBlob)
		if n < 0 {
			dt.log.Warn("disk slot missing end marker, skipping", "pos", pos)
			continue
		}

		fn(ts, dt.data[blobStart:blobStart+n])
	}
}

// clear marks every written disk slot invalid (Valid -> Retired,
// spec.md §4.8) and resets the cursor/count. The mapped file is not
// truncated or resized.
func (dt *diskTier) clear() {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	n := dt.frameCount
	start := ((dt.writeCursor-n)%dt.capacityFrames + dt.capacityFrames) % dt.capacityFrames
	for i := 0; i < n; i++ {
		pos := (start + i) % dt.capacityFrames
		off := pos * dt.stride
		dt.data[off+12] = 0 // valid byte
	}

	dt.writeCursor = 0
	dt.frameCount = 0
}

// close unmaps and closes the backing file, then removes it on a
// best-effort basis (spec.md §6.3).
func (dt *diskTier) close() error {
	err := unix.Munmap(dt.data)
	if cerr := dt.file.Close(); err == nil {
		err = cerr
	}
	os.Remove(dt.path)
	return err
}

// putMetadata packs a disk-slot header into buf, which must be exactly
// metadataBytes long: int64 timestamp, int32 original index, 1-byte
// valid flag, 3 bytes padding (spec.md §6.3).
func putMetadata(buf []byte, ts clock.Timestamp, originalIndex int32, valid bool) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(ts))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(originalIndex))
	if valid {
		buf[12] = 1
	} else {
		buf[12] = 0
	}
	buf[13], buf[14], buf[15] = 0, 0, 0
}

// getMetadata unpacks a disk-slot header from buf.
func getMetadata(buf []byte) (ts clock.Timestamp, originalIndex int32, valid bool) {
	ts = clock.Timestamp(binary.LittleEndian.Uint64(buf[0:8]))
	originalIndex = int32(binary.LittleEndian.Uint32(buf[8:12]))
	valid = buf[12] != 0
	return
}
