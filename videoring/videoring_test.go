package videoring

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/avloop/clipwindow/clock"
)

func rawFrame(width, height int, fill byte) []byte {
	buf := make([]byte, width*height*4)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

// TestTightWindowSingleTier exercises spec.md §8 scenario 1.
func TestTightWindowSingleTier(t *testing.T) {
	t.Parallel()

	const width, height, fps = 16, 16, 10
	cfg := Config{
		Width: width, Height: height, FPS: fps,
		RAMSeconds: 2, TotalSeconds: 2, CodecQuality: 90,
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	if got := r.DiskCapacityFrames(); got != 0 {
		t.Fatalf("DiskCapacityFrames = %d, want 0 (single-tier config)", got)
	}

	for i := 0; i < 25; i++ {
		ts := clock.FromSeconds(float64(i) * 0.1)
		if err := r.Add(rawFrame(width, height, byte(i)), ts); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}

	windowStart := clock.FromSeconds(2.4+0.01) - clock.FromSeconds(1)
	outPath := filepath.Join(t.TempDir(), "window.bin")

	res, err := r.WriteWindowToRawFile(outPath, windowStart)
	if err != nil {
		t.Fatalf("WriteWindowToRawFile: %v", err)
	}

	if res.FrameCount != 10 {
		t.Errorf("FrameCount = %d, want 10", res.FrameCount)
	}
	wantStart := clock.FromSeconds(1.5)
	wantEnd := clock.FromSeconds(2.4)
	if res.StartTS != wantStart {
		t.Errorf("StartTS = %v, want %v", res.StartTS, wantStart)
	}
	if res.EndTS != wantEnd {
		t.Errorf("EndTS = %v, want %v", res.EndTS, wantEnd)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		t.Fatalf("Stat(outPath): %v", err)
	}
	wantSize := int64(10 * width * height * 4)
	if info.Size() != wantSize {
		t.Errorf("file size = %d, want %d", info.Size(), wantSize)
	}
}

// TestTwoTierEviction exercises spec.md §8 scenario 2.
func TestTwoTierEviction(t *testing.T) {
	t.Parallel()

	const width, height, fps = 32, 32, 30
	tempPath := filepath.Join(t.TempDir(), "disktier.bin")
	cfg := Config{
		Width: width, Height: height, FPS: fps,
		RAMSeconds: 1, TotalSeconds: 3, CodecQuality: 90,
		TempPath: tempPath,
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	if got := r.DiskCapacityFrames(); got != 60 {
		t.Fatalf("DiskCapacityFrames = %d, want 60", got)
	}

	for i := 0; i < 120; i++ {
		ts := clock.FromSeconds(float64(i) / 30)
		if err := r.Add(rawFrame(width, height, byte(i)), ts); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}

	outPath := filepath.Join(t.TempDir(), "window.bin")
	windowStart := clock.FromSeconds(float64(30) / 30)

	res, err := r.WriteWindowToRawFile(outPath, windowStart)
	if err != nil {
		t.Fatalf("WriteWindowToRawFile: %v", err)
	}

	if res.FrameCount != 90 {
		t.Fatalf("FrameCount = %d, want 90", res.FrameCount)
	}
	if res.StartTS != clock.FromSeconds(float64(30)/30) {
		t.Errorf("StartTS = %v, want ts_30", res.StartTS)
	}
	if res.EndTS != clock.FromSeconds(float64(119)/30) {
		t.Errorf("EndTS = %v, want ts_119", res.EndTS)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		t.Fatalf("Stat(outPath): %v", err)
	}
	wantSize := int64(90 * width * height * 4)
	if info.Size() != wantSize {
		t.Errorf("file size = %d, want %d", info.Size(), wantSize)
	}
}

// TestEmptyWindowProducesNoFile exercises spec.md §8 scenario 4.
func TestEmptyWindowProducesNoFile(t *testing.T) {
	t.Parallel()

	cfg := Config{Width: 8, Height: 8, FPS: 10, RAMSeconds: 1, TotalSeconds: 1, CodecQuality: 90}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	outPath := filepath.Join(t.TempDir(), "window.bin")
	res, err := r.WriteWindowToRawFile(outPath, clock.FromSeconds(0))
	if err != nil {
		t.Fatalf("WriteWindowToRawFile: %v", err)
	}
	if res.FrameCount != 0 {
		t.Errorf("FrameCount = %d, want 0", res.FrameCount)
	}
	if _, err := os.Stat(outPath); !os.IsNotExist(err) {
		t.Errorf("expected outPath to be removed, stat err = %v", err)
	}
}

// TestClearThenExtractYieldsEmpty exercises spec.md §8 property P8.
func TestClearThenExtractYieldsEmpty(t *testing.T) {
	t.Parallel()

	const width, height = 8, 8
	cfg := Config{Width: width, Height: height, FPS: 10, RAMSeconds: 1, TotalSeconds: 1, CodecQuality: 90}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	for i := 0; i < 5; i++ {
		if err := r.Add(rawFrame(width, height, byte(i)), clock.FromSeconds(float64(i)*0.1)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	r.Clear()

	outPath := filepath.Join(t.TempDir(), "window.bin")
	res, err := r.WriteWindowToRawFile(outPath, clock.FromSeconds(0))
	if err != nil {
		t.Fatalf("WriteWindowToRawFile: %v", err)
	}
	if res.FrameCount != 0 {
		t.Errorf("FrameCount after Clear = %d, want 0", res.FrameCount)
	}
}

// TestCorruptedFrameIsSkipped exercises spec.md §8 scenario 6.
func TestCorruptedFrameIsSkipped(t *testing.T) {
	t.Parallel()

	const width, height = 8, 8
	cfg := Config{Width: width, Height: height, FPS: 10, RAMSeconds: 1, TotalSeconds: 1, CodecQuality: 90}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	for i := 0; i < 5; i++ {
		if err := r.Add(rawFrame(width, height, byte(i)), clock.FromSeconds(float64(i)*0.1)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	// Corrupt the blob stored at original insertion index 2 (ts=0.2).
	r.mu.Lock()
	for i := range r.mem {
		if r.mem[i].valid && r.mem[i].ts == clock.FromSeconds(0.2) {
			r.mem[i].blob = []byte{0xDE, 0xAD, 0xBE, 0xEF}
		}
	}
	r.mu.Unlock()

	outPath := filepath.Join(t.TempDir(), "window.bin")
	res, err := r.WriteWindowToRawFile(outPath, clock.FromSeconds(0))
	if err != nil {
		t.Fatalf("WriteWindowToRawFile: %v", err)
	}
	if res.FrameCount != 4 {
		t.Errorf("FrameCount = %d, want 4 (one corrupted frame skipped)", res.FrameCount)
	}
}

// TestConcurrentAddDuringExtraction exercises spec.md §5's requirement
// that extraction hold the ring mutex for the entire walk: a producer
// goroutine keeps adding frames (crossing the memory-tier capacity, so
// it evicts into the disk tier) while another goroutine repeatedly
// extracts. Every extraction must see a single consistent instant of
// both tiers — a frame mid-eviction must never be visible in neither
// tier (run with -race to catch any tier accessed outside the mutex).
func TestConcurrentAddDuringExtraction(t *testing.T) {
	t.Parallel()

	const width, height, fps = 16, 16, 50
	const totalFrames = 300
	tempPath := filepath.Join(t.TempDir(), "disktier.bin")
	cfg := Config{
		Width: width, Height: height, FPS: fps,
		RAMSeconds: 1, TotalSeconds: 3, CodecQuality: 90,
		TempPath: tempPath,
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < totalFrames; i++ {
			ts := clock.FromSeconds(float64(i) / fps)
			if err := r.Add(rawFrame(width, height, byte(i)), ts); err != nil {
				t.Errorf("Add(%d): %v", i, err)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			outPath := filepath.Join(t.TempDir(), "probe.bin")
			res, err := r.WriteWindowToRawFile(outPath, clock.FromSeconds(0))
			if err != nil {
				t.Errorf("WriteWindowToRawFile: %v", err)
				return
			}
			maxCapacity := r.RAMCapacityFrames() + r.DiskCapacityFrames()
			if res.FrameCount > maxCapacity {
				t.Errorf("FrameCount = %d, exceeds ring capacity %d", res.FrameCount, maxCapacity)
				return
			}
		}
	}()

	wg.Wait()

	outPath := filepath.Join(t.TempDir(), "final.bin")
	res, err := r.WriteWindowToRawFile(outPath, clock.FromSeconds(0))
	if err != nil {
		t.Fatalf("final WriteWindowToRawFile: %v", err)
	}
	wantCapacity := r.RAMCapacityFrames() + r.DiskCapacityFrames()
	if res.FrameCount != wantCapacity {
		t.Errorf("final FrameCount = %d, want %d (ring fully wrapped after %d adds)", res.FrameCount, wantCapacity, totalFrames)
	}
}
