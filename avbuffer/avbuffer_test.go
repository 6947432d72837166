package avbuffer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/avloop/clipwindow/audioring"
	"github.com/avloop/clipwindow/clock"
	"github.com/avloop/clipwindow/videoring"
)

func rawFrame(width, height int, fill byte) []byte {
	buf := make([]byte, width*height*4)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

func newTestBuffer(t *testing.T) (*Buffer, *clock.Clock) {
	t.Helper()
	clk := clock.New()
	cfg := Config{
		Video: videoring.Config{
			Width: 8, Height: 8, FPS: 10,
			RAMSeconds: 2, TotalSeconds: 2, CodecQuality: 90,
		},
		SystemAudio: audioring.Config{SampleRate: 1, Channels: 1, DurationSeconds: 5},
		Microphone:  audioring.Config{SampleRate: 1, Channels: 1, DurationSeconds: 5},
		Clock:       clk,
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, clk
}

// TestAudioWindowFiltering exercises spec.md §8 scenario 3, driven
// directly against VideoRing/AudioRing so the window boundaries are
// exact rather than derived from clock.Now().
func TestAudioWindowFiltering(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuffer(t)

	const T = 10.0 // an arbitrary anchor time, in seconds
	for i := 0; i <= 10; i++ {
		ts := clock.FromSeconds(T + float64(i)*0.1) // T .. T+1.0
		if err := b.AddVideoFrame(rawFrame(8, 8, byte(i)), ts); err != nil {
			t.Fatalf("AddVideoFrame: %v", err)
		}
	}

	audioOffsets := []float64{-0.5, -0.1, 0.2, 0.9, 1.05, 1.2}
	for _, off := range audioOffsets {
		b.AddSystemAudio([]byte{1}, clock.FromSeconds(T+off), 1)
	}

	outDir := t.TempDir()
	win, err := b.video.WriteWindowToRawFile(filepath.Join(outDir, "w.bin"), clock.FromSeconds(T))
	if err != nil {
		t.Fatalf("WriteWindowToRawFile: %v", err)
	}
	if win.FrameCount != 11 {
		t.Fatalf("FrameCount = %d, want 11", win.FrameCount)
	}

	margin := clock.FromSeconds(endMarginSeconds)
	filtered := filterAudio(b.systemA.Snapshot(), win.StartTS, win.EndTS+margin)

	wantOffsets := []float64{0.2, 0.9, 1.05}
	if len(filtered) != len(wantOffsets) {
		t.Fatalf("filtered audio count = %d, want %d", len(filtered), len(wantOffsets))
	}
	for i, c := range filtered {
		want := clock.FromSeconds(T + wantOffsets[i])
		if c.Timestamp != want {
			t.Errorf("filtered[%d].Timestamp = %v, want %v", i, c.Timestamp, want)
		}
	}
}

// TestExtractLastSecondsEmptyBuffer exercises spec.md §8 scenario 4.
func TestExtractLastSecondsEmptyBuffer(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuffer(t)

	outDir := t.TempDir()
	res, err := b.ExtractLastSeconds(context.Background(), 5, outDir)
	if err != nil {
		t.Fatalf("ExtractLastSeconds: %v", err)
	}
	if !res.Empty() {
		t.Fatalf("res.Empty() = false, want true for a fresh buffer")
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("outDir has %d entries, want 0 (no temp file should remain)", len(entries))
	}
}

// TestExtractLastSecondsEndToEnd exercises the happy path: a few frames
// and audio chunks in, a sensible ExtractResult out.
func TestExtractLastSecondsEndToEnd(t *testing.T) {
	t.Parallel()
	b, clk := newTestBuffer(t)

	for i := 0; i < 5; i++ {
		ts := clk.Now()
		if err := b.AddVideoFrame(rawFrame(8, 8, byte(i)), ts); err != nil {
			t.Fatalf("AddVideoFrame: %v", err)
		}
		b.AddSystemAudio([]byte{byte(i)}, ts, 1)
		b.AddMicrophoneAudio([]byte{byte(i)}, ts, 1)
	}

	outDir := t.TempDir()
	res, err := b.ExtractLastSeconds(context.Background(), 60, outDir)
	if err != nil {
		t.Fatalf("ExtractLastSeconds: %v", err)
	}
	if res.Empty() {
		t.Fatal("res.Empty() = true, want false")
	}
	if res.FrameCount != 5 {
		t.Errorf("FrameCount = %d, want 5", res.FrameCount)
	}
	if _, err := os.Stat(res.TempVideoPath); err != nil {
		t.Errorf("Stat(TempVideoPath): %v", err)
	}
	if len(res.SystemAudio) == 0 {
		t.Error("expected non-empty SystemAudio")
	}
	if len(res.MicrophoneAudio) == 0 {
		t.Error("expected non-empty MicrophoneAudio")
	}
}

// TestExtractLastSecondsBusy exercises spec.md §8 scenario 5: a second
// concurrent extraction is rejected with ErrBusy.
func TestExtractLastSecondsBusy(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuffer(t)

	if !b.extracting.CompareAndSwap(false, true) {
		t.Fatal("failed to simulate an in-flight extraction")
	}
	defer b.extracting.Store(false)

	_, err := b.ExtractLastSeconds(context.Background(), 1, t.TempDir())
	if err != ErrBusy {
		t.Fatalf("ExtractLastSeconds during in-flight extraction = %v, want ErrBusy", err)
	}
}

// TestExtractLastSecondsCancelled exercises the Cancelled path: a
// context already done before extraction starts.
func TestExtractLastSecondsCancelled(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuffer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.ExtractLastSeconds(ctx, 1, t.TempDir())
	if err != ErrCancelled {
		t.Fatalf("ExtractLastSeconds with cancelled context = %v, want ErrCancelled", err)
	}
}
