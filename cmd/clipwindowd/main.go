// Command clipwindowd wires a SyncedAVBuffer to a control HTTP surface
// and a hotkey-equivalent OS signal, demonstrating the "press a key,
// keep the last N seconds" contract end-to-end. The actual screen and
// audio producers, and the encoder process that consumes an extracted
// clip, are external collaborators (spec.md §1) and are not implemented
// here — clipwindowd only owns the rolling buffer and the extraction
// trigger.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avloop/clipwindow/audioring"
	"github.com/avloop/clipwindow/avbuffer"
	"github.com/avloop/clipwindow/certs"
	"github.com/avloop/clipwindow/clock"
	"github.com/avloop/clipwindow/control"
	"github.com/avloop/clipwindow/videoring"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	hotkeyCh := make(chan os.Signal, 1)
	signal.Notify(hotkeyCh, syscall.SIGUSR1)

	width := envInt("WIDTH", 1920)
	height := envInt("HEIGHT", 1080)
	fps := envInt("FPS", 60)
	ramSeconds := envFloat("RAM_SECONDS", 15)
	totalSeconds := envFloat("TOTAL_SECONDS", 120)
	codecQuality := envInt("CODEC_QUALITY", 85)
	sampleRate := envInt("SAMPLE_RATE", 48000)
	channels := envInt("CHANNELS", 2)
	audioSeconds := envFloat("AUDIO_SECONDS", totalSeconds)
	controlAddr := envOr("CONTROL_ADDR", ":8077")
	tempDir := envOr("TEMP_DIR", os.TempDir())
	outDir := envOr("OUT_DIR", tempDir)
	clipSeconds := envFloat("DEFAULT_CLIP_SECONDS", control.DefaultClipSeconds)

	clk := clock.New()

	buf, err := avbuffer.New(avbuffer.Config{
		Video: videoring.Config{
			Width: width, Height: height, FPS: fps,
			RAMSeconds: ramSeconds, TotalSeconds: totalSeconds,
			CodecQuality: codecQuality,
			TempPath:     filepath.Join(tempDir, "clipwindow_videoring.bin"),
		},
		SystemAudio: audioring.Config{SampleRate: sampleRate, Channels: channels, DurationSeconds: audioSeconds},
		Microphone:  audioring.Config{SampleRate: sampleRate, Channels: channels, DurationSeconds: audioSeconds},
		Clock:       clk,
	})
	if err != nil {
		slog.Error("failed to construct synced A/V buffer", "error", err)
		os.Exit(1)
	}
	defer buf.Close()

	srv := control.New(control.Config{
		Buffer:     buf,
		Status:     buf,
		OutDir:     outDir,
		Width:      width,
		Height:     height,
		SampleRate: sampleRate,
		Channels:   channels,
	})

	httpSrv := &http.Server{
		Addr:    controlAddr,
		Handler: srv.Handler(),
	}

	useTLS := os.Getenv("CONTROL_TLS") != ""
	if useTLS {
		cert, err := certs.Generate(certs.DefaultValidity)
		if err != nil {
			slog.Error("failed to generate control server certificate", "error", err)
			os.Exit(1)
		}
		httpSrv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert.TLSCert}}
		slog.Info("control server using self-signed TLS", "fingerprint", cert.FingerprintBase64(), "not_after", cert.NotAfter)
	}

	slog.Info("clipwindowd starting",
		"version", version,
		"width", width, "height", height, "fps", fps,
		"ram_seconds", ramSeconds, "total_seconds", totalSeconds,
		"control_addr", controlAddr,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("control HTTP server listening", "addr", controlAddr, "tls", useTLS)
		var err error
		if useTLS {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hotkeyCh:
				runHotkeyClip(ctx, buf, outDir, clipSeconds)
			}
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("clipwindowd error", "error", err)
		os.Exit(1)
	}
}

// runHotkeyClip extracts the trailing clipSeconds and logs the outcome.
// A real hotkey binding (out of scope, spec.md §1) would invoke this
// same path instead of SIGUSR1; the signal here stands in for it so the
// extraction contract is exercisable without a GUI.
func runHotkeyClip(ctx context.Context, buf *avbuffer.Buffer, outDir string, seconds float64) {
	clipCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := buf.ExtractLastSeconds(clipCtx, seconds, outDir)
	if err != nil {
		slog.Warn("hotkey clip failed", "error", err)
		return
	}
	if res.Empty() {
		slog.Info("hotkey clip produced no frames (buffer empty)")
		return
	}

	slog.Info("hotkey clip extracted",
		"path", res.TempVideoPath,
		"frames", res.FrameCount,
		"system_audio_chunks", len(res.SystemAudio),
		"mic_audio_chunks", len(res.MicrophoneAudio),
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid int env var, using fallback", "key", key, "value", v, "fallback", fallback)
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid float env var, using fallback", "key", key, "value", v, "fallback", fallback)
		return fallback
	}
	return f
}
