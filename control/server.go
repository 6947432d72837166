// Package control implements the minimal hotkey-triggered HTTP surface
// described in SPEC_FULL.md: POST /clip to extract the trailing window,
// and GET /status for the video tiers' frame capacities. It returns only JSON metadata
// and filesystem paths — it is a trigger/status surface, not a media
// transport (spec.md §1 Non-goals: no network transport of the actual
// clip content).
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/avloop/clipwindow/avbuffer"
	"github.com/avloop/clipwindow/clock"
)

// DefaultClipSeconds is used when POST /clip omits the seconds query param.
const DefaultClipSeconds = 30

// clipTimeout is the deadline put on the extraction's context, matching
// spec.md §5's "extraction accepts a cancellation signal" contract. The
// handler still waits for ExtractLastSeconds to return; if the deadline
// has passed by the time it checks (before or after writing the video
// window), the request gets a 408.
const clipTimeout = 10 * time.Second

// Extractor is the subset of avbuffer.Buffer the control server depends
// on. Accepting an interface decouples this package from the concrete
// Buffer type, the same way pipeline.Broadcaster decouples the pipeline
// from distribution.Relay.
type Extractor interface {
	ExtractLastSeconds(ctx context.Context, seconds float64, outDir string) (avbuffer.ExtractResult, error)
}

// StatusProvider reports the memory- and disk-tier frame capacities for
// GET /status. Current frame counts and audio chunk counts are not
// reported.
type StatusProvider interface {
	RAMCapacityFrames() int
	DiskCapacityFrames() int
}

// EncoderMetadata is handed to the encoder driver alongside the raw
// video file and audio chunk lists (spec.md §6.2), supplemented here as
// a concrete JSON wire type.
type EncoderMetadata struct {
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FrameCount      int     `json:"frameCount"`
	DurationSeconds float64 `json:"durationSeconds"`
	SampleRate      int     `json:"sampleRate"`
	Channels        int     `json:"channels"`
	SampleFormat    string  `json:"sampleFormat"`
	AverageFPS      float64 `json:"averageFps,omitempty"`
}

// ClipResponse is the JSON body returned by a successful POST /clip.
type ClipResponse struct {
	TempVideoPath         string          `json:"tempVideoPath"`
	SystemAudioChunks     int             `json:"systemAudioChunks"`
	MicrophoneAudioChunks int             `json:"microphoneAudioChunks"`
	Metadata              EncoderMetadata `json:"metadata"`
}

// StatusResponse is the JSON body returned by GET /status.
type StatusResponse struct {
	RAMCapacityFrames  int `json:"ramCapacityFrames"`
	DiskCapacityFrames int `json:"diskCapacityFrames"`
}

// Config configures a Server.
type Config struct {
	Buffer     Extractor
	Status     StatusProvider
	OutDir     string
	Width      int
	Height     int
	SampleRate int
	Channels   int
	Logger     *slog.Logger
}

// Server is the hotkey-triggered control surface. Handler returns an
// http.Handler suitable for http.Server.Handler, matching the
// teacher's distribution.Server.APIHandler pattern.
type Server struct {
	cfg Config
	log *slog.Logger
}

// New constructs a Server.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log.With("component", "control")}
}

// Handler returns the http.Handler for this server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /clip", s.handleClip)
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	seconds := float64(DefaultClipSeconds)
	if v := r.URL.Query().Get("seconds"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "seconds must be a positive number")
			return
		}
		seconds = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), clipTimeout)
	defer cancel()

	res, err := s.cfg.Buffer.ExtractLastSeconds(ctx, seconds, s.cfg.OutDir)
	switch {
	case errors.Is(err, avbuffer.ErrBusy):
		writeError(w, http.StatusConflict, "extraction already in progress")
		return
	case errors.Is(err, avbuffer.ErrCancelled):
		writeError(w, http.StatusRequestTimeout, "extraction cancelled")
		return
	case err != nil:
		s.log.Error("clip extraction failed", "error", err)
		writeError(w, http.StatusInternalServerError, "extraction failed")
		return
	}

	if res.Empty() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	duration := clock.ToSeconds(res.WindowEndTS - res.WindowStartTS)
	avgFPS := 0.0
	if duration > 0 {
		avgFPS = float64(res.FrameCount) / duration
	}

	resp := ClipResponse{
		TempVideoPath:         res.TempVideoPath,
		SystemAudioChunks:     len(res.SystemAudio),
		MicrophoneAudioChunks: len(res.MicrophoneAudio),
		Metadata: EncoderMetadata{
			Width:           s.cfg.Width,
			Height:          s.cfg.Height,
			FrameCount:      res.FrameCount,
			DurationSeconds: duration,
			SampleRate:      s.cfg.SampleRate,
			Channels:        s.cfg.Channels,
			SampleFormat:    "f32le",
			AverageFPS:      avgFPS,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{}
	if s.cfg.Status != nil {
		resp.RAMCapacityFrames = s.cfg.Status.RAMCapacityFrames()
		resp.DiskCapacityFrames = s.cfg.Status.DiskCapacityFrames()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
