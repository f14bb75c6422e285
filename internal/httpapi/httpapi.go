// Package httpapi implements the HTTP/SSE Surface (C9): the chi router and
// handlers exposing /ask, /tts_stream, /speech_to_text, /cancel, /status,
// /events, and the /tour/* family, per §6.
//
// The router is a chi.Router whose handlers are methods on Server, which
// holds every collaborator (orchestrator, dispatchers, fabric, registry,
// events, tour machine). SSE frames are written by writeSSE straight to the
// calling connection, one writer per request; there is no broadcaster
// fanning a stream out to multiple listeners.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lokutor-ai/exhibit-guide/internal/cancel"
	"github.com/lokutor-ai/exhibit-guide/internal/config"
	"github.com/lokutor-ai/exhibit-guide/internal/eventstore"
	"github.com/lokutor-ai/exhibit-guide/internal/logging"
	"github.com/lokutor-ai/exhibit-guide/internal/model"
	"github.com/lokutor-ai/exhibit-guide/internal/registry"
	"github.com/lokutor-ai/exhibit-guide/internal/reqid"
	"github.com/lokutor-ai/exhibit-guide/internal/tour"
)

// Orchestrator is the Conversation Orchestrator capability the surface
// depends on, narrowed to an interface so handlers can be tested against a
// fake without constructing the real provider dispatchers.
type Orchestrator interface {
	Ask(ctx context.Context, clientID string, opts model.AskOptions, audioPCM []byte, textSink model.TextSink, audioSink model.AudioSink) (requestID string, err error)
}

// ASR is the blocking speech-to-text capability used directly by
// /speech_to_text, bypassing the full Ask pipeline (§6).
type ASR interface {
	Transcribe(ctx context.Context, audioPCM []byte, language string) (string, error)
}

// Server holds the collaborators wired by cmd/exhibitd and builds the router.
type Server struct {
	cfg    config.Config
	logger logging.Logger

	orchestrator Orchestrator
	asr          ASR
	fabric       *cancel.Fabric
	registry     *registry.Registry
	events       *eventstore.Store
	tourMachine  *tour.Machine

	audio *audioBuffer
}

// New builds a Server from its constructed collaborators.
func New(
	cfg config.Config,
	logger logging.Logger,
	orch Orchestrator,
	asrBackend ASR,
	fabric *cancel.Fabric,
	reg *registry.Registry,
	events *eventstore.Store,
	tourMachine *tour.Machine,
) *Server {
	if logger == nil {
		logger = &logging.NoOpLogger{}
	}
	return &Server{
		cfg:          cfg,
		logger:       logger,
		orchestrator: orch,
		asr:          asrBackend,
		fabric:       fabric,
		registry:     reg,
		events:       events,
		tourMachine:  tourMachine,
		audio:        newAudioBuffer(32),
	}
}

// Router builds the chi.Router exposing every endpoint in §6's table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)

	r.Post("/ask", s.handleAsk)
	r.Get("/tts_stream", s.handleTTSStream)
	r.Post("/speech_to_text", s.handleSpeechToText)
	r.Post("/cancel", s.handleCancel)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)

	r.Post("/tour/start", s.handleTourStart)
	r.Post("/tour/pause", s.handleTourPause)
	r.Post("/tour/resume", s.handleTourResume)
	r.Post("/tour/next", s.handleTourNext)
	r.Post("/tour/prev", s.handleTourPrev)
	r.Post("/tour/jump", s.handleTourJump)
	r.Post("/tour/reset", s.handleTourReset)
	r.Get("/tour/state", s.handleTourState)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// clientIDFromRequest extracts the required X-Client-ID header.
func clientIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-Client-ID")
}

// requestIDFromRequest returns X-Request-ID if present, else a fresh id.
func requestIDFromRequest(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return reqid.New()
}

const heartbeatEventName = "heartbeat"

func (s *Server) heartbeatInterval() time.Duration {
	if s.cfg.HeartbeatInterval <= 0 {
		return 15 * time.Second
	}
	return s.cfg.HeartbeatInterval
}
