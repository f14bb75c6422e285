package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/lokutor-ai/exhibit-guide/internal/apierr"
)

// handleTTSStream binds to an existing request's AudioSegment sequence,
// blocking until that segment is produced (or the request finishes without
// it), per §6. The response is the raw chunked audio bytes, MIME per
// provider.
func (s *Server) handleTTSStream(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		badRequest(w, "request_id is required")
		return
	}
	seqStr := r.URL.Query().Get("seq")
	seq, err := strconv.Atoi(seqStr)
	if err != nil {
		badRequest(w, "seq must be an integer")
		return
	}

	seg, ok := s.audio.get(r.Context(), requestID, seq)
	if !ok {
		respondError(w, apierr.New(apierr.CodeNotFound, "audio segment not found"))
		return
	}

	contentType := seg.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(seg.Bytes)
}

const maxSpeechUploadBytes = 32 << 20 // 32MiB, generous for a single exhibit-side utterance

// handleSpeechToText runs blocking ASR against a multipart audio upload,
// bypassing the full Ask pipeline, per §6.
func (s *Server) handleSpeechToText(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFromRequest(r)
	if clientID == "" {
		badRequest(w, "X-Client-ID header is required")
		return
	}

	if err := r.ParseMultipartForm(maxSpeechUploadBytes); err != nil {
		badRequest(w, "invalid multipart body")
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		badRequest(w, "audio file field is required")
		return
	}
	defer file.Close()

	pcm, err := io.ReadAll(io.LimitReader(file, maxSpeechUploadBytes))
	if err != nil {
		badRequest(w, "failed to read audio body")
		return
	}

	language := r.FormValue("language")
	text, err := s.asr.Transcribe(r.Context(), pcm, language)
	if err != nil {
		respondError(w, apierr.Wrap(apierr.CodeASRError, "speech recognition failed", err))
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"text": text})
}

type cancelRequestBody struct {
	RequestID string   `json:"request_id"`
	ClientID  string   `json:"client_id"`
	Kinds     []string `json:"kinds"`
}

// handleCancel cancels either a single request_id or every active request
// for client_id (optionally restricted to kinds), per §6 and §4.1.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if body.RequestID == "" && body.ClientID == "" {
		badRequest(w, "at least one of request_id or client_id is required")
		return
	}

	cancelled := 0
	if body.RequestID != "" {
		if s.fabric.CancelRequest(body.RequestID) {
			cancelled = 1
		}
	} else {
		cancelled = s.fabric.CancelClient(body.ClientID, body.Kinds...)
	}

	respondJSON(w, http.StatusOK, map[string]int{"cancelled": cancelled})
}

type statusResponse struct {
	RequestID  string           `json:"request_id"`
	Cancelled  bool             `json:"cancelled"`
	TTSState   string           `json:"tts_state"`
	DerivedMS  derivedMSPayload `json:"derived_ms"`
	LastError  *string          `json:"last_error,omitempty"`
}

type derivedMSPayload struct {
	RAGFirstChunk  *int64 `json:"rag_first_chunk,omitempty"`
	FirstSegment   *int64 `json:"first_segment,omitempty"`
	TTSFirstAudio  *int64 `json:"tts_first_audio,omitempty"`
	PlayEnd        *int64 `json:"play_end,omitempty"`
	RAGDuration    *int64 `json:"rag_duration,omitempty"`
	TTSCount       int    `json:"tts_count"`
}

// handleStatus reports a request's cancellation state and derived timings,
// per §6 and §4.3.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		badRequest(w, "request_id is required")
		return
	}

	cancelled := false
	if tok, ok := s.fabric.Lookup(requestID); ok {
		cancelled = tok.Fired()
	}

	ttsState := "unknown"
	if _, ok := s.registry.Get(requestID); ok {
		ttsState = "active"
	} else {
		ttsState = "finished"
	}

	derived := s.events.Derive(requestID)
	resp := statusResponse{
		RequestID: requestID,
		Cancelled: cancelled,
		TTSState:  ttsState,
		DerivedMS: derivedMSPayload{
			RAGFirstChunk: derived.SubmitToRAGFirstChunkMS,
			FirstSegment:  derived.SubmitToFirstSegmentMS,
			TTSFirstAudio: derived.SubmitToTTSFirstAudioMS,
			PlayEnd:       derived.SubmitToPlayEndMS,
			RAGDuration:   derived.RAGDurationMS,
			TTSCount:      derived.TTSCount,
		},
	}

	for _, e := range s.events.Query(requestID, 0, 0) {
		if e.Level == "error" {
			msg := e.Name
			if m, ok := e.Fields["error"].(string); ok {
				msg = m
			}
			resp.LastError = &msg
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleEvents returns a request's event timeline as a JSON array or NDJSON,
// per §6.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		badRequest(w, "request_id is required")
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	events := s.events.Query(requestID, 0, 0)

	if format == "ndjson" {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)
		for _, e := range events {
			_ = enc.Encode(e)
		}
		return
	}
	if format != "json" {
		badRequest(w, "format must be json or ndjson")
		return
	}

	respondJSON(w, http.StatusOK, events)
}
