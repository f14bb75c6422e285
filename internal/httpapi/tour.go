package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/lokutor-ai/exhibit-guide/internal/apierr"
	"github.com/lokutor-ai/exhibit-guide/internal/model"
	"github.com/lokutor-ai/exhibit-guide/internal/tour"
)

// tourStateWire is the JSON wire shape for a TourState snapshot, per §6's
// "updated TourState snapshot" response.
type tourStateWire struct {
	Mode            string   `json:"mode"`
	Zone            string   `json:"zone"`
	Profile         string   `json:"profile"`
	Stops           []string `json:"stops"`
	StopIndex       int      `json:"stop_index"`
	TemplateID      string   `json:"template_id"`
	Style           string   `json:"style"`
	DurationS       int      `json:"duration_s"`
	ActiveRequestID string   `json:"active_request_id,omitempty"`
	Epoch           int64    `json:"epoch"`
	ContinuousTour  bool     `json:"continuous_tour"`
	ResumeMode      string   `json:"resume_mode"`
}

func toTourWire(s model.TourState) tourStateWire {
	return tourStateWire{
		Mode:            string(s.Mode),
		Zone:            s.Zone,
		Profile:         s.Profile,
		Stops:           s.Stops,
		StopIndex:       s.StopIndex,
		TemplateID:      s.TemplateID,
		Style:           s.Style,
		DurationS:       s.DurationS,
		ActiveRequestID: s.ActiveRequestID,
		Epoch:           s.Epoch,
		ContinuousTour:  s.ContinuousTour,
		ResumeMode:      string(s.ResumeMode),
	}
}

func (s *Server) respondTourResult(w http.ResponseWriter, state model.TourState, err error) {
	if err != nil {
		if err == tour.ErrInvalidTransition || err == tour.ErrNoTour {
			respondError(w, apierr.New(apierr.CodeBadRequest, err.Error()))
			return
		}
		respondError(w, apierr.Internal(err))
		return
	}
	respondJSON(w, http.StatusOK, toTourWire(state))
}

type tourStartBody struct {
	Stops      []string `json:"stops"`
	Zone       string   `json:"zone"`
	Profile    string   `json:"profile"`
	TemplateID string   `json:"template_id"`
	Style      string   `json:"style"`
	DurationS  int      `json:"duration_s"`
}

// handleTourStart transitions idle->running, per §6's {epoch, stop_index}
// response (folded here into the full TourState snapshot every other tour
// endpoint returns, for a consistent client-side shape).
func (s *Server) handleTourStart(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFromRequest(r)
	if clientID == "" {
		badRequest(w, "X-Client-ID header is required")
		return
	}
	var body tourStartBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if len(body.Stops) == 0 {
		badRequest(w, "stops must be non-empty")
		return
	}

	state, err := s.tourMachine.Start(clientID, body.Stops, body.Zone, body.Profile, body.TemplateID, body.Style, body.DurationS)
	s.respondTourResult(w, state, err)
}

func (s *Server) handleTourPause(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFromRequest(r)
	if clientID == "" {
		badRequest(w, "X-Client-ID header is required")
		return
	}
	state, err := s.tourMachine.Pause(clientID)
	s.respondTourResult(w, state, err)
}

func (s *Server) handleTourResume(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFromRequest(r)
	if clientID == "" {
		badRequest(w, "X-Client-ID header is required")
		return
	}
	state, err := s.tourMachine.Resume(clientID)
	s.respondTourResult(w, state, err)
}

func (s *Server) handleTourNext(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFromRequest(r)
	if clientID == "" {
		badRequest(w, "X-Client-ID header is required")
		return
	}
	state, err := s.tourMachine.Next(clientID)
	s.respondTourResult(w, state, err)
}

func (s *Server) handleTourPrev(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFromRequest(r)
	if clientID == "" {
		badRequest(w, "X-Client-ID header is required")
		return
	}
	state, err := s.tourMachine.Prev(clientID)
	s.respondTourResult(w, state, err)
}

type tourJumpBody struct {
	StopIndex int `json:"stop_index"`
}

func (s *Server) handleTourJump(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFromRequest(r)
	if clientID == "" {
		badRequest(w, "X-Client-ID header is required")
		return
	}
	var body tourJumpBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	state, err := s.tourMachine.Jump(clientID, body.StopIndex)
	s.respondTourResult(w, state, err)
}

func (s *Server) handleTourReset(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFromRequest(r)
	if clientID == "" {
		badRequest(w, "X-Client-ID header is required")
		return
	}
	if err := s.tourMachine.Reset(clientID); err != nil {
		respondError(w, apierr.Internal(err))
		return
	}
	respondJSON(w, http.StatusOK, toTourWire(model.TourState{Mode: model.TourIdle}))
}

func (s *Server) handleTourState(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFromRequest(r)
	if clientID == "" {
		badRequest(w, "X-Client-ID header is required")
		return
	}
	state, ok := s.tourMachine.State(clientID)
	if !ok {
		respondError(w, apierr.New(apierr.CodeNotFound, "no active tour for client"))
		return
	}
	respondJSON(w, http.StatusOK, toTourWire(state))
}
