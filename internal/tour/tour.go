// Package tour implements the Tour State Machine (C7): ordered stop
// traversal through {idle, running, paused, interrupted}, serialized
// per-client, with an epoch counter that invalidates superseded in-flight
// narration and prefetch work, per §4.7.
//
// Built as a map + mutex + clone-on-read registry, one entry per client,
// the same as any other per-user session table, but driving a state
// machine instead of a flat session record: single-writer per client,
// readers always see a consistent snapshot.
//
// The cyclic reference the REDESIGN FLAGS note calls out (tour machine <->
// orchestrator <-> prefetch) is broken here by one-way message passing: the
// Machine emits Intents through a callback, and the caller (cmd/exhibitd)
// starts or cancels the narration in response. ReportQuestionDone is the
// entry point for reporting a finished interrupt question; cmd/exhibitd and
// internal/httpapi call neither Interrupt nor ReportQuestionDone. The
// Machine never calls into the orchestrator directly.
package tour

import (
	"errors"
	"sync"

	"github.com/lokutor-ai/exhibit-guide/internal/eventstore"
	"github.com/lokutor-ai/exhibit-guide/internal/model"
)

// ErrInvalidTransition is returned when a transition is attempted from a
// state that does not allow it (§4.7).
var ErrInvalidTransition = errors.New("tour: invalid transition for current state")

// ErrNoTour is returned for operations on a client with no tour instance.
var ErrNoTour = errors.New("tour: no active tour for client")

// IntentKind is a one-way message the Machine sends to the orchestrator
// integration; it never calls the orchestrator directly.
type IntentKind string

const (
	IntentStartNarration  IntentKind = "start_narration"
	IntentCancelNarration IntentKind = "cancel_narration"
)

// Intent is emitted by the Machine whenever a transition requires the
// orchestrator to start or cancel narration.
type Intent struct {
	Kind      IntentKind
	ClientID  string
	StopIndex int
	Stop      string
	Epoch     int64
}

// clientTour holds one client's tour instance; all mutation happens with mu
// held, matching the §5 "single-writer per client" shared-resource rule.
type clientTour struct {
	mu    sync.Mutex
	state model.TourState
}

// Machine is the per-process tour state machine, one instance per client_id.
type Machine struct {
	cfg      Config
	events   *eventstore.Store
	onIntent func(Intent)

	mu      sync.RWMutex
	clients map[string]*clientTour
}

// Config holds the tour machine's operator-configurable defaults.
type Config struct {
	PrefetchWindow    int
	DefaultResumeMode model.ResumeMode
}

// New builds a Machine. onIntent is invoked (never concurrently for the same
// client) whenever the machine needs narration started or cancelled.
func New(cfg Config, events *eventstore.Store, onIntent func(Intent)) *Machine {
	return &Machine{cfg: cfg, events: events, onIntent: onIntent, clients: make(map[string]*clientTour)}
}

func (m *Machine) get(clientID string) *clientTour {
	m.mu.RLock()
	ct, ok := m.clients[clientID]
	m.mu.RUnlock()
	if ok {
		return ct
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok = m.clients[clientID]
	if !ok {
		ct = &clientTour{}
		m.clients[clientID] = ct
	}
	return ct
}

func (m *Machine) recordEvent(clientID, name string, fields map[string]interface{}) {
	m.events.Append(eventstore.Event{
		RequestID: "tour:" + clientID,
		ClientID:  clientID,
		Kind:      "nav",
		Name:      name,
		Level:     "info",
		Fields:    fields,
	})
}

// State returns a snapshot of clientID's tour state.
func (m *Machine) State(clientID string) (model.TourState, bool) {
	ct := m.get(clientID)
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.state.Mode == "" {
		return model.TourState{}, false
	}
	return ct.state, true
}

// Start transitions idle -> running, beginning narration at stop 0.
func (m *Machine) Start(clientID string, stops []string, zone, profile, templateID, style string, durationS int) (model.TourState, error) {
	ct := m.get(clientID)
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.state.Mode != "" && ct.state.Mode != model.TourIdle {
		return ct.state, ErrInvalidTransition
	}
	if len(stops) == 0 {
		return model.TourState{}, errors.New("tour: stops must be non-empty")
	}

	ct.state = model.TourState{
		Mode:           model.TourRunning,
		Zone:           zone,
		Profile:        profile,
		Stops:          stops,
		StopIndex:      0,
		TemplateID:     templateID,
		Style:          style,
		DurationS:      durationS,
		Epoch:          1,
		ResumeMode:     m.cfg.DefaultResumeMode,
		ContinuousTour: false,
	}
	m.emitStart(clientID, &ct.state)
	return ct.state, nil
}

func (m *Machine) emitStart(clientID string, s *model.TourState) {
	m.onIntent(Intent{Kind: IntentStartNarration, ClientID: clientID, StopIndex: s.StopIndex, Stop: s.Stops[s.StopIndex], Epoch: s.Epoch})
}

func (m *Machine) emitCancel(clientID string, s *model.TourState) {
	m.onIntent(Intent{Kind: IntentCancelNarration, ClientID: clientID, StopIndex: s.StopIndex, Epoch: s.Epoch})
}

// Pause transitions running -> paused, cancelling active narration.
func (m *Machine) Pause(clientID string) (model.TourState, error) {
	ct := m.get(clientID)
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.state.Mode != model.TourRunning {
		return ct.state, ErrInvalidTransition
	}
	ct.state.Epoch++
	m.emitCancel(clientID, &ct.state)
	ct.state.Mode = model.TourPaused
	ct.state.ActiveRequestID = ""
	return ct.state, nil
}

// Resume transitions paused|interrupted -> running, starting a fresh
// narration request at stop_index.
func (m *Machine) Resume(clientID string) (model.TourState, error) {
	ct := m.get(clientID)
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.state.Mode != model.TourPaused && ct.state.Mode != model.TourInterrupted {
		return ct.state, ErrInvalidTransition
	}
	ct.state.Epoch++
	ct.state.Mode = model.TourRunning
	m.emitStart(clientID, &ct.state)
	return ct.state, nil
}

// Next advances stop_index by one, saturating; on advance past the last stop
// it transitions to idle and records tour_finished.
func (m *Machine) Next(clientID string) (model.TourState, error) {
	return m.step(clientID, 1)
}

// Prev retreats stop_index by one, saturating at 0.
func (m *Machine) Prev(clientID string) (model.TourState, error) {
	return m.step(clientID, -1)
}

func (m *Machine) step(clientID string, delta int) (model.TourState, error) {
	ct := m.get(clientID)
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.state.Mode != model.TourRunning && ct.state.Mode != model.TourPaused && ct.state.Mode != model.TourInterrupted {
		return ct.state, ErrInvalidTransition
	}

	wasRunning := ct.state.Mode == model.TourRunning
	ct.state.Epoch++
	m.emitCancel(clientID, &ct.state)

	next := ct.state.StopIndex + delta
	if next >= len(ct.state.Stops) {
		ct.state.Mode = model.TourIdle
		ct.state.ActiveRequestID = ""
		m.recordEvent(clientID, "tour_finished", map[string]interface{}{"epoch": ct.state.Epoch})
		return ct.state, nil
	}
	if next < 0 {
		next = 0
	}
	ct.state.StopIndex = next

	if wasRunning {
		m.emitStart(clientID, &ct.state)
	}
	return ct.state, nil
}

// Jump sets stop_index=clamp(i, 0, len-1); semantics like next/prev.
func (m *Machine) Jump(clientID string, i int) (model.TourState, error) {
	ct := m.get(clientID)
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.state.Mode != model.TourRunning && ct.state.Mode != model.TourPaused && ct.state.Mode != model.TourInterrupted {
		return ct.state, ErrInvalidTransition
	}
	if len(ct.state.Stops) == 0 {
		return ct.state, ErrInvalidTransition
	}

	wasRunning := ct.state.Mode == model.TourRunning
	ct.state.Epoch++
	m.emitCancel(clientID, &ct.state)

	if i < 0 {
		i = 0
	}
	if i > len(ct.state.Stops)-1 {
		i = len(ct.state.Stops) - 1
	}
	ct.state.StopIndex = i

	if wasRunning {
		m.emitStart(clientID, &ct.state)
	}
	return ct.state, nil
}

// Interrupt transitions running -> interrupted so the orchestrator can run a
// user question as a normal ask. The Machine has no visibility into question
// completion: the caller reports it through ReportQuestionDone, which
// resumes the tour when ContinuousTour is set and otherwise leaves it
// interrupted until an explicit Resume.
func (m *Machine) Interrupt(clientID string) (model.TourState, error) {
	ct := m.get(clientID)
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.state.Mode != model.TourRunning {
		return ct.state, ErrInvalidTransition
	}
	ct.state.Epoch++
	m.emitCancel(clientID, &ct.state)
	ct.state.Mode = model.TourInterrupted
	ct.state.ActiveRequestID = ""
	return ct.state, nil
}

// ReportQuestionDone is called by the orchestrator integration once an
// interrupt-triggered question finishes. If ContinuousTour is set, it
// auto-resumes; otherwise the state remains interrupted until an explicit
// Resume (§4.7 Interrupt transition note).
func (m *Machine) ReportQuestionDone(clientID string) (model.TourState, error) {
	ct := m.get(clientID)
	ct.mu.Lock()
	continuous := ct.state.Mode == model.TourInterrupted && ct.state.ContinuousTour
	ct.mu.Unlock()

	if continuous {
		return m.Resume(clientID)
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.state, nil
}

// SetContinuousTour toggles the Open Question (§9) resume-on-interrupt
// behavior for clientID's tour.
func (m *Machine) SetContinuousTour(clientID string, enabled bool) error {
	ct := m.get(clientID)
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.state.Mode == "" {
		return ErrNoTour
	}
	ct.state.ContinuousTour = enabled
	return nil
}

// Stop cancels active narration and transitions to idle, keeping the
// instance (stops list retained) for a later Start.
func (m *Machine) Stop(clientID string) (model.TourState, error) {
	ct := m.get(clientID)
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.state.Mode == "" || ct.state.Mode == model.TourIdle {
		return ct.state, ErrInvalidTransition
	}
	ct.state.Epoch++
	m.emitCancel(clientID, &ct.state)
	ct.state.Mode = model.TourIdle
	ct.state.ActiveRequestID = ""
	return ct.state, nil
}

// Reset cancels active narration and destroys the client's tour instance
// entirely (§3: "destroyed when explicitly reset").
func (m *Machine) Reset(clientID string) error {
	ct := m.get(clientID)
	ct.mu.Lock()
	if ct.state.Mode != "" && ct.state.Mode != model.TourIdle {
		ct.state.Epoch++
		m.emitCancel(clientID, &ct.state)
	}
	ct.mu.Unlock()

	m.mu.Lock()
	delete(m.clients, clientID)
	m.mu.Unlock()
	return nil
}
