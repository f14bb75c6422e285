// Package prefetch implements the Tour Prefetch Pipeline (C8): a bounded
// sliding window of upcoming stops' narration, generated ahead of playback so
// advancing to a ready stop has zero time-to-first-audio, per §4.8.
//
// The Pipeline depends on the orchestrator only through the Runner function
// type and is never called by tour.Machine, keeping the no-cyclic-references
// rule from §9 intact. cmd/exhibitd forwards tour Intents to it only as
// OnEpochChange calls: it does not call OnTourStart, OnAdvance or Consume,
// so a running tour schedules no prefetch and narrates every stop live.
// Bounded concurrency
// (at most W prefetch requests in flight) uses golang.org/x/sync/semaphore,
// the same primitive as the orchestrator's TTS dispatch pool (C6).
package prefetch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/lokutor-ai/exhibit-guide/internal/logging"
	"github.com/lokutor-ai/exhibit-guide/internal/model"
)

// Runner executes one ask_prefetch request, staging CleanedChunks and
// AudioSegments via the sinks passed to it rather than an HTTP response.
// Satisfied by a thin adapter over orchestrator.Orchestrator.Ask.
type Runner func(ctx context.Context, clientID string, opts model.AskOptions, textSink model.TextSink, audioSink model.AudioSink) (requestID string, err error)

// clientWindow holds one client's sliding prefetch window.
type clientWindow struct {
	mu    sync.Mutex
	epoch int64
	slots map[int]*model.PrefetchSlot
	sem   *semaphore.Weighted
}

// Pipeline schedules and stages prefetch narration for upcoming tour stops.
type Pipeline struct {
	window int
	run    Runner
	logger logging.Logger

	mu      sync.Mutex
	clients map[string]*clientWindow
}

// New builds a Pipeline with lookahead window w (default 2) and a Runner used
// to execute prefetch requests.
func New(w int, run Runner, logger logging.Logger) *Pipeline {
	if w < 0 {
		w = 2
	}
	if logger == nil {
		logger = &logging.NoOpLogger{}
	}
	return &Pipeline{window: w, run: run, logger: logger, clients: make(map[string]*clientWindow)}
}

func (p *Pipeline) windowFor(clientID string) *clientWindow {
	p.mu.Lock()
	defer p.mu.Unlock()
	cw, ok := p.clients[clientID]
	if !ok {
		cw = &clientWindow{slots: make(map[int]*model.PrefetchSlot), sem: semaphore.NewWeighted(int64(maxInt(1, p.window)))}
		p.clients[clientID] = cw
	}
	return cw
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// OnTourStart schedules prefetch for stops i+1..min(i+W, len-1) when the
// tour enters running at index i.
func (p *Pipeline) OnTourStart(ctx context.Context, clientID string, epoch int64, currentIndex int, stops []string, sessionID, style string) {
	cw := p.windowFor(clientID)
	cw.mu.Lock()
	cw.epoch = epoch
	cw.slots = make(map[int]*model.PrefetchSlot)
	cw.mu.Unlock()

	p.scheduleRange(ctx, clientID, cw, epoch, currentIndex, stops, sessionID, style)
}

// OnAdvance evicts the slot at the previous index, slides the window
// forward, and schedules prefetch for newly-uncovered indices. On an epoch
// change (superseding prior work) it evicts everything first.
func (p *Pipeline) OnAdvance(ctx context.Context, clientID string, epoch int64, newIndex int, stops []string, sessionID, style string) {
	cw := p.windowFor(clientID)

	cw.mu.Lock()
	if cw.epoch != epoch {
		cw.slots = make(map[int]*model.PrefetchSlot)
		cw.epoch = epoch
	} else {
		delete(cw.slots, newIndex-1)
	}
	cw.mu.Unlock()

	p.scheduleRange(ctx, clientID, cw, epoch, newIndex, stops, sessionID, style)
}

// OnEpochChange evicts all slots for clientID, used whenever the tour
// machine reports a transition that abandons in-flight work (pause,
// interrupt, stop, reset) without itself advancing the window.
func (p *Pipeline) OnEpochChange(clientID string, epoch int64) {
	cw := p.windowFor(clientID)
	cw.mu.Lock()
	cw.epoch = epoch
	cw.slots = make(map[int]*model.PrefetchSlot)
	cw.mu.Unlock()
}

func (p *Pipeline) scheduleRange(ctx context.Context, clientID string, cw *clientWindow, epoch int64, currentIndex int, stops []string, sessionID, style string) {
	last := currentIndex + p.window
	if last > len(stops)-1 {
		last = len(stops) - 1
	}
	for i := currentIndex + 1; i <= last; i++ {
		cw.mu.Lock()
		_, exists := cw.slots[i]
		if !exists {
			cw.slots[i] = &model.PrefetchSlot{StopIndex: i, Epoch: epoch, Status: model.SlotPending}
		}
		cw.mu.Unlock()
		if !exists {
			go p.fill(ctx, clientID, cw, epoch, i, stops[i], sessionID, style)
		}
	}
}

func (p *Pipeline) fill(ctx context.Context, clientID string, cw *clientWindow, epoch int64, stopIndex int, stopName, sessionID, style string) {
	if err := cw.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer cw.sem.Release(1)

	var textChunks []model.CleanedChunk
	var audioSegments []model.AudioSegment
	var mu sync.Mutex

	textSink := func(ctx context.Context, seq int, delta string) error {
		mu.Lock()
		textChunks = append(textChunks, model.CleanedChunk{Seq: seq, Text: delta})
		mu.Unlock()
		return nil
	}
	audioSink := func(ctx context.Context, seg model.AudioSegment) error {
		mu.Lock()
		audioSegments = append(audioSegments, seg)
		mu.Unlock()
		return nil
	}

	opts := model.AskOptions{Question: "narrate:" + stopName, SessionID: sessionID, Kind: model.KindAskPrefetch, Style: style}
	_, err := p.run(ctx, clientID, opts, textSink, audioSink)

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.epoch != epoch {
		return // superseded while we were running; discard per correctness property
	}
	slot, ok := cw.slots[stopIndex]
	if !ok || slot.Epoch != epoch {
		return
	}
	if err != nil {
		slot.Status = model.SlotEvicted
		p.logger.Warn("prefetch failed", "client_id", clientID, "stop_index", stopIndex, "error", err)
		return
	}
	slot.TextChunks = textChunks
	slot.AudioSegments = audioSegments
	slot.Status = model.SlotReady
}

// Consume returns the slot for stopIndex if it is ready under the current
// epoch, marking it consumed. Returns ok=false if the caller must start a
// fresh synchronous narration instead.
func (p *Pipeline) Consume(clientID string, epoch int64, stopIndex int) (model.PrefetchSlot, bool) {
	cw := p.windowFor(clientID)
	cw.mu.Lock()
	defer cw.mu.Unlock()

	slot, ok := cw.slots[stopIndex]
	if !ok || slot.Epoch != epoch || slot.Status != model.SlotReady {
		return model.PrefetchSlot{}, false
	}
	out := *slot
	slot.Status = model.SlotConsumed
	return out, true
}
