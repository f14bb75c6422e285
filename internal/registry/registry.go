// Package registry implements the Request Registry & Rate Limiter (C2):
// sliding-window admission counters per (client_id, kind), built as a
// map + mutex registry keyed by (client, kind) that counts requests in a
// window rather than holding session state. Expired timestamps are trimmed
// on the next Admit for the same key; there is no background janitor.
package registry

import (
	"sync"
	"time"

	"github.com/lokutor-ai/exhibit-guide/internal/apierr"
	"github.com/lokutor-ai/exhibit-guide/internal/config"
	"github.com/lokutor-ai/exhibit-guide/internal/model"
)

// window holds the timestamps of admitted requests inside the sliding window,
// oldest first, so expiry is a cheap prefix trim.
type window struct {
	mu    sync.Mutex
	times []time.Time
}

func (w *window) admit(now time.Time, limit int, span time.Duration) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-span)
	i := 0
	for i < len(w.times) && w.times[i].Before(cutoff) {
		i++
	}
	w.times = w.times[i:]

	if len(w.times) >= limit {
		retryAfter := w.times[0].Add(span).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	w.times = append(w.times, now)
	return true, 0
}

// Registry tracks active requests per client and enforces the configured
// rate limits. Cancellation is independent of rate limiting: a cancelled
// request still counts toward its window (§4.2).
type Registry struct {
	cfg config.Config

	mu       sync.RWMutex
	windows  map[string]*window // "client_id|kind" -> window
	active   map[string]*model.Request
	byClient map[string]map[string]string // client_id -> kind -> request_id (single active request per kind, §3 invariant 3)
}

// New builds a Registry from the configured per-kind rate limits.
func New(cfg config.Config) *Registry {
	return &Registry{
		cfg:      cfg,
		windows:  make(map[string]*window),
		active:   make(map[string]*model.Request),
		byClient: make(map[string]map[string]string),
	}
}

func (r *Registry) limitFor(kind model.RequestKind) config.RateLimit {
	switch kind {
	case model.KindAsk:
		return r.cfg.RateLimitAsk
	case model.KindAskPrefetch:
		return r.cfg.RateLimitAskPrefetch
	case model.KindWakeWord:
		return r.cfg.RateLimitASR
	default:
		return config.RateLimit{Limit: 1 << 30, Window: time.Minute}
	}
}

func (r *Registry) windowFor(clientID string, kind model.RequestKind) *window {
	key := clientID + "|" + string(kind)

	r.mu.RLock()
	w, ok := r.windows[key]
	r.mu.RUnlock()
	if ok {
		return w
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok = r.windows[key]
	if !ok {
		w = &window{}
		r.windows[key] = w
	}
	return w
}

// Admit enforces the sliding-window limit for clientID/kind and, if admitted,
// tracks the request as active. Per §3 invariant 3, admitting a new request
// for a client/kind implicitly supersedes (but does not itself cancel) the
// previous one for the same kind; callers wire actual cancellation through
// the cancellation fabric using the returned supersededRequestID.
func (r *Registry) Admit(req *model.Request, now time.Time) (supersededRequestID string, err error) {
	w := r.windowFor(req.ClientID, req.Kind)
	limit := r.limitFor(req.Kind)

	ok, retryAfter := w.admit(now, limit.Limit, limit.Window)
	if !ok {
		return "", apierr.Retry(apierr.CodeRateLimited, "rate limit exceeded", retryAfter.Milliseconds())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byKind, exists := r.byClient[req.ClientID]
	if !exists {
		byKind = make(map[string]string)
		r.byClient[req.ClientID] = byKind
	}
	supersededRequestID = byKind[string(req.Kind)]
	byKind[string(req.Kind)] = req.ID
	r.active[req.ID] = req

	return supersededRequestID, nil
}

// Release marks a request terminated (completed or cancelled) and removes it
// from the active set.
func (r *Registry) Release(req *model.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.active, req.ID)
	if byKind, ok := r.byClient[req.ClientID]; ok {
		if byKind[string(req.Kind)] == req.ID {
			delete(byKind, string(req.Kind))
		}
		if len(byKind) == 0 {
			delete(r.byClient, req.ClientID)
		}
	}
}

// Get returns the active Request for request_id, if any.
func (r *Registry) Get(requestID string) (*model.Request, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.active[requestID]
	return req, ok
}

// ActiveCount returns the number of currently active (unterminated) requests.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
