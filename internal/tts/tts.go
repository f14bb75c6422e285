// Package tts implements the TTS Dispatcher (C5): a provider-agnostic
// streaming text-to-speech façade with chunked audio output, cancellation,
// and single-retry fallback, per §4.5.
//
// The Provider sum type and table-driven selection give TTS the same
// select-by-name provider registration used for ASR and RAG, per the
// REDESIGN FLAGS note in §9 ("dynamic dispatch over TTS providers").
package tts

import (
	"context"
	"fmt"

	"github.com/lokutor-ai/exhibit-guide/internal/logging"
)

// Provider is one of the recognized TTS backends.
type Provider string

const (
	ProviderGPTSoVITSv1  Provider = "gpt_sovits_v1"
	ProviderGPTSoVITSv2  Provider = "gpt_sovits_v2"
	ProviderEdge         Provider = "edge"
	ProviderSAPI         Provider = "sapi"
	ProviderCloudCosy    Provider = "cloud_cosyvoice"
)

// VoiceConfig is the provider-agnostic voice selection translated by each
// backend into its own request shape.
type VoiceConfig struct {
	VoiceID        string
	Rate           float64
	ReferenceAudio []byte
	Language       string
}

// Chunk is one frame of synthesized audio.
type Chunk struct {
	Bytes       []byte
	ContentType string
}

// Backend is the capability contract every provider implements: a finite
// lazy sequence of audio chunks for one text, cancellable via ctx.
type Backend interface {
	Name() string
	StreamTTS(ctx context.Context, text string, voice VoiceConfig, onChunk func(Chunk) error) error
}

// bytesDeliveredGuard guards the "never retry after any audio bytes have
// been delivered downstream" rule in §4.5.
type bytesDeliveredGuard struct{ delivered bool }

// Dispatcher calls its configured primary Backend, forwards cancellation,
// and retries once with a configured fallback backend on provider failure —
// but only if no audio bytes were delivered yet.
type Dispatcher struct {
	backends map[Provider]Backend
	primary  Provider
	fallback Provider
	logger   logging.Logger
	onEvent  func(name string, fields map[string]interface{})
}

// New builds a Dispatcher. primary and fallback (fallback may be "") select
// which registered backends every call uses; there is no per-request override.
func New(backends map[Provider]Backend, primary, fallback Provider, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = &logging.NoOpLogger{}
	}
	return &Dispatcher{backends: backends, primary: primary, fallback: fallback, logger: logger}
}

// OnEvent registers a callback invoked for dispatcher-level typed events
// (e.g. provider failure before fallback), used by the orchestrator to
// record them into the Event Store without the tts package depending on it.
func (d *Dispatcher) OnEvent(fn func(name string, fields map[string]interface{})) {
	d.onEvent = fn
}

func (d *Dispatcher) emit(name string, fields map[string]interface{}) {
	if d.onEvent != nil {
		d.onEvent(name, fields)
	}
}

// StreamSynthesize synthesizes text with the dispatcher's primary provider,
// invoking onChunk once per audio chunk (the orchestrator assigns per-chunk
// seq numbers across calls). If the primary fails before any chunk was
// delivered, it retries once with the fallback provider, when one is set.
func (d *Dispatcher) StreamSynthesize(ctx context.Context, text string, voice VoiceConfig, onChunk func(Chunk) error) error {
	primary, ok := d.backends[d.primary]
	if !ok {
		return fmt.Errorf("tts: provider %q not configured", d.primary)
	}

	guard := &bytesDeliveredGuard{}
	wrapped := func(c Chunk) error {
		guard.delivered = true
		return onChunk(c)
	}

	err := primary.StreamTTS(ctx, text, voice, wrapped)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err() // cancellation, not a provider failure
	}

	d.emit("tts_provider_error", map[string]interface{}{"provider": string(d.primary), "error": err.Error()})

	if guard.delivered || d.fallback == "" || d.fallback == d.primary {
		return fmt.Errorf("tts: %s failed: %w", d.primary, err)
	}

	fallback, ok := d.backends[d.fallback]
	if !ok {
		return fmt.Errorf("tts: %s failed and fallback %q not configured: %w", d.primary, d.fallback, err)
	}

	d.logger.Warn("tts provider failed, retrying with fallback", "primary", d.primary, "fallback", d.fallback)
	d.emit("tts_fallback", map[string]interface{}{"primary": string(d.primary), "fallback": string(d.fallback)})

	return fallback.StreamTTS(ctx, text, voice, wrapped)
}

// Name reports the currently selected primary provider's backend name.
func (d *Dispatcher) Name() string {
	if b, ok := d.backends[d.primary]; ok {
		return b.Name()
	}
	return string(d.primary)
}

// aborter is implemented by backends that hold a reusable connection which
// can be forcibly torn down on interruption, independent of ctx cancellation
// (e.g. a persistent websocket mid-frame). It is optional: most HTTP
// backends have nothing to abort beyond ctx, which the caller already owns.
type aborter interface {
	Abort() error
}

// Abort best-effort tears down the primary provider's connection. Safe to
// call even if the backend has nothing to abort. The orchestrator does not
// call it: in-flight TTS calls are cancelled through their ctx.
func (d *Dispatcher) Abort() error {
	b, ok := d.backends[d.primary]
	if !ok {
		return nil
	}
	if a, ok := b.(aborter); ok {
		return a.Abort()
	}
	return nil
}
