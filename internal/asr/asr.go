// Package asr implements the Automatic Speech Recognition contract used by
// the Conversation Orchestrator (C6) at step 3 ("if input is audio, call
// ASR with the cancel token"). A single blocking Transcribe call is all
// /speech_to_text and the Ask pipeline need; streaming partial transcripts
// is out of scope, so the interface is trimmed to that one shape.
package asr

import "context"

// Provider is one of the recognized ASR backends, table-driven like tts.Provider
// so a new backend is a registry entry, never a type switch.
type Provider string

const (
	ProviderDeepgram     Provider = "deepgram"
	ProviderGroqWhisper  Provider = "groq_whisper"
	ProviderAssemblyAI   Provider = "assemblyai"
	ProviderOpenAIWhisper Provider = "openai_whisper"
)

// Backend transcribes a single complete utterance. Streaming ASR (partial
// transcripts while speaking) is out of scope per spec Non-goals; callers
// that need it attach their own VAD/framing above this contract.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, audioPCM []byte, language string) (string, error)
}

// Dispatcher selects a Backend by configuration, mirroring tts.Dispatcher's
// table-driven shape without the fallback/bytes-delivered guard — a single
// failed transcription has nothing partial to preserve.
type Dispatcher struct {
	backends map[Provider]Backend
	primary  Provider
}

// New builds a Dispatcher over backends, selecting primary as the default.
func New(backends map[Provider]Backend, primary Provider) *Dispatcher {
	return &Dispatcher{backends: backends, primary: primary}
}

// Transcribe runs the primary backend. The caller is responsible for
// applying the ASR soft-timeout (10s per §5) via ctx.
func (d *Dispatcher) Transcribe(ctx context.Context, audioPCM []byte, language string) (string, error) {
	b, ok := d.backends[d.primary]
	if !ok {
		return "", ErrNoBackend
	}
	return b.Transcribe(ctx, audioPCM, language)
}

// Name reports the primary backend's name.
func (d *Dispatcher) Name() string {
	if b, ok := d.backends[d.primary]; ok {
		return b.Name()
	}
	return string(d.primary)
}
