// Package rag implements the retrieval-augmented question-answering contract
// consumed by the Conversation Orchestrator (C6) at step 5: "call RAG with
// the question and the client's session id; consume the streaming text."
//
// The contract is streaming rather than a single blocking call, since an
// incremental text delivery is required (rag_first_chunk must be observable
// before the full answer exists). A hand-rolled HTTP+SSE client style is
// used rather than pulling in an LLM SDK — see the DOMAIN STACK decision
// record in DESIGN.md.
package rag

import "context"

// Provider is one of the recognized RAG backends.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderOpenAI    Provider = "openai"
)

// Backend answers a question against retrieval-augmented context, streaming
// text fragments as they become available. Fragment boundaries are
// provider-determined and arbitrary; the cleaner (C4) does not assume
// sentence-aligned fragments.
type Backend interface {
	Name() string
	Query(ctx context.Context, sessionID, question string, onFragment func(text string) error) error
}

// Dispatcher selects a Backend by configuration.
type Dispatcher struct {
	backends map[Provider]Backend
	primary  Provider
}

// New builds a Dispatcher over backends, selecting primary as the default.
func New(backends map[Provider]Backend, primary Provider) *Dispatcher {
	return &Dispatcher{backends: backends, primary: primary}
}

// Query runs the primary backend. Soft timeouts (first-byte 8s, inter-byte
// 5s per §5) are the caller's responsibility via ctx deadlines per fragment.
func (d *Dispatcher) Query(ctx context.Context, sessionID, question string, onFragment func(text string) error) error {
	b, ok := d.backends[d.primary]
	if !ok {
		return ErrNoBackend
	}
	return b.Query(ctx, sessionID, question, onFragment)
}

// Name reports the primary backend's name.
func (d *Dispatcher) Name() string {
	if b, ok := d.backends[d.primary]; ok {
		return b.Name()
	}
	return string(d.primary)
}
