// HTTP chunked-transfer TTS backends (gpt_sovits_v1, gpt_sovits_v2, edge,
// sapi): a single POST with a JSON body, the provider streaming raw audio
// bytes back over the response body, which is read in fixed-size frames
// rather than waiting for the full response so downstream TTS consumers
// still see incremental chunks.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const httpReadFrame = 4096

// httpStreamBackend is the shared shape of the four HTTP-based providers:
// POST a synthesis request, read the chunked response body as audio frames.
type httpStreamBackend struct {
	name        string
	endpoint    string
	apiKey      string
	contentType string
	client      *http.Client
}

func newHTTPStreamBackend(name, endpoint, apiKey, contentType string) *httpStreamBackend {
	return &httpStreamBackend{
		name:        name,
		endpoint:    endpoint,
		apiKey:      apiKey,
		contentType: contentType,
		client:      http.DefaultClient,
	}
}

func (b *httpStreamBackend) Name() string { return b.name }

func (b *httpStreamBackend) StreamTTS(ctx context.Context, text string, voice VoiceConfig, onChunk func(Chunk) error) error {
	payload, err := json.Marshal(map[string]interface{}{
		"text":     text,
		"voice_id": voice.VoiceID,
		"rate":     voice.Rate,
		"lang":     voice.Language,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", b.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: error (status %d): %s", b.name, resp.StatusCode, string(body))
	}

	frame := make([]byte, httpReadFrame)
	for {
		n, readErr := resp.Body.Read(frame)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, frame[:n])
			if err := onChunk(Chunk{Bytes: chunk, ContentType: b.contentType}); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("%s: stream read failed: %w", b.name, readErr)
		}
	}
}

// NewGPTSoVITSv1Backend builds the gpt_sovits_v1 provider.
func NewGPTSoVITSv1Backend(endpoint, apiKey string) Backend {
	return newHTTPStreamBackend("gpt_sovits_v1", endpoint, apiKey, "audio/wav")
}

// NewGPTSoVITSv2Backend builds the gpt_sovits_v2 provider.
func NewGPTSoVITSv2Backend(endpoint, apiKey string) Backend {
	return newHTTPStreamBackend("gpt_sovits_v2", endpoint, apiKey, "audio/wav")
}

// NewEdgeBackend builds the edge (Microsoft Edge neural TTS-compatible)
// provider.
func NewEdgeBackend(endpoint, apiKey string) Backend {
	return newHTTPStreamBackend("edge", endpoint, apiKey, "audio/mpeg")
}

// NewSAPIBackend builds the sapi (local speech API bridge) provider.
func NewSAPIBackend(endpoint, apiKey string) Backend {
	return newHTTPStreamBackend("sapi", endpoint, apiKey, "audio/wav")
}
