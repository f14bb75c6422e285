// deepgram backend: raw PCM posted directly to Deepgram's /listen endpoint.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// DeepgramBackend posts raw linear PCM to Deepgram's pre-recorded endpoint.
type DeepgramBackend struct {
	apiKey     string
	url        string
	sampleRate int
}

// NewDeepgramBackend builds a backend; sampleRate describes the PCM sent to
// Transcribe (default 16000, matching typical exhibit kiosk mic capture).
func NewDeepgramBackend(apiKey string, sampleRate int) *DeepgramBackend {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &DeepgramBackend{
		apiKey:     apiKey,
		url:        "https://api.deepgram.com/v1/listen",
		sampleRate: sampleRate,
	}
}

func (b *DeepgramBackend) Name() string { return "deepgram" }

// Transcribe implements Backend.
func (b *DeepgramBackend) Transcribe(ctx context.Context, audioPCM []byte, language string) (string, error) {
	u, err := url.Parse(b.url)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", "nova-2")
	q.Set("smart_format", "true")
	if language != "" {
		q.Set("language", language)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(audioPCM))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Token "+b.apiKey)
	req.Header.Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d; channels=1", b.sampleRate))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("deepgram: error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("deepgram: decode response: %w", err)
	}

	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return result.Results.Channels[0].Alternatives[0].Transcript, nil
}
