// groq_whisper backend: multipart-upload transcription against Groq's
// OpenAI-compatible Whisper endpoint. Reuses the pkg/audio WAV framer to
// wrap raw PCM, since the endpoint requires a container format.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/lokutor-ai/exhibit-guide/pkg/audio"
)

// GroqWhisperBackend uploads a WAV-wrapped PCM clip for transcription.
type GroqWhisperBackend struct {
	apiKey     string
	url        string
	model      string
	sampleRate int
}

// NewGroqWhisperBackend builds a backend; model defaults to
// "whisper-large-v3-turbo" if empty.
func NewGroqWhisperBackend(apiKey, model string, sampleRate int) *GroqWhisperBackend {
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &GroqWhisperBackend{
		apiKey:     apiKey,
		url:        "https://api.groq.com/openai/v1/audio/transcriptions",
		model:      model,
		sampleRate: sampleRate,
	}
}

func (b *GroqWhisperBackend) Name() string { return "groq_whisper" }

// Transcribe implements Backend.
func (b *GroqWhisperBackend) Transcribe(ctx context.Context, audioPCM []byte, language string) (string, error) {
	wavData := audio.NewWavBuffer(audioPCM, b.sampleRate)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("model", b.model); err != nil {
		return "", err
	}
	if language != "" {
		if err := writer.WriteField("language", language); err != nil {
			return "", err
		}
	}

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, bytes.NewReader(wavData)); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("groq_whisper: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody interface{}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return "", fmt.Errorf("groq_whisper: error (status %d): %v", resp.StatusCode, errBody)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("groq_whisper: decode response: %w", err)
	}
	return result.Text, nil
}
