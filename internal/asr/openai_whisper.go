// openai_whisper backend: multipart-upload transcription against OpenAI's
// audio/transcriptions endpoint, reusing the same pkg/audio WAV framer as
// groq.go since the endpoint also requires a container format rather than
// raw PCM.
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

// OpenAIWhisperBackend uploads a WAV-wrapped PCM clip for transcription.
type OpenAIWhisperBackend struct {
	apiKey     string
	url        string
	model      string
	sampleRate int
}

// NewOpenAIWhisperBackend builds a backend; model defaults to "whisper-1".
func NewOpenAIWhisperBackend(apiKey, model string, sampleRate int) *OpenAIWhisperBackend {
	if model == "" {
		model = "whisper-1"
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &OpenAIWhisperBackend{
		apiKey:     apiKey,
		url:        "https://api.openai.com/v1/audio/transcriptions",
		model:      model,
		sampleRate: sampleRate,
	}
}

func (b *OpenAIWhisperBackend) Name() string { return "openai_whisper" }

// Transcribe implements Backend.
func (b *OpenAIWhisperBackend) Transcribe(ctx context.Context, audioPCM []byte, language string) (string, error) {
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
		return "", fmt.Errorf("openai_whisper: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("openai_whisper: error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("openai_whisper: decode response: %w", err)
	}
	return result.Text, nil
}
