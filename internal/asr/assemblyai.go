// assemblyai backend: upload-then-poll transcription against AssemblyAI.
// AssemblyAI has no raw-PCM streaming endpoint comparable to Deepgram's, so
// a job is uploaded, submitted, then polled to completion.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// AssemblyBackend uploads raw PCM, submits it for transcription, and polls
// until the job completes.
type AssemblyBackend struct {
	apiKey string
}

// NewAssemblyBackend builds a backend.
func NewAssemblyBackend(apiKey string) *AssemblyBackend {
	return &AssemblyBackend{apiKey: apiKey}
}

func (b *AssemblyBackend) Name() string { return "assemblyai" }

// Transcribe implements Backend.
func (b *AssemblyBackend) Transcribe(ctx context.Context, audioPCM []byte, language string) (string, error) {
	uploadURL, err := b.upload(ctx, audioPCM)
	if err != nil {
		return "", fmt.Errorf("assemblyai: upload: %w", err)
	}

	transcriptID, err := b.submit(ctx, uploadURL, language)
	if err != nil {
		return "", fmt.Errorf("assemblyai: submit: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(400 * time.Millisecond):
			text, status, err := b.poll(ctx, transcriptID)
			if err != nil {
				return "", fmt.Errorf("assemblyai: poll: %w", err)
			}
			switch status {
			case "completed":
				return text, nil
			case "error":
				return "", fmt.Errorf("assemblyai: transcription job failed")
			}
		}
	}
}

func (b *AssemblyBackend) upload(ctx context.Context, audioPCM []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.assemblyai.com/v2/upload", bytes.NewReader(audioPCM))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", b.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.UploadURL, nil
}

func (b *AssemblyBackend) submit(ctx context.Context, uploadURL, language string) (string, error) {
	payload := map[string]interface{}{"audio_url": uploadURL}
	if language != "" {
		payload["language_code"] = language
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.assemblyai.com/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", b.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func (b *AssemblyBackend) poll(ctx context.Context, id string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.assemblyai.com/v2/transcript/"+id, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", b.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var result struct {
		Status string `json:"status"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", err
	}
	return result.Text, result.Status, nil
}
