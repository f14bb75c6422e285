// google backend: streams an answer over Gemini's streamGenerateContent SSE
// endpoint, with the same incremental-delivery SSE scan anthropic.go uses.
// Each request carries a single user turn; a configured system prompt is
// folded into it as a prefix, since Gemini does not accept a system role on
// every model.
package rag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// GoogleBackend streams completions from Gemini's generateContent API.
type GoogleBackend struct {
	apiKey string
	url    string
	model  string
	system string
}

// NewGoogleBackend builds a backend; model defaults to "gemini-1.5-flash".
func NewGoogleBackend(apiKey, model, system string) *GoogleBackend {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleBackend{
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":streamGenerateContent",
		model:  model,
		system: system,
	}
}

func (b *GoogleBackend) Name() string { return "google" }

type googlePart struct {
	Text string `json:"text"`
}

type googleStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Query implements Backend. Gemini's system role is unreliable across
// models, so a configured system prompt is folded into the user turn as a
// prefix rather than sent as its own message.
func (b *GoogleBackend) Query(ctx context.Context, sessionID, question string, onFragment func(text string) error) error {
	text := question
	if b.system != "" {
		text = b.system + "\n\n" + question
	}

	payload := map[string]interface{}{
		"contents": []map[string]interface{}{
			{
				"role":  "user",
				"parts": []googlePart{{Text: text}},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"?alt=sse&key="+b.apiKey, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("google: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody interface{}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("google: error (status %d): %v", resp.StatusCode, errBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var chunk googleStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error.Message != "" {
			return fmt.Errorf("google: stream error: %s", chunk.Error.Message)
		}
		for _, c := range chunk.Candidates {
			for _, p := range c.Content.Parts {
				if p.Text == "" {
					continue
				}
				if err := onFragment(p.Text); err != nil {
					return err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("google: stream read failed: %w", err)
	}
	return nil
}
