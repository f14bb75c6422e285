// anthropic backend: streams an answer over Anthropic's SSE messages API
// (stream: true), built for incremental delivery since a blocking call that
// waits for the full response cannot satisfy rag_first_chunk. SSE frames
// are parsed by a line-by-line scan that keeps the "data:" line and decodes
// it when the blank line ending the frame arrives.
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

// AnthropicBackend streams completions from Anthropic's Messages API.
type AnthropicBackend struct {
	apiKey string
	url    string
	model  string
	system string
}

// NewAnthropicBackend builds a backend; model defaults to
// "claude-3-5-sonnet-20240620". system is a fixed exhibit-guide persona
// prompt prepended to every question.
func NewAnthropicBackend(apiKey, model, system string) *AnthropicBackend {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicBackend{
		apiKey: apiKey,
		url:    "https://api.anthropic.com/v1/messages",
		model:  model,
		system: system,
	}
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Query implements Backend. sessionID is threaded through as metadata so a
// future memory-backed implementation can key conversation history by it;
// this backend is stateless per call.
func (b *AnthropicBackend) Query(ctx context.Context, sessionID, question string, onFragment func(text string) error) error {
	payload := map[string]interface{}{
		"model": b.model,
		"messages": []map[string]string{
			{"role": "user", "content": question},
		},
		"max_tokens": 1024,
		"stream":     true,
		"metadata":   map[string]string{"user_id": sessionID},
	}
	if b.system != "" {
		payload["system"] = b.system
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", b.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody interface{}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("anthropic: error (status %d): %v", resp.StatusCode, errBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if dataLine == "" {
				continue
			}
			var ev anthropicEvent
			if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
				dataLine = ""
				continue
			}
			dataLine = ""

			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					if err := onFragment(ev.Delta.Text); err != nil {
						return err
					}
				}
			case "error":
				return fmt.Errorf("anthropic: stream error: %s", ev.Error.Message)
			case "message_stop":
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("anthropic: stream read failed: %w", err)
	}
	return nil
}
