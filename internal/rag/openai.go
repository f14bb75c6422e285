// openai backend: streams an answer over the Chat Completions API's
// stream:true SSE mode, mirroring anthropic.go's incremental-delivery SSE
// scan loop.
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

// OpenAIBackend streams completions from OpenAI's Chat Completions API.
type OpenAIBackend struct {
	apiKey string
	url    string
	model  string
	system string
}

// NewOpenAIBackend builds a backend; model defaults to "gpt-4o".
func NewOpenAIBackend(apiKey, model, system string) *OpenAIBackend {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIBackend{
		apiKey: apiKey,
		url:    "https://api.openai.com/v1/chat/completions",
		model:  model,
		system: system,
	}
}

func (b *OpenAIBackend) Name() string { return "openai" }

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Query implements Backend.
func (b *OpenAIBackend) Query(ctx context.Context, sessionID, question string, onFragment func(text string) error) error {
	var messages []map[string]string
	if b.system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": b.system})
	}
	messages = append(messages, map[string]string{"role": "user", "content": question})

	payload := map[string]interface{}{
		"model":    b.model,
		"messages": messages,
		"stream":   true,
		"user":     sessionID,
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
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody interface{}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("openai: error (status %d): %v", resp.StatusCode, errBody)
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
		if data == "[DONE]" {
			return nil
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error.Message != "" {
			return fmt.Errorf("openai: stream error: %s", chunk.Error.Message)
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content == "" {
				continue
			}
			if err := onFragment(c.Delta.Content); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("openai: stream read failed: %w", err)
	}
	return nil
}
