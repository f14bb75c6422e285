// cloud_cosyvoice backend: a persistent websocket streaming synthesis
// connection — dial once and reuse the connection, a JSON request envelope
// per utterance, and a binary/text frame protocol (binary = audio chunk,
// text "EOS" = stream end, text "ERR:..." = provider error).
package tts

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// CosyVoiceBackend talks to a cloud CosyVoice-compatible streaming endpoint.
type CosyVoiceBackend struct {
	apiKey string
	host   string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewCosyVoiceBackend builds a backend dialing host (e.g. "api.cosyvoice.example.com").
func NewCosyVoiceBackend(apiKey, host string) *CosyVoiceBackend {
	if host == "" {
		host = "api.cosyvoice.example.com"
	}
	return &CosyVoiceBackend{apiKey: apiKey, host: host}
}

func (c *CosyVoiceBackend) Name() string { return "cloud_cosyvoice" }

func (c *CosyVoiceBackend) getConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	u := url.URL{Scheme: "wss", Host: c.host, Path: "/ws/tts", RawQuery: "api_key=" + c.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("cosyvoice: dial failed: %w", err)
	}

	c.conn = conn
	return conn, nil
}

// StreamTTS implements Backend.
func (c *CosyVoiceBackend) StreamTTS(ctx context.Context, text string, voice VoiceConfig, onChunk func(Chunk) error) error {
	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req := map[string]interface{}{
		"text":      text,
		"voice_id":  voice.VoiceID,
		"rate":      voice.Rate,
		"lang":      voice.Language,
		"has_ref":   len(voice.ReferenceAudio) > 0,
		"provider":  "cosyvoice",
	}

	if err := wsjson.Write(ctx, conn, req); err != nil {
		c.conn = nil
		conn.Close(websocket.StatusAbnormalClosure, "write failed")
		return fmt.Errorf("cosyvoice: send request failed: %w", err)
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			c.conn = nil
			conn.Close(websocket.StatusAbnormalClosure, "read failed")
			return fmt.Errorf("cosyvoice: read failed: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			if err := onChunk(Chunk{Bytes: payload, ContentType: "audio/pcm"}); err != nil {
				return err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				return fmt.Errorf("cosyvoice: provider error: %s", msg)
			}
		}
	}
}

// Close releases the persistent connection, if any.
func (c *CosyVoiceBackend) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close(websocket.StatusNormalClosure, "")
		c.conn = nil
		return err
	}
	return nil
}

// Abort forcibly tears down the in-flight connection so a blocked conn.Read
// in StreamTTS unblocks with an error, used to forward interruption (§4.6
// step 9) ahead of ctx cancellation reaching the next read deadline.
func (c *CosyVoiceBackend) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusGoingAway, "aborted")
	c.conn = nil
	return err
}
