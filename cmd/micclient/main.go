// micclient is a reference kiosk client: it captures microphone audio with
// malgo, runs local voice activity detection to find utterance and
// barge-in boundaries, and drives exhibitd's HTTP/SSE surface (C9) over the
// network the same way an exhibit's embedded speaker/mic hardware would.
//
// Capture and playback run on a single duplex audio device; everything
// downstream of "an utterance finished" goes over HTTP rather than calling
// an in-process orchestrator, since the client and server are separate
// processes that may run on separate machines.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	"github.com/lokutor-ai/exhibit-guide/internal/vad"
)

const (
	sampleRate = 16000
	channels   = 1
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using system environment variables")
	}

	serverURL := envOrDefault("EXHIBIT_SERVER_URL", "http://localhost:8080")
	clientID := envOrDefault("EXHIBIT_CLIENT_ID", "kiosk-1")
	language := envOrDefault("EXHIBIT_CLIENT_LANGUAGE", "zh")

	c := &client{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    serverURL,
		clientID:   clientID,
		language:   language,
	}

	detector := vad.New(0.02, 500*time.Millisecond, 7)

	var utteranceMu sync.Mutex
	var utterance []byte

	var playbackMu sync.Mutex
	var playbackBytes []byte

	var playingMu sync.Mutex
	var lastPlayedAt time.Time

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			playingMu.Lock()
			activelyPlaying := time.Since(lastPlayedAt) < 200*time.Millisecond
			playingMu.Unlock()

			threshold := 0.02
			if activelyPlaying {
				threshold = 0.15 // raised while narration plays back, to resist self-echo
			}
			detector.SetThreshold(threshold)

			ev := detector.Process(pInput)
			switch ev.Type {
			case vad.EventSpeechStart:
				fmt.Print("\r\033[K[mic] speech started\n")
				utteranceMu.Lock()
				utterance = utterance[:0]
				utteranceMu.Unlock()
				if activelyPlaying {
					go c.cancelActive()
					playbackMu.Lock()
					playbackBytes = nil
					playbackMu.Unlock()
				}
			case vad.EventSpeechEnd:
				fmt.Print("\r\033[K[mic] speech ended, submitting\n")
				utteranceMu.Lock()
				clip := append([]byte(nil), utterance...)
				utterance = utterance[:0]
				utteranceMu.Unlock()
				go c.handleUtterance(clip, &playbackMu, &playbackBytes, &playingMu, &lastPlayedAt)
			}

			if detector.IsSpeaking() {
				utteranceMu.Lock()
				utterance = append(utterance, pInput...)
				utteranceMu.Unlock()
			}
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			if n > 0 {
				playingMu.Lock()
				lastPlayedAt = time.Now()
				playingMu.Unlock()
			}
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
			playbackMu.Unlock()
		}
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = channels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = channels
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("micclient started: server=%s client_id=%s language=%s\n", serverURL, clientID, language)
	fmt.Println("listening on the default microphone, Ctrl+C to exit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nshutting down")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// client wraps the HTTP calls micclient makes against exhibitd's surface.
type client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	language   string
}

// handleUtterance runs the full turn: transcribe the captured clip via
// /speech_to_text, ask the question via /ask, and, once the /ask stream has
// ended, fetch each audio segment it announced into the playback buffer.
func (c *client) handleUtterance(pcm []byte, playbackMu *sync.Mutex, playbackBytes *[]byte, playingMu *sync.Mutex, lastPlayedAt *time.Time) {
	if len(pcm) < 2*sampleRate/5 { // discard clips shorter than ~200ms, almost certainly noise
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	text, err := c.transcribe(ctx, pcm)
	if err != nil {
		fmt.Printf("\r\033[K[speech_to_text] error: %v\n", err)
		return
	}
	if text == "" {
		return
	}
	fmt.Printf("\r\033[K[transcript] %s\n", text)

	requestID, audioSeqs, err := c.ask(ctx, text)
	if err != nil {
		fmt.Printf("\r\033[K[ask] error: %v\n", err)
		return
	}

	for _, seq := range audioSeqs {
		chunk, err := c.fetchAudio(ctx, requestID, seq)
		if err != nil {
			fmt.Printf("\r\033[K[tts_stream] error fetching seq %d: %v\n", seq, err)
			continue
		}
		playbackMu.Lock()
		*playbackBytes = append(*playbackBytes, chunk...)
		playbackMu.Unlock()
	}
}

func (c *client) transcribe(ctx context.Context, pcm []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("language", c.language); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("audio", "utterance.raw")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(pcm); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/speech_to_text", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Client-ID", c.clientID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("speech_to_text: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Text, nil
}

// ask streams the /ask SSE response and returns the request id plus the
// sequence numbers of every audio segment signalled ready.
func (c *client) ask(ctx context.Context, question string) (string, []int, error) {
	payload, err := json.Marshal(map[string]string{"question": question})
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ask", bytes.NewReader(payload))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", c.clientID)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", nil, fmt.Errorf("ask: status %d: %s", resp.StatusCode, string(respBody))
	}

	var requestID string
	var audioSeqs []int
	scanner := newSSEScanner(resp.Body)
	for scanner.next() {
		event, data := scanner.frame()
		switch event {
		case "text":
			var frame struct {
				Delta string `json:"delta"`
			}
			if json.Unmarshal([]byte(data), &frame) == nil {
				fmt.Print(frame.Delta)
			}
		case "audio_ready":
			var frame struct {
				Seq int `json:"seq"`
			}
			if json.Unmarshal([]byte(data), &frame) == nil {
				audioSeqs = append(audioSeqs, frame.Seq)
			}
		case "done":
			var frame struct {
				RequestID string `json:"request_id"`
			}
			if json.Unmarshal([]byte(data), &frame) == nil {
				requestID = frame.RequestID
			}
		case "error":
			var frame struct {
				Message string `json:"message"`
			}
			json.Unmarshal([]byte(data), &frame)
			return "", nil, fmt.Errorf("ask: server error: %s", frame.Message)
		}
	}
	fmt.Println()
	return requestID, audioSeqs, scanner.err()
}

func (c *client) fetchAudio(ctx context.Context, requestID string, seq int) ([]byte, error) {
	url := c.baseURL + "/tts_stream?request_id=" + requestID + "&seq=" + strconv.Itoa(seq)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tts_stream: status %d: %s", resp.StatusCode, string(respBody))
	}
	return io.ReadAll(resp.Body)
}

// cancelActive cancels every in-flight request for this client, used on
// barge-in detection while narration is playing.
func (c *client) cancelActive() {
	payload, _ := json.Marshal(map[string]string{"client_id": c.clientID})
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/cancel", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
