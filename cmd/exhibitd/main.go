// Command exhibitd is the exhibit guide's HTTP server entrypoint: it wires
// every component (C1-C9) in construction order and serves the HTTP/SSE
// surface until a shutdown signal arrives.
//
// Flag/env/provider-selection handling follows a standard CLI bootstrap
// shape: godotenv.Load(), provider-name env vars switched onto concrete
// backend constructors, a fatal error on a missing required key. Each of
// ASR/RAG/TTS gets its own independent dispatcher registration, any of
// which may register more than one backend when a fallback provider is
// configured.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lokutor-ai/exhibit-guide/internal/asr"
	"github.com/lokutor-ai/exhibit-guide/internal/cancel"
	"github.com/lokutor-ai/exhibit-guide/internal/config"
	"github.com/lokutor-ai/exhibit-guide/internal/eventstore"
	"github.com/lokutor-ai/exhibit-guide/internal/httpapi"
	"github.com/lokutor-ai/exhibit-guide/internal/logging"
	"github.com/lokutor-ai/exhibit-guide/internal/model"
	"github.com/lokutor-ai/exhibit-guide/internal/orchestrator"
	"github.com/lokutor-ai/exhibit-guide/internal/prefetch"
	"github.com/lokutor-ai/exhibit-guide/internal/rag"
	"github.com/lokutor-ai/exhibit-guide/internal/registry"
	"github.com/lokutor-ai/exhibit-guide/internal/telemetry"
	"github.com/lokutor-ai/exhibit-guide/internal/tour"
	"github.com/lokutor-ai/exhibit-guide/internal/tts"
)

// Exit codes per §6.
const (
	exitOK               = 0
	exitBadConfig        = 2
	exitBindFailure      = 3
	exitCollaboratorDown = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using system environment variables")
	}

	logger := logging.NewStdLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return exitBadConfig
	}

	metrics := telemetry.NewMetrics(cfg.MetricsNamespace)
	tp, err := telemetry.NewTracerProvider(context.Background(), "exhibit-guide", nil)
	if err != nil {
		logger.Error("failed to build tracer provider", "error", err)
		return exitBadConfig
	}
	tracer := telemetry.Tracer(tp)

	events := eventstore.New(cfg.EventRetentionPerRequest)
	if cfg.EventStoreDSN != "" {
		ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
		exporter, exportErr := eventstore.NewPGExporter(ctx, cfg.EventStoreDSN)
		cancelCtx()
		if exportErr != nil {
			if failFast() {
				logger.Error("event store export backend unreachable", "error", exportErr)
				return exitCollaboratorDown
			}
			logger.Warn("event store export backend unreachable, continuing without durable export", "error", exportErr)
		} else {
			events.SetExporter(func(e eventstore.Event) {
				exportCtx, cancelExport := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelExport()
				if exportErr := exporter.Export(exportCtx, e); exportErr != nil {
					logger.Warn("event export failed", "error", exportErr)
				}
			})
		}
	}

	fabric := cancel.New(context.Background())
	reg := registry.New(cfg)

	asrDispatcher, err := buildASRDispatcher()
	if err != nil {
		logger.Error("failed to configure ASR provider", "error", err)
		return exitBadConfig
	}

	ragDispatcher, err := buildRAGDispatcher()
	if err != nil {
		logger.Error("failed to configure RAG provider", "error", err)
		return exitBadConfig
	}

	ttsDispatcher, err := buildTTSDispatcher(cfg, logger)
	if err != nil {
		logger.Error("failed to configure TTS provider", "error", err)
		return exitBadConfig
	}
	ttsDispatcher.OnEvent(func(name string, fields map[string]interface{}) {
		if name == "tts_fallback" {
			metrics.TTSFallbacks.Inc()
		}
		if name == "tts_provider_error" {
			provider, _ := fields["provider"].(string)
			metrics.ObserveProviderError("tts", provider)
		}
	})

	orch := orchestrator.New(cfg, logger, fabric, reg, events, asrDispatcher, ragDispatcher, ttsDispatcher).
		WithMetrics(metrics).
		WithTracer(tracer)

	askRunner := func(ctx context.Context, clientID string, opts model.AskOptions, textSink model.TextSink, audioSink model.AudioSink) (string, error) {
		return orch.Ask(ctx, clientID, opts, nil, textSink, audioSink)
	}

	prefetchPipeline := prefetch.New(cfg.PrefetchWindow, askRunner, logger)

	tourMachine := tour.New(tour.Config{PrefetchWindow: cfg.PrefetchWindow, DefaultResumeMode: model.ResumeMode(cfg.DefaultResumeMode)}, events, func(intent tour.Intent) {
		switch intent.Kind {
		case tour.IntentStartNarration:
			go func() {
				_, askErr := askRunner(context.Background(), intent.ClientID, model.AskOptions{
					Question: "narrate:" + intent.Stop,
					Kind:     model.KindAskPrefetch,
				}, func(context.Context, int, string) error { return nil }, func(context.Context, model.AudioSegment) error { return nil })
				if askErr != nil {
					logger.Warn("tour narration failed", "client_id", intent.ClientID, "stop", intent.Stop, "error", askErr)
				}
			}()
			prefetchPipeline.OnEpochChange(intent.ClientID, intent.Epoch)
		case tour.IntentCancelNarration:
			fabric.CancelClient(intent.ClientID, string(model.KindAskPrefetch))
			prefetchPipeline.OnEpochChange(intent.ClientID, intent.Epoch)
		}
	})

	server := httpapi.New(cfg, logger, orch, asrDispatcher, fabric, reg, events, tourMachine)

	mux := http.NewServeMux()
	mux.Handle("/", server.Router())
	mux.Handle("/metrics", telemetry.Handler())

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: mux,
	}

	listener, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		logger.Error("failed to bind", "addr", cfg.BindAddr, "error", err)
		return exitBindFailure
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()
	logger.Info("exhibit guide listening", "addr", cfg.BindAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited unexpectedly", "error", err)
			return exitBindFailure
		}
	case <-sig:
		logger.Info("shutting down")
		ctx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelShutdown()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
		_ = tp.Shutdown(ctx)
	}

	return exitOK
}

func failFast() bool {
	return os.Getenv("EXHIBIT_FAIL_FAST") == "true"
}

func buildASRDispatcher() (*asr.Dispatcher, error) {
	backends := make(map[asr.Provider]asr.Backend)

	if key := os.Getenv("DEEPGRAM_API_KEY"); key != "" {
		backends[asr.ProviderDeepgram] = asr.NewDeepgramBackend(key, 16000)
	}
	if key := os.Getenv("GROQ_API_KEY"); key != "" {
		model := os.Getenv("GROQ_STT_MODEL")
		backends[asr.ProviderGroqWhisper] = asr.NewGroqWhisperBackend(key, model, 16000)
	}
	if key := os.Getenv("ASSEMBLYAI_API_KEY"); key != "" {
		backends[asr.ProviderAssemblyAI] = asr.NewAssemblyBackend(key)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		model := os.Getenv("OPENAI_STT_MODEL")
		backends[asr.ProviderOpenAIWhisper] = asr.NewOpenAIWhisperBackend(key, model, 16000)
	}

	primary := asr.Provider(os.Getenv("EXHIBIT_ASR_PROVIDER"))
	if primary == "" {
		primary = asr.ProviderGroqWhisper
	}
	if _, ok := backends[primary]; !ok {
		return nil, fmt.Errorf("no credentials configured for ASR provider %q", primary)
	}
	return asr.New(backends, primary), nil
}

func buildRAGDispatcher() (*rag.Dispatcher, error) {
	backends := make(map[rag.Provider]rag.Backend)
	system := os.Getenv("EXHIBIT_RAG_SYSTEM_PROMPT")

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		model := os.Getenv("ANTHROPIC_MODEL")
		if model == "" {
			model = "claude-3-5-sonnet-20241022"
		}
		backends[rag.ProviderAnthropic] = rag.NewAnthropicBackend(key, model, system)
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		backends[rag.ProviderGoogle] = rag.NewGoogleBackend(key, os.Getenv("GOOGLE_MODEL"), system)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		backends[rag.ProviderOpenAI] = rag.NewOpenAIBackend(key, os.Getenv("OPENAI_MODEL"), system)
	}

	primary := rag.Provider(os.Getenv("EXHIBIT_RAG_PROVIDER"))
	if primary == "" {
		primary = rag.ProviderAnthropic
	}
	if _, ok := backends[primary]; !ok {
		return nil, fmt.Errorf("no credentials configured for RAG provider %q", primary)
	}

	return rag.New(backends, primary), nil
}

func buildTTSDispatcher(cfg config.Config, logger logging.Logger) (*tts.Dispatcher, error) {
	backends := make(map[tts.Provider]tts.Backend)

	if key := os.Getenv("LOKUTOR_API_KEY"); key != "" {
		backends[tts.ProviderCloudCosy] = tts.NewCosyVoiceBackend(key, os.Getenv("EXHIBIT_COSYVOICE_HOST"))
	}
	if endpoint := os.Getenv("EXHIBIT_GPT_SOVITS_V1_URL"); endpoint != "" {
		backends[tts.ProviderGPTSoVITSv1] = tts.NewGPTSoVITSv1Backend(endpoint, os.Getenv("EXHIBIT_GPT_SOVITS_API_KEY"))
	}
	if endpoint := os.Getenv("EXHIBIT_GPT_SOVITS_V2_URL"); endpoint != "" {
		backends[tts.ProviderGPTSoVITSv2] = tts.NewGPTSoVITSv2Backend(endpoint, os.Getenv("EXHIBIT_GPT_SOVITS_API_KEY"))
	}
	if endpoint := os.Getenv("EXHIBIT_EDGE_TTS_URL"); endpoint != "" {
		backends[tts.ProviderEdge] = tts.NewEdgeBackend(endpoint, os.Getenv("EXHIBIT_EDGE_TTS_API_KEY"))
	}
	if endpoint := os.Getenv("EXHIBIT_SAPI_URL"); endpoint != "" {
		backends[tts.ProviderSAPI] = tts.NewSAPIBackend(endpoint, "")
	}

	primary := tts.Provider(cfg.TTSProvider)
	if _, ok := backends[primary]; !ok {
		return nil, fmt.Errorf("no credentials/endpoint configured for TTS provider %q", primary)
	}
	fallback := tts.Provider(cfg.TTSFallback)
	if fallback != "" {
		if _, ok := backends[fallback]; !ok {
			logger.Warn("tts fallback provider configured but not reachable, ignoring", "fallback", fallback)
			fallback = ""
		}
	}

	return tts.New(backends, primary, fallback, logger), nil
}
