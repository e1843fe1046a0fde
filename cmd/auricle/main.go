// Command auricle is the voice conversation server for Xiaozhi-style devices.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/auricle-ai/auricle/internal/config"
	"github.com/auricle-ai/auricle/internal/health"
	"github.com/auricle-ai/auricle/internal/observe"
	"github.com/auricle-ai/auricle/internal/orchestrator"
	"github.com/auricle-ai/auricle/internal/server"
	"github.com/auricle-ai/auricle/internal/session"
	"github.com/auricle-ai/auricle/internal/store"
	"github.com/auricle-ai/auricle/internal/store/memstore"
	"github.com/auricle-ai/auricle/internal/store/postgres"
	"github.com/auricle-ai/auricle/internal/wakeword"
	"github.com/auricle-ai/auricle/internal/worker"
	"github.com/auricle-ai/auricle/pkg/provider/llm"
	"github.com/auricle-ai/auricle/pkg/provider/llm/anyllm"
	oaillm "github.com/auricle-ai/auricle/pkg/provider/llm/openai"
	"github.com/auricle-ai/auricle/pkg/provider/stt"
	"github.com/auricle-ai/auricle/pkg/provider/stt/deepgram"
	"github.com/auricle-ai/auricle/pkg/provider/tts"
	"github.com/auricle-ai/auricle/pkg/provider/tts/elevenlabs"
	"github.com/auricle-ai/auricle/pkg/provider/vad"
	"github.com/auricle-ai/auricle/pkg/provider/vad/energy"
	"github.com/auricle-ai/auricle/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "auricle: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "auricle: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("auricle starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first, so everything built below records into it.
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "auricle"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	vadModel, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		slog.Error("failed to build VAD model", "err", err)
		return 1
	}
	defer vadModel.Close()
	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		slog.Error("failed to build STT provider", "err", err)
		return 1
	}
	llmProvider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build LLM provider", "err", err)
		return 1
	}
	ttsProvider, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		slog.Error("failed to build TTS provider", "err", err)
		return 1
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		return 1
	}
	defer st.Close()

	pool := worker.NewPool(cfg.Server.MaxSessions*2, logger)
	registry := session.NewRegistry(cfg.Server.MaxSessions)
	orch := orchestrator.New(llmProvider, ttsProvider, st, pool, orchestrator.Config{
		SystemPrompt: cfg.Conversation.SystemPrompt,
		MaxHistory:   cfg.Conversation.MaxHistory,
		Temperature:  cfg.Conversation.Temperature,
		MaxTokens:    cfg.Conversation.MaxTokens,
		Voice:        types.VoiceProfile{ID: cfg.Providers.TTS.Voice},
	}, logger, observe.DefaultMetrics())

	var wake *wakeword.Detector
	if cfg.Wakeword.Enabled {
		var opts []wakeword.Option
		if cfg.Wakeword.MinSimilarity > 0 {
			opts = append(opts, wakeword.WithMinSimilarity(cfg.Wakeword.MinSimilarity))
		}
		wake = wakeword.New(cfg.Wakeword.Words, opts...)
	}

	srv := server.New(server.Config{
		AuthToken:       cfg.Server.AuthToken,
		Language:        optString(cfg.Providers.STT.Options, "language"),
		Voice:           types.VoiceProfile{ID: cfg.Providers.TTS.Voice},
		SpeechThreshold: cfg.Segmentation.SpeechThreshold,
		HangoverWindows: cfg.Segmentation.HangoverWindows,
		CallTimeout:     cfg.Bridge.CallTimeout,
		MaxTools:        cfg.Bridge.MaxTools,
		VisionURL:       cfg.Bridge.VisionURL,
	}, server.Deps{
		Registry:     registry,
		Store:        st,
		Pool:         pool,
		Orchestrator: orch,
		VAD:          vadModel,
		STT:          sttProvider,
		TTS:          ttsProvider,
		Wakeword:     wake,
		Log:          logger,
		Metrics:      observe.DefaultMetrics(),
	})

	mux := http.NewServeMux()
	srv.Routes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "store", Check: storeCheck(st)},
	).Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg.Server.TLS != nil {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// Let in-flight turns and persistence writes finish.
	dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pool.Wait(dctx); err != nil {
		slog.Warn("worker pool did not drain", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// newLogger builds the process logger from the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openStore selects PostgreSQL when a DSN is configured and the in-memory
// store otherwise.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.PostgresDSN == "" {
		slog.Info("using in-memory store; conversations are lost on restart")
		return memstore.New(), nil
	}
	st, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	slog.Info("connected to postgres store")
	return st, nil
}

// storeCheck probes the store with a lookup that is expected to miss.
func storeCheck(st store.Store) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := st.Device(ctx, "readiness-probe")
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
}

// registerBuiltinProviders wires the provider factories that ship with
// Auricle into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// VAD. The energy model is dependency free; a Silero-backed model is
	// constructed by embedders that supply a native inference runner.
	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Model, error) {
		var opts []energy.Option
		if ref := optFloat(entry.Options, "reference_level"); ref > 0 {
			opts = append(opts, energy.WithReference(ref))
		}
		return energy.New(opts...), nil
	})
	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Model, error) {
		return nil, errors.New("silero needs a native inference runner injected by the embedding application; use \"energy\" for a standalone server")
	})

	// STT.
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// LLM. OpenAI uses the native SDK; the other backends go through any-llm.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})
	for _, name := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"} {
		providerName := name
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}
	// ollama is a local server; it takes a base URL instead of an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	})

	// TTS.
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
}

func optString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
