package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad": {"silero", "energy", "mock"},
	"stt": {"deepgram", "mock"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "mock"},
	"tts": {"elevenlabs", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation, warn for unknown provider names.
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; devices will not receive responses")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; device speech will not be transcribed")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; responses will be text only")
	}

	// Segmentation
	if t := cfg.Segmentation.SpeechThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("segmentation.speech_threshold %.2f is out of range [0, 1]", t))
	}
	if cfg.Segmentation.HangoverWindows < 0 {
		errs = append(errs, fmt.Errorf("segmentation.hangover_windows %d must not be negative", cfg.Segmentation.HangoverWindows))
	}

	// Bridge
	if cfg.Bridge.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("bridge.call_timeout %s must not be negative", cfg.Bridge.CallTimeout))
	}
	if cfg.Bridge.MaxTools < 0 {
		errs = append(errs, fmt.Errorf("bridge.max_tools %d must not be negative", cfg.Bridge.MaxTools))
	}

	// Conversation
	if cfg.Conversation.Temperature < 0 || cfg.Conversation.Temperature > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", cfg.Conversation.Temperature))
	}
	if cfg.Conversation.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_history %d must not be negative", cfg.Conversation.MaxHistory))
	}

	// Wakeword
	if cfg.Wakeword.Enabled && len(cfg.Wakeword.Words) == 0 {
		errs = append(errs, errors.New("wakeword.enabled requires at least one entry in wakeword.words"))
	}
	if s := cfg.Wakeword.MinSimilarity; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("wakeword.min_similarity %.2f is out of range [0, 1]", s))
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; devices and conversations are kept in memory only")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
