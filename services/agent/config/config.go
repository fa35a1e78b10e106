// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads agent configuration from the environment and builds
// the model backend clients in failover order.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/quartermaster/services/llm"
)

// Provider constants for supported model backends.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// ValidProviders is the set of recognized provider names.
var ValidProviders = []string{ProviderAnthropic, ProviderOpenAI, ProviderOllama}

// AgentConfig is the full runtime configuration.
//
// Description:
//
//	Every field has a default; the environment overrides. Durations parse
//	with time.ParseDuration ("30s", "2h").
type AgentConfig struct {
	// ListenAddr is the HTTP bind address. Env: QM_LISTEN_ADDR.
	ListenAddr string

	// DataDir is where the embedded database lives. Env: QM_DATA_DIR.
	// Empty disables persistence.
	DataDir string

	// Backends lists provider names in failover order. Env: QM_BACKENDS
	// (comma separated). Providers lacking credentials are skipped at
	// client-build time with a warning.
	Backends []string

	// Model overrides the per-provider default model. Env: QM_MODEL.
	Model string

	// GlobalConcurrency and PerUserConcurrency are the admission ceilings.
	// Env: QM_GLOBAL_CONCURRENCY, QM_PER_USER_CONCURRENCY.
	GlobalConcurrency  int
	PerUserConcurrency int

	// FuzzyThreshold is the minimum path-match score (0-100).
	// Env: QM_FUZZY_THRESHOLD.
	FuzzyThreshold int

	// CommandTimeout bounds one shell command. Env: QM_COMMAND_TIMEOUT.
	CommandTimeout time.Duration

	// ClassifyTimeout bounds the model classification tier.
	// Env: QM_CLASSIFY_TIMEOUT.
	ClassifyTimeout time.Duration

	// TurnDeadline bounds one whole turn end to end, including provider
	// calls and tool execution. Env: QM_TURN_DEADLINE.
	TurnDeadline time.Duration

	// IntentCacheTTL and IntentCacheMax bound the classification cache.
	// Env: QM_INTENT_CACHE_TTL, QM_INTENT_CACHE_MAX.
	IntentCacheTTL time.Duration
	IntentCacheMax int

	// SessionIdleTimeout evicts idle in-memory sessions.
	// Env: QM_SESSION_IDLE_TIMEOUT.
	SessionIdleTimeout time.Duration

	// BreakerThreshold and BreakerCooldown tune the per-backend breaker.
	// Env: QM_BREAKER_THRESHOLD, QM_BREAKER_COOLDOWN.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// MaxTries caps retry attempts per backend. Env: QM_MAX_TRIES.
	MaxTries int

	// RulesDir optionally holds intent_rules.yaml and override_rules.yaml
	// overriding the embedded defaults, hot-reloaded when changed.
	// Env: QM_RULES_DIR.
	RulesDir string
}

// Load reads configuration from the environment.
func Load() (*AgentConfig, error) {
	cfg := &AgentConfig{
		ListenAddr:         envStr("QM_LISTEN_ADDR", ":8990"),
		DataDir:            envStr("QM_DATA_DIR", "./data"),
		Model:              os.Getenv("QM_MODEL"),
		GlobalConcurrency:  envInt("QM_GLOBAL_CONCURRENCY", 32),
		PerUserConcurrency: envInt("QM_PER_USER_CONCURRENCY", 4),
		FuzzyThreshold:     envInt("QM_FUZZY_THRESHOLD", 60),
		CommandTimeout:     envDuration("QM_COMMAND_TIMEOUT", 30*time.Second),
		ClassifyTimeout:    envDuration("QM_CLASSIFY_TIMEOUT", 2*time.Second),
		TurnDeadline:       envDuration("QM_TURN_DEADLINE", 2*time.Minute),
		IntentCacheTTL:     envDuration("QM_INTENT_CACHE_TTL", time.Hour),
		IntentCacheMax:     envInt("QM_INTENT_CACHE_MAX", 4096),
		SessionIdleTimeout: envDuration("QM_SESSION_IDLE_TIMEOUT", 2*time.Hour),
		BreakerThreshold:   envInt("QM_BREAKER_THRESHOLD", 5),
		BreakerCooldown:    envDuration("QM_BREAKER_COOLDOWN", 30*time.Second),
		MaxTries:           envInt("QM_MAX_TRIES", 3),
		RulesDir:           os.Getenv("QM_RULES_DIR"),
	}

	raw := envStr("QM_BACKENDS", ProviderOllama)
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		if !isValidProvider(name) {
			return nil, fmt.Errorf("QM_BACKENDS: unknown provider %q (valid: %v)", name, ValidProviders)
		}
		cfg.Backends = append(cfg.Backends, name)
	}
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("QM_BACKENDS resolved to no providers")
	}
	if cfg.FuzzyThreshold < 1 || cfg.FuzzyThreshold > 100 {
		return nil, fmt.Errorf("QM_FUZZY_THRESHOLD %d out of [1,100]", cfg.FuzzyThreshold)
	}
	return cfg, nil
}

// InferProvider maps a model name prefix to a provider name, or empty when
// unknown.
func InferProvider(model string) string {
	if strings.HasPrefix(model, "claude-") {
		return ProviderAnthropic
	}
	if strings.HasPrefix(model, "gpt-") {
		return ProviderOpenAI
	}
	return ""
}

// BuildClients constructs one client per configured backend, preserving
// failover order.
//
// Description:
//
//	Cloud providers without an API key in the environment are skipped with
//	a warning rather than failing startup, so a laptop with only Ollama
//	still comes up. Returns an error only when no backend could be built.
func BuildClients(cfg *AgentConfig, logger *slog.Logger) ([]llm.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// A QM_MODEL override applies only to the provider it belongs to; other
	// backends keep their own defaults.
	modelFor := func(provider string) string {
		if cfg.Model == "" {
			return ""
		}
		if inferred := InferProvider(cfg.Model); inferred != "" && inferred != provider {
			return ""
		}
		return cfg.Model
	}

	var clients []llm.Client
	for _, name := range cfg.Backends {
		var (
			c   llm.Client
			err error
		)
		switch name {
		case ProviderAnthropic:
			key := os.Getenv("ANTHROPIC_API_KEY")
			if key == "" {
				logger.Warn("skipping backend, no API key", slog.String("backend", name))
				continue
			}
			c, err = llm.NewAnthropicClient(key, modelFor(name), "")
		case ProviderOpenAI:
			key := os.Getenv("OPENAI_API_KEY")
			if key == "" {
				logger.Warn("skipping backend, no API key", slog.String("backend", name))
				continue
			}
			c, err = llm.NewOpenAIClient(key, modelFor(name), "")
		case ProviderOllama:
			c, err = llm.NewOllamaClient(modelFor(name), ResolveOllamaURL())
		}
		if err != nil {
			return nil, fmt.Errorf("building %s client: %w", name, err)
		}
		clients = append(clients, c)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no usable model backends (of %v)", cfg.Backends)
	}
	return clients, nil
}

// ResolveOllamaURL resolves the Ollama server URL: OLLAMA_BASE_URL, then
// the local default.
func ResolveOllamaURL() string {
	if url := os.Getenv("OLLAMA_BASE_URL"); url != "" {
		return url
	}
	return "http://localhost:11434"
}

func isValidProvider(name string) bool {
	for _, p := range ValidProviders {
		if name == p {
			return true
		}
	}
	return false
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-integer environment value",
			slog.String("key", key), slog.String("value", v))
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring unparseable duration environment value",
			slog.String("key", key), slog.String("value", v))
		return fallback
	}
	return d
}
