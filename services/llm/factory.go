package llm

import (
	"log/slog"
	"os"
	"strconv"
)

// NewFromEnv constructs the client selected by LLM_BACKEND_TYPE
// ("openai", "ollama", "claude"/"anthropic"). Each backend constructor
// reads its own credentials and model from the environment. When
// LLM_RPS is set to a positive value the client is wrapped with the
// token-bucket limiter (burst from LLM_BURST, minimum 1).
func NewFromEnv() (LLMClient, error) {
	backend := os.Getenv("LLM_BACKEND_TYPE")
	if backend == "" {
		backend = "ollama"
		slog.Warn("LLM_BACKEND_TYPE not set, defaulting to ollama")
	}

	var (
		client LLMClient
		err    error
	)
	switch backend {
	case "openai":
		slog.Info("Using OpenAI LLM backend")
		client, err = NewOpenAIClient()
	case "ollama":
		slog.Info("Using Ollama LLM backend")
		client, err = NewOllamaClient()
	case "claude", "anthropic":
		slog.Info("Using Anthropic Claude LLM backend")
		client, err = NewAnthropicClient()
	default:
		slog.Warn("Unknown LLM_BACKEND_TYPE, defaulting to Ollama", "type", backend)
		client, err = NewOllamaClient()
	}
	if err != nil {
		return nil, err
	}

	return NewRateLimited(client, envFloat("LLM_RPS", 0), envInt("LLM_BURST", 1)), nil
}

func envFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("Invalid numeric environment variable, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Invalid numeric environment variable, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return value
}
