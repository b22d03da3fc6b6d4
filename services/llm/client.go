package llm

import "context"

// Message is a single chat message exchanged with a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams carries per-call sampling settings. Nil fields mean
// "use the backend default". The query pipeline sets Temperature
// explicitly on every call: 0.0 for classification, 0.1 for SQL
// synthesis, 0.7 for answer generation.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Float32 returns a pointer to v, for filling GenerationParams fields.
func Float32(v float32) *float32 { return &v }

// Int returns a pointer to v, for filling GenerationParams fields.
func Int(v int) *int { return &v }
