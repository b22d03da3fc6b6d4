package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClient records calls and returns a canned response.
type fakeClient struct {
	calls    int
	response string
	err      error
}

func (f *fakeClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestFloat32AndIntHelpers(t *testing.T) {
	f := Float32(0.1)
	if f == nil || *f != 0.1 {
		t.Errorf("Float32(0.1) = %v, want pointer to 0.1", f)
	}
	i := Int(42)
	if i == nil || *i != 42 {
		t.Errorf("Int(42) = %v, want pointer to 42", i)
	}
}

func TestBuildOptions_Defaults(t *testing.T) {
	options := buildOptions(GenerationParams{})

	if options["temperature"] != float32(0.2) {
		t.Errorf("temperature = %v, want 0.2", options["temperature"])
	}
	if options["top_k"] != 20 {
		t.Errorf("top_k = %v, want 20", options["top_k"])
	}
	if options["num_predict"] != 8192 {
		t.Errorf("num_predict = %v, want 8192", options["num_predict"])
	}
	if _, ok := options["stop"]; ok {
		t.Error("stop should be absent when no stop sequences given")
	}
}

func TestBuildOptions_Explicit(t *testing.T) {
	params := GenerationParams{
		Temperature: Float32(0.0),
		TopK:        Int(5),
		TopP:        Float32(0.5),
		MaxTokens:   Int(256),
		Stop:        []string{"</sql>"},
	}
	options := buildOptions(params)

	if options["temperature"] != float32(0.0) {
		t.Errorf("temperature = %v, want 0.0", options["temperature"])
	}
	if options["top_k"] != 5 {
		t.Errorf("top_k = %v, want 5", options["top_k"])
	}
	if options["top_p"] != float32(0.5) {
		t.Errorf("top_p = %v, want 0.5", options["top_p"])
	}
	if options["num_predict"] != 256 {
		t.Errorf("num_predict = %v, want 256", options["num_predict"])
	}
}

func TestNewRateLimited_DisabledPassthrough(t *testing.T) {
	inner := &fakeClient{response: "ok"}

	client := NewRateLimited(inner, 0, 1)
	if client != inner {
		t.Error("rps <= 0 should return the inner client unchanged")
	}

	client = NewRateLimited(inner, -1, 1)
	if client != inner {
		t.Error("negative rps should return the inner client unchanged")
	}
}

func TestRateLimitedClient_Delegates(t *testing.T) {
	inner := &fakeClient{response: "SELECT 1"}
	client := NewRateLimited(inner, 100, 1)

	got, err := client.Generate(context.Background(), "prompt", GenerationParams{})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if got != "SELECT 1" {
		t.Errorf("Generate() = %q, want %q", got, "SELECT 1")
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
}

func TestRateLimitedClient_PropagatesError(t *testing.T) {
	wantErr := errors.New("backend down")
	inner := &fakeClient{err: wantErr}
	client := NewRateLimited(inner, 100, 1)

	_, err := client.Generate(context.Background(), "prompt", GenerationParams{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Generate() error = %v, want %v", err, wantErr)
	}
}

func TestRateLimitedClient_CancelledWhileWaiting(t *testing.T) {
	inner := &fakeClient{response: "ok"}
	// 1 req/s with burst 1: the second call must wait ~1s
	client := NewRateLimited(inner, 1, 1)

	if _, err := client.Generate(context.Background(), "first", GenerationParams{}); err != nil {
		t.Fatalf("first Generate() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Generate(ctx, "second", GenerationParams{})
	if err == nil {
		t.Fatal("expected error when context expires while waiting")
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1 (second call must not reach backend)", inner.calls)
	}
}
