package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req ollamaGenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Stream {
			t.Error("expected stream=false")
		}
		if req.Model != "llama3.2" {
			t.Errorf("unexpected model: %s", req.Model)
		}
		if req.System != "You are a tax advisor." {
			t.Errorf("unexpected system prompt: %s", req.System)
		}
		// Temperature must be carried even when zero, so deterministic
		// scoring calls stay deterministic.
		if _, ok := req.Options["temperature"]; !ok {
			t.Error("options missing temperature")
		}
		if req.Options["num_predict"] != float64(256) {
			t.Errorf("unexpected num_predict: %v", req.Options["num_predict"])
		}
		json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "generated answer", Done: true})
	}))
	defer server.Close()

	c := NewOllamaClient(WithBaseURL(server.URL))

	got, err := c.Generate(context.Background(), "prompt", GenerateOptions{
		SystemPrompt: "You are a tax advisor.",
		Temperature:  0,
		MaxTokens:    256,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got != "generated answer" {
		t.Errorf("unexpected response: %q", got)
	}
}

func TestOllamaClient_ModelOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaGenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Model != "qwen2.5" {
			t.Errorf("expected per-call model override, got %s", req.Model)
		}
		json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "ok", Done: true})
	}))
	defer server.Close()

	c := NewOllamaClient(WithBaseURL(server.URL), WithModel("llama3.2"))
	if _, err := c.Generate(context.Background(), "prompt", GenerateOptions{Model: "qwen2.5"}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
}

func TestOllamaClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewOllamaClient(WithBaseURL(server.URL))
	if _, err := c.Generate(context.Background(), "prompt", GenerateOptions{}); err == nil {
		t.Error("expected an error for a non-200 response")
	}
}
