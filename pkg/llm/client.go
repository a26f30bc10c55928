// Package llm is the Arena's streaming completion client. The teacher talks
// to its LLM service over a generated gRPC stub; that stub is codegen output
// this exercise cannot reproduce by hand, so the same streaming shape is
// carried over plain HTTP with a chunked/SSE response body instead (see
// DESIGN.md).
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Role mirrors the teacher's session.Role enum.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a completion request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Client talks to the configured LLM endpoint over HTTP, streaming the
// response as Server-Sent Events.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	temperature *float32
	maxTokens   *int32
}

// Config configures a Client, loaded the same
// getEnvOrDefault-plus-strconv way pkg/database/config.go loads its own.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature *float32
	MaxTokens   *int32
	Timeout     time.Duration
}

// ConfigFromEnv mirrors the teacher's client constructor reading
// GEMINI_MODEL/GEMINI_TEMPERATURE/GEMINI_MAX_TOKENS from the environment.
func ConfigFromEnv() Config {
	cfg := Config{
		BaseURL: getEnvOrDefault("LLM_BASE_URL", "http://localhost:8081"),
		APIKey:  os.Getenv("LLM_API_KEY"),
		Model:   getEnvOrDefault("LLM_MODEL", "gemini-2.0-flash-thinking-exp-01-21"),
		Timeout: 60 * time.Second,
	}
	if tempStr := os.Getenv("LLM_TEMPERATURE"); tempStr != "" {
		if temp, err := strconv.ParseFloat(tempStr, 32); err == nil {
			temp32 := float32(temp)
			cfg.Temperature = &temp32
		}
	}
	if maxStr := os.Getenv("LLM_MAX_TOKENS"); maxStr != "" {
		if max, err := strconv.ParseInt(maxStr, 10, 32); err == nil {
			max32 := int32(max)
			cfg.MaxTokens = &max32
		}
	}
	return cfg
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// NewClient builds a Client against the configured endpoint.
func NewClient(cfg Config) *Client {
	slog.Info("llm client configured", "model", cfg.Model, "base_url", cfg.BaseURL)
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// StreamChunk is one piece of a streamed completion, distinguishing the
// model's "thinking" trace from its final response the way the teacher's
// pb.ThinkingChunk oneof did.
type StreamChunk struct {
	Content    string
	IsThinking bool
	IsComplete bool
	IsFinal    bool
	Error      string
}

type completionRequest struct {
	SessionID   string    `json:"session_id"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   *int32    `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// sseChunk is the wire shape of one `data: <json>` frame the completion
// endpoint emits, analogous to the teacher's ThinkingChunk oneof collapsed
// onto a single discriminated struct.
type sseChunk struct {
	Type       string `json:"type"` // "thinking" | "response" | "error"
	Content    string `json:"content"`
	IsComplete bool   `json:"is_complete"`
	IsFinal    bool   `json:"is_final"`
	Message    string `json:"message"`
}

// GenerateStream issues a streaming completion request and returns a channel
// of chunks plus a channel of terminal errors, mirroring the teacher's
// dual-channel GenerateStream shape so DiscussionOrchestrator's call sites
// translate unchanged.
func (c *Client) GenerateStream(ctx context.Context, sessionID string, messages []Message) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(completionRequest{
			SessionID:   sessionID,
			Model:       c.model,
			Messages:    messages,
			Temperature: c.temperature,
			MaxTokens:   c.maxTokens,
			Stream:      true,
		})
		if err != nil {
			errs <- fmt.Errorf("marshalling completion request: %w", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/completions", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("building completion request: %w", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			errs <- fmt.Errorf("calling llm endpoint: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- fmt.Errorf("llm endpoint returned status %d", resp.StatusCode)
			return
		}

		slog.Debug("llm stream started", "session_id", sessionID)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			var chunk sseChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				errs <- fmt.Errorf("decoding stream chunk: %w", err)
				return
			}

			out := StreamChunk{
				Content:    chunk.Content,
				IsThinking: chunk.Type == "thinking",
				IsComplete: chunk.IsComplete,
				IsFinal:    chunk.IsFinal,
			}
			if chunk.Type == "error" {
				out = StreamChunk{Error: chunk.Message}
			}

			select {
			case chunks <- out:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}

			if chunk.Type == "response" && chunk.IsFinal {
				slog.Debug("llm stream complete", "session_id", sessionID)
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("reading llm stream: %w", err)
		}
	}()

	return chunks, errs
}
