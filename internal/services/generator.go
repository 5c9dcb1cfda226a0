package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultGeneratorTimeout = 60 * time.Second

// GenerateParams tunes a single generation call.
type GenerateParams struct {
	System      string
	Temperature float64
	MaxTokens   int
}

// TextGenerator turns a prompt into text. Implementations do not retry;
// retry policy belongs to the workflow.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, params GenerateParams) (string, error)
}

// GeneratorConfig captures the settings required to talk to an
// OpenAI-compatible chat completions endpoint.
type GeneratorConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// HTTPTextGenerator is a TextGenerator backed by a chat completions API.
type HTTPTextGenerator struct {
	cfg        GeneratorConfig
	httpClient *http.Client
}

// NewHTTPTextGenerator creates a new HTTPTextGenerator.
func NewHTTPTextGenerator(cfg GeneratorConfig, client *http.Client) *HTTPTextGenerator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGeneratorTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	return &HTTPTextGenerator{cfg: cfg, httpClient: client}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate issues one chat completion request. Transport failures, 408, 429,
// 5xx and empty completions are UpstreamUnavailable; any other failure is a
// non-retryable stage error.
func (g *HTTPTextGenerator) Generate(ctx context.Context, prompt string, params GenerateParams) (string, error) {
	const op = "generate"
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", &Error{Kind: KindStage, Op: op, Message: "prompt required"}
	}
	if g.cfg.APIKey == "" {
		return "", &Error{Kind: KindStage, Op: op, Message: "generator api key not configured"}
	}

	temperature := params.Temperature
	if temperature == 0 {
		temperature = g.cfg.Temperature
	}
	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.cfg.MaxTokens
	}
	payload := chatRequest{
		Model:       g.cfg.Model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if system := strings.TrimSpace(params.System); system != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: system})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: prompt})

	requestBody, err := json.Marshal(payload)
	if err != nil {
		return "", Internal(op, fmt.Errorf("marshal request body: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL, bytes.NewReader(requestBody))
	if err != nil {
		return "", &Error{Kind: KindStage, Op: op, Message: "invalid generator endpoint", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ctx.Err()
		}
		return "", UpstreamUnavailable(op, err, "text generator unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", UpstreamUnavailable(op, err, "read generator response")
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return "", UpstreamUnavailable(op, statusError(resp.StatusCode, body), "text generator unavailable (http %d)", resp.StatusCode)
	case resp.StatusCode >= http.StatusMultipleChoices:
		return "", &Error{
			Kind:    KindStage,
			Op:      op,
			Message: fmt.Sprintf("text generator rejected the request (http %d)", resp.StatusCode),
			Err:     statusError(resp.StatusCode, body),
		}
	}

	var completion chatResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", UpstreamUnavailable(op, err, "decode generator response")
	}
	if completion.Error != nil {
		return "", UpstreamUnavailable(op, errors.New(completion.Error.Message), "text generator error")
	}
	for _, choice := range completion.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
	}
	return "", UpstreamUnavailable(op, nil, "text generator returned no content")
}

func statusError(code int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	return fmt.Errorf("http %d: %s", code, snippet)
}
