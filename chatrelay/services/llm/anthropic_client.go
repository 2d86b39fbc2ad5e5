package llm

import (
	"chatrelay/chatrelay/utils/apperrors"
	httputils "chatrelay/chatrelay/utils/http"
	"chatrelay/chatrelay/utils/logging"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

type AnthropicClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewAnthropicClient(apiKey, baseURL string, client *http.Client) *AnthropicClient {
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// payload moves system turns into the top-level system field; the Messages
// API only accepts user and assistant in the list.
func (c *AnthropicClient) payload(req ChatRequest, stream bool) anthropicRequest {
	out := anthropicRequest{Model: req.Model, MaxTokens: req.MaxTokens, Stream: stream}
	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "user":
			out.Messages = append(out.Messages, m)
		default:
			out.Messages = append(out.Messages, Message{Role: "assistant", Content: m.Content})
		}
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

func (c *AnthropicClient) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

// Run executes a single Messages API call (non-streaming)
func (c *AnthropicClient) Run(ctx context.Context, req ChatRequest) (string, error) {
	defer logging.LogDuration(ctx, "anthropic_service_run")()

	var resp anthropicResponse
	if err := httputils.PostJSON(ctx, c.http, c.baseURL+"/messages", c.headers(), c.payload(req, false), &resp); err != nil {
		return "", apperrors.Upstream(err, "anthropic request failed")
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", apperrors.Upstream(nil, "anthropic response carried no text")
	}
	return sb.String(), nil
}

// RunStream reads Messages API server-sent events until message_stop.
func (c *AnthropicClient) RunStream(ctx context.Context, req ChatRequest) (<-chan Delta, error) {
	defer logging.LogDuration(ctx, "anthropic_service_run_stream")()

	body, err := httputils.PostStream(ctx, c.http, c.baseURL+"/messages", c.headers(), c.payload(req, true))
	if err != nil {
		return nil, apperrors.Upstream(err, "anthropic stream request failed")
	}

	return pumpSSE(ctx, c.Name(), body, func(ev sseEvent, emit func(string) bool) (bool, error) {
		var e anthropicStreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
			logging.ErrorLogger.Error("anthropic stream JSON parse error",
				zap.Error(err), zap.String("raw_line", ev.Data))
			return false, nil
		}
		switch e.Type {
		case "content_block_delta":
			if e.Delta.Type == "text_delta" && e.Delta.Text != "" {
				emit(e.Delta.Text)
			}
		case "message_stop":
			return true, nil
		case "error":
			return false, apperrors.Interrupted(errors.Errorf("%s: %s", e.Error.Type, e.Error.Message), "anthropic stream error event")
		}
		return false, nil
	}), nil
}
