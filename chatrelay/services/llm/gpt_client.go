package llm

import (
	"chatrelay/chatrelay/utils/apperrors"
	httputils "chatrelay/chatrelay/utils/http"
	"chatrelay/chatrelay/utils/logging"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// GPTClient talks to any OpenAI-compatible chat completions endpoint.
type GPTClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewGPTClient(apiKey, baseURL string, client *http.Client) *GPTClient {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return &GPTClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

func (c *GPTClient) Name() string { return "openai" }

type gptResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type gptStreamResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *GPTClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// Run executes a single GPT completion request (non-streaming)
func (c *GPTClient) Run(ctx context.Context, req ChatRequest) (string, error) {
	defer logging.LogDuration(ctx, "gpt_service_run")()

	req.Stream = false
	var parsed gptResponse
	if err := httputils.PostJSON(ctx, c.http, c.baseURL+"/chat/completions", c.headers(), req, &parsed); err != nil {
		return "", apperrors.Upstream(err, "GPT request failed")
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", apperrors.Upstream(nil, "no content in GPT response")
	}
	return parsed.Choices[0].Message.Content, nil
}

// RunStream handles streaming responses (OpenAI / Groq / compatible)
func (c *GPTClient) RunStream(ctx context.Context, req ChatRequest) (<-chan Delta, error) {
	defer logging.LogDuration(ctx, "gpt_service_run_stream")()

	req.Stream = true
	body, err := httputils.PostStream(ctx, c.http, c.baseURL+"/chat/completions", c.headers(), req)
	if err != nil {
		return nil, apperrors.Upstream(err, "GPT stream request failed")
	}

	return pumpSSE(ctx, c.Name(), body, func(ev sseEvent, emit func(string) bool) (bool, error) {
		data := strings.TrimSpace(ev.Data)
		if data == "[DONE]" {
			return true, nil
		}

		var chunk gptStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logging.ErrorLogger.Error("GPT stream JSON parse error",
				zap.Error(err), zap.String("raw_line", data))
			return false, nil
		}
		if chunk.Error != nil {
			return false, apperrors.Interrupted(nil, "GPT stream error event: "+chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" && !emit(choice.Delta.Content) {
				return false, nil
			}
		}
		return false, nil
	}), nil
}
