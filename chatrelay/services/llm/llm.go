// Package llm is the Generation Client: it fronts an upstream
// text-generation provider with a single-shot call and a token stream.
package llm

import (
	"chatrelay/chatrelay/config"
	"chatrelay/chatrelay/types"
	"chatrelay/chatrelay/utils/apperrors"
	"chatrelay/chatrelay/utils/logging"
	"chatrelay/chatrelay/utils/sanitize"
	"context"
	stderrors "errors"
	"unicode/utf8"

	"go.uber.org/zap"
)

type ChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	Stream    bool      `json:"stream"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Delta is one stream fragment. A Delta with Err set is always the last one
// sent before the channel closes; a close without one means the provider
// signalled completion.
type Delta struct {
	Text string
	Err  error
}

// Provider is one upstream backend. Errors it returns are already wrapped
// as apperrors.ErrUpstream or apperrors.ErrStreamInterrupted.
type Provider interface {
	Name() string
	Run(ctx context.Context, req ChatRequest) (string, error)
	RunStream(ctx context.Context, req ChatRequest) (<-chan Delta, error)
}

type Client struct {
	provider  Provider
	sanitizer *sanitize.Sanitizer
	model     string
	maxTokens int
}

// NewClient picks the provider from cfg. With no credential, or with
// mocking forced on, every call is served by the mock provider.
func NewClient(cfg config.Config, sanitizer *sanitize.Sanitizer) *Client {
	var p Provider
	switch {
	case cfg.MockMode():
		logging.AppLogger.Warn("LLM API key not provided or mocking enabled, using mock responses",
			zap.String("provider", cfg.LLMProvider))
		p = NewMockProvider()
	case cfg.LLMProvider == config.ProviderOpenAI:
		p = NewGPTClient(cfg.OpenAIAPIKey, cfg.LLMBaseURL, nil)
	default:
		p = NewAnthropicClient(cfg.AnthropicAPIKey, cfg.LLMBaseURL, nil)
	}
	return NewClientWithProvider(p, cfg.LLMModel, cfg.LLMMaxTokens, sanitizer)
}

func NewClientWithProvider(p Provider, model string, maxTokens int, sanitizer *sanitize.Sanitizer) *Client {
	if sanitizer == nil {
		sanitizer = sanitize.Default()
	}
	return &Client{provider: p, sanitizer: sanitizer, model: model, maxTokens: maxTokens}
}

// Mocked reports whether calls are answered locally.
func (c *Client) Mocked() bool {
	_, ok := c.provider.(*MockProvider)
	return ok
}

func (c *Client) request(msgs []types.Message, stream bool) ChatRequest {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{Role: string(m.Role), Content: c.sanitizer.Sanitize(m.Content)})
	}
	return ChatRequest{Model: c.model, Messages: out, MaxTokens: c.maxTokens, Stream: stream}
}

// Generate returns the provider's full reply.
func (c *Client) Generate(ctx context.Context, msgs []types.Message) (string, error) {
	defer logging.LogDuration(ctx, "llm_generate")()

	text, err := c.provider.Run(ctx, c.request(msgs, false))
	if err != nil {
		return "", c.translate(ctx, err)
	}
	if text == "" {
		return "", apperrors.Upstream(nil, c.provider.Name()+" response carried no text")
	}
	return text, nil
}

// GenerateStream returns the reply as fragments in provider order. The
// channel closes after the last fragment; a failure arrives as a final
// Delta with Err set. Cancelling ctx stops the read and releases the
// provider connection.
func (c *Client) GenerateStream(ctx context.Context, msgs []types.Message) (<-chan Delta, error) {
	defer logging.LogDuration(ctx, "llm_generate_stream")()

	src, err := c.provider.RunStream(ctx, c.request(msgs, true))
	if err != nil {
		return nil, c.translate(ctx, err)
	}

	out := make(chan Delta)
	go func() {
		defer close(out)
		for d := range src {
			if d.Err != nil {
				d.Err = c.translate(ctx, d.Err)
			}
			select {
			case out <- d:
			case <-ctx.Done():
				// drain so the provider goroutine can exit
				for range src {
				}
				return
			}
		}
	}()
	return out, nil
}

// translate keeps provider internals inside the client: a finished ctx wins,
// already-classified errors pass through, anything else becomes ErrUpstream.
func (c *Client) translate(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return apperrors.FromContext(ctx)
	}
	logging.ErrorLogger.Error("llm provider error",
		zap.String("provider", c.provider.Name()), zap.Error(err))
	if stderrors.Is(err, apperrors.ErrUpstream) || stderrors.Is(err, apperrors.ErrStreamInterrupted) {
		return err
	}
	return apperrors.Upstream(err, c.provider.Name()+" call failed")
}

// truncateRunes cuts s to at most n characters.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
