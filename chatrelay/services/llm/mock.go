package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultMockDelay = 50 * time.Millisecond
	mockQuoteLength  = 50
)

// MockProvider answers locally when no provider credential is configured.
type MockProvider struct {
	Delay time.Duration
}

func NewMockProvider() *MockProvider {
	return &MockProvider{Delay: DefaultMockDelay}
}

func (m *MockProvider) Name() string { return "mock" }

// MockText quotes the first 50 characters of the last message.
func MockText(msgs []Message) string {
	last := ""
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1].Content
	}
	return fmt.Sprintf(`Mock response to: "%s"...`, truncateRunes(last, mockQuoteLength))
}

func (m *MockProvider) Run(ctx context.Context, req ChatRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return MockText(req.Messages), nil
}

// RunStream yields each word of the mock text plus a trailing space, Delay
// apart.
func (m *MockProvider) RunStream(ctx context.Context, req ChatRequest) (<-chan Delta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.Split(MockText(req.Messages), " ")
	ch := make(chan Delta)

	go func() {
		defer close(ch)
		for i, w := range words {
			if i > 0 && m.Delay > 0 {
				timer := time.NewTimer(m.Delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return
				}
			}
			select {
			case ch <- Delta{Text: w + " "}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
