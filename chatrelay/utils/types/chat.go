// chatrelay/utils/types/chat.go
package types

import (
	"chatrelay/chatrelay/types"
	"chatrelay/chatrelay/utils/apperrors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageLength = 10000
	MaxSpeechLength  = 5000
)

type ChatMessage struct {
	Role    types.Role `json:"role"`
	Content string     `json:"content"`
}

type ChatRequest struct {
	Messages       []ChatMessage `json:"messages"`
	Stream         bool          `json:"stream,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
}

// Validate checks the request shape before it reaches the relay.
func (r ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return apperrors.NewValidation("messages", "at least one message is required")
	}
	for i, m := range r.Messages {
		field := fmt.Sprintf("messages[%d]", i)
		if !m.Role.Valid() {
			return apperrors.NewValidation(field+".role", "must be one of user, assistant, system")
		}
		if strings.TrimSpace(m.Content) == "" {
			return apperrors.NewValidation(field+".content", "must not be empty")
		}
		if utf8.RuneCountInString(m.Content) > MaxMessageLength {
			return apperrors.NewValidation(field+".content", fmt.Sprintf("must be at most %d characters", MaxMessageLength))
		}
	}
	return nil
}

// ChatResponse is the non-streaming success body.
type ChatResponse struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
	Timestamp      int64  `json:"timestamp"`
}

// StreamChunk is one event on a streaming response. Exactly one of the
// three shapes is populated: {chunk}, {done, conversationId}, {error, done}.
type StreamChunk struct {
	Chunk          string `json:"chunk,omitempty"`
	Done           bool   `json:"done,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Terminal reports whether c ends the stream.
func (c StreamChunk) Terminal() bool { return c.Done }

type SpeechRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId,omitempty"`
}

func (r SpeechRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return apperrors.NewValidation("text", "must not be empty")
	}
	if utf8.RuneCountInString(r.Text) > MaxSpeechLength {
		return apperrors.NewValidation("text", fmt.Sprintf("must be at most %d characters", MaxSpeechLength))
	}
	return nil
}

type HistoryList struct {
	Conversations []types.ConversationRecord `json:"conversations"`
}

// ErrorBody is the structured error envelope for non-streaming failures.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	StatusCode int    `json:"statusCode"`
	Timestamp  string `json:"timestamp"`
}
