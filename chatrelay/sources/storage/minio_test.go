package storage

import (
	"chatrelay/chatrelay/types"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptKey(t *testing.T) {
	assert.Equal(t, "transcripts/abc-123.json", TranscriptKey("abc-123"))
}

func TestEncodeTranscript(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := types.ConversationRecord{
		ID: "c1",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "hello", CreatedAt: at},
			{Role: types.RoleAssistant, Content: "hi", CreatedAt: at},
		},
		CreatedAt: at,
		UpdatedAt: at,
	}

	data, err := encodeTranscript(rec, at)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "c1", got["conversationId"])
	assert.Len(t, got["messages"], 2)
	assert.Equal(t, "2026-03-01T00:00:00Z", got["archivedAt"])
}
