package tts

import (
	"chatrelay/chatrelay/utils/apperrors"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizeSendsElevenLabsRequest(t *testing.T) {
	var (
		path string
		body speechRequest
		key  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("xi-api-key")
		assert.Equal(t, "audio/mpeg", r.Header.Get("Accept"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3fake"))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "xi", BaseURL: srv.URL}, srv.Client())
	audio, err := c.Synthesize(context.Background(), "hello", "")
	require.NoError(t, err)

	assert.Equal(t, []byte("ID3fake"), audio)
	assert.Equal(t, "/text-to-speech/"+DefaultVoiceID, path)
	assert.Equal(t, "xi", key)
	assert.Equal(t, "hello", body.Text)
	assert.Equal(t, modelID, body.ModelID)
	assert.Equal(t, 0.5, body.VoiceSettings.Stability)
	assert.Equal(t, 0.5, body.VoiceSettings.SimilarityBoost)

	_, err = c.Synthesize(context.Background(), "hello", "custom")
	require.NoError(t, err)
	assert.Equal(t, "/text-to-speech/custom", path)
}

func TestSynthesizeWithoutKeyIsEmpty(t *testing.T) {
	c := NewClient(Config{}, nil)
	require.True(t, c.Mocked())

	audio, err := c.Synthesize(context.Background(), "hello", "")
	require.NoError(t, err)
	assert.NotNil(t, audio)
	assert.Empty(t, audio)
}

func TestSynthesizeProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota_exceeded"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "xi", BaseURL: srv.URL}, srv.Client())
	_, err := c.Synthesize(context.Background(), "hello", "")
	require.ErrorIs(t, err, apperrors.ErrUpstream)
	assert.Equal(t, http.StatusBadGateway, apperrors.StatusCode(err))
}
