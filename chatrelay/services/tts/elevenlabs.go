// Package tts is the Speech Client. It sits outside the streaming path.
package tts

import (
	"chatrelay/chatrelay/utils/apperrors"
	httputils "chatrelay/chatrelay/utils/http"
	"chatrelay/chatrelay/utils/logging"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.elevenlabs.io/v1"
	DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"
	modelID        = "eleven_monolingual_v1"
)

type Config struct {
	APIKey  string
	VoiceID string
	BaseURL string
	// Mock forces the silent fallback even with a key.
	Mock bool
}

type Client struct {
	apiKey  string
	voiceID string
	baseURL string
	mock    bool
	http    *http.Client
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type speechRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

func NewClient(cfg Config, client *http.Client) *Client {
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultVoiceID
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		apiKey:  cfg.APIKey,
		voiceID: cfg.VoiceID,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		mock:    cfg.Mock || cfg.APIKey == "",
		http:    client,
	}
}

// Mocked reports whether Synthesize answers with empty audio.
func (c *Client) Mocked() bool { return c.mock }

// Synthesize returns MP3 bytes for text. voiceID falls back to the
// configured voice. Without a credential the result is empty audio.
func (c *Client) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	defer logging.LogDuration(ctx, "tts_synthesize")()

	if c.mock {
		logging.AppLogger.Info("mock TTS", zap.Int("chars", len([]rune(text))))
		return []byte{}, nil
	}
	if voiceID == "" {
		voiceID = c.voiceID
	}

	url := fmt.Sprintf("%s/text-to-speech/%s", c.baseURL, voiceID)
	audio, err := httputils.PostRaw(ctx, c.http, url, map[string]string{
		"xi-api-key": c.apiKey,
		"Accept":     "audio/mpeg",
	}, speechRequest{
		Text:          text,
		ModelID:       modelID,
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.5},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.FromContext(ctx)
		}
		logging.ErrorLogger.Error("elevenlabs request failed", zap.String("voice", voiceID), zap.Error(err))
		return nil, apperrors.Upstream(err, "speech synthesis failed")
	}
	return audio, nil
}
