package routes

import (
	wire "chatrelay/chatrelay/utils/types"
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

func TTSRoutes(speech Synthesizer) chi.Router {
	r := chi.NewRouter()

	// POST /api/tts : audio/mpeg bytes, empty when no credential is set
	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		var req wire.SpeechRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, r, err)
			return
		}

		audio, err := speech.Synthesize(r.Context(), req.Text, req.VoiceID)
		if err != nil {
			writeErrorAs(w, r, err, "Failed to generate speech")
			return
		}

		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
		w.WriteHeader(http.StatusOK)
		w.Write(audio)
	})

	return r
}
