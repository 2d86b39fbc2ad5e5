package routes

import (
	"chatrelay/chatrelay/controllers"
	"chatrelay/chatrelay/utils/apperrors"
	"chatrelay/chatrelay/utils/logging"
	wire "chatrelay/chatrelay/utils/types"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func ChatRoutes(ctrl *controllers.RelayController) chi.Router {
	r := chi.NewRouter()

	// POST /api/chat : JSON reply, or SSE when stream is set
	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		var req wire.ChatRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Stream {
			streamSSE(w, r, ctrl, req)
			return
		}
		resp, err := ctrl.Chat(r.Context(), req)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	// GET /api/chat/ws : one request frame in, one frame per chunk out
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "internal error")
		conn.SetReadLimit(maxBodyBytes)

		typ, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			conn.Close(websocket.StatusUnsupportedData, "unsupported data")
			return
		}

		var req wire.ChatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			writeFrame(r.Context(), conn, wire.StreamChunk{Error: "invalid JSON", Done: true})
			conn.Close(websocket.StatusInvalidFramePayloadData, "invalid json")
			return
		}

		// a close frame from the client cancels the relay
		ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
		defer cancel()

		chunks, err := ctrl.ChatStream(ctx, req)
		if err != nil {
			writeFrame(ctx, conn, wire.StreamChunk{Error: apperrors.PublicMessage(err), Done: true})
			conn.Close(websocket.StatusPolicyViolation, "rejected")
			return
		}
		for chunk := range chunks {
			if err := writeFrame(ctx, conn, chunk); err != nil {
				cancel()
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	})

	return r
}

func writeFrame(ctx context.Context, conn *websocket.Conn, chunk wire.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func streamSSE(w http.ResponseWriter, r *http.Request, ctrl *controllers.RelayController, req wire.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("response writer cannot flush"))
		return
	}

	chunks, err := ctrl.ChatStream(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			logging.ErrorLogger.Error("encode stream chunk", zap.Error(err))
			continue
		}
		// a failed write means the client left; the relay sees the
		// cancelled request context and stops on its own
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			continue
		}
		flusher.Flush()
	}
}
