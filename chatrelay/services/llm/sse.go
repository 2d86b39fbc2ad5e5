package llm

import (
	"bufio"
	"chatrelay/chatrelay/utils/apperrors"
	"chatrelay/chatrelay/utils/logging"
	"context"
	"io"
	"strings"

	"go.uber.org/zap"
)

type sseEvent struct {
	Event string
	Data  string
}

// eventHandler consumes one dispatched event. emit forwards a text fragment
// and reports false once the caller has gone away. done ends the stream
// cleanly.
type eventHandler func(ev sseEvent, emit func(string) bool) (done bool, err error)

// readSSE dispatches events from body until handle reports done, the body
// ends, or ctx is cancelled. A body that ends before done is an interruption.
func readSSE(ctx context.Context, body io.Reader, handle func(sseEvent) (bool, error)) error {
	reader := bufio.NewReader(body)
	var (
		event string
		data  []string
	)
	flush := func() (bool, error) {
		if len(data) == 0 {
			event = ""
			return false, nil
		}
		ev := sseEvent{Event: event, Data: strings.Join(data, "\n")}
		event, data = "", data[:0]
		return handle(ev)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, readErr := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "" && readErr == nil:
			if done, err := flush(); done || err != nil {
				return err
			}
			continue
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if readErr != io.EOF {
				return apperrors.Interrupted(readErr, "stream read failed")
			}
			// last event may lack its trailing blank line
			if done, err := flush(); done || err != nil {
				return err
			}
			return apperrors.Interrupted(nil, "stream ended without completion marker")
		}
	}
}

// pumpSSE runs readSSE on its own goroutine and turns the result into a
// Delta channel. It owns body and closes it.
func pumpSSE(ctx context.Context, provider string, body io.ReadCloser, handle eventHandler) <-chan Delta {
	ch := make(chan Delta)
	emit := func(text string) bool {
		select {
		case ch <- Delta{Text: text}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer func() {
			close(ch)
			body.Close()
		}()

		err := readSSE(ctx, body, func(ev sseEvent) (bool, error) {
			done, err := handle(ev, emit)
			if err == nil && ctx.Err() != nil {
				return false, ctx.Err()
			}
			return done, err
		})
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			logging.AppLogger.Info("llm stream context cancelled", zap.String("provider", provider))
			return
		}
		logging.ErrorLogger.Error("llm stream failed", zap.String("provider", provider), zap.Error(err))
		select {
		case ch <- Delta{Err: err}:
		case <-ctx.Done():
		}
	}()
	return ch
}
