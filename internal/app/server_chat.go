package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"payagent/internal/domain"
	"payagent/internal/runner"
	agentservice "payagent/internal/service/agent"
)

// chatTurnTimeout bounds a whole chat turn, tool runs included.
const chatTurnTimeout = 5 * time.Minute

// handleChat runs the agent loop for one chat request and streams the UI
// message events back as SSE. Errors before the first event use the plain
// JSON error shape; later ones become a trailing error event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req domain.ChatRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_request_body", err.Error(), nil)
		return
	}
	if !s.cfg.HasProviderCredentials() {
		writeErr(w, http.StatusInternalServerError, "provider_not_configured",
			"model provider base URL and auth token are required", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("x-vercel-ai-ui-message-stream", "v1")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "stream_not_supported", "streaming not supported", nil)
		return
	}

	streamStarted := false
	emitEvent := func(evt agentservice.Event) {
		payload, _ := json.Marshal(evt)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		streamStarted = true
	}
	// The agent emits its own error event mid-stream, so a started stream just
	// needs the terminator.
	streamFail := func(status int, code, message string) {
		if !streamStarted {
			writeErr(w, status, code, message, nil)
			return
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	ctx, cancel := context.WithTimeout(r.Context(), chatTurnTimeout)
	defer cancel()

	_, processErr := s.agent.Process(
		ctx,
		agentservice.ProcessParams{
			Request: req,
			GenerateConfig: runner.GenerateConfig{
				BaseURL:   s.cfg.ProviderBaseURL + "/v1",
				AuthToken: s.cfg.ProviderAuthToken,
				Model:     s.cfg.Model,
			},
		},
		emitEvent,
	)
	if processErr != nil {
		streamFail(processErr.Status, processErr.Code, processErr.Message)
		return
	}

	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func decodeJSONBody(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
