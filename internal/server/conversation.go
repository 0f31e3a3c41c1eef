package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/MrWong99/chatdispatch/internal/observe"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
)

// eventError is the SSE event name of a terminal failure.
const eventError = "error"

// handleConversation streams one generation as Server-Sent Events. Each
// stream event becomes an SSE event named after its type ("delta" or
// "final") with the JSON encoded event as data. A failure after the stream
// started is reported as a final "error" event. A client disconnect cancels
// the request context, which closes the provider stream.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	convID := uuid.NewString()
	w.Header().Set(ConversationIDHeader, convID)
	log := observe.Logger(r.Context()).With("conversation_id", convID)

	var req ConversationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, errorf(http.StatusBadRequest, "decode request: %v", err))
		return
	}

	m, ep, conv, err := s.prepare(r, req)
	if err != nil {
		log.Warn("conversation rejected", "model", req.Model, "err", err)
		writeError(w, err)
		return
	}

	stream, err := ep.Generate(r.Context(), conv)
	if err != nil {
		if errors.Is(err, llm.ErrConfiguration) {
			err = &requestError{status: http.StatusBadRequest, err: err}
		}
		log.Warn("generate failed", "model", m.ID, "err", err)
		writeError(w, err)
		return
	}
	defer stream.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	for stream.Next() {
		ev := stream.Current()
		if err := writeEvent(w, string(ev.Type), ev); err != nil {
			log.Debug("client write failed", "err", err)
			return
		}
		if err := rc.Flush(); err != nil {
			log.Debug("flush failed", "err", err)
			return
		}
	}
	if err := stream.Err(); err != nil {
		if r.Context().Err() != nil {
			log.Debug("client disconnected", "model", m.ID)
			return
		}
		_ = writeEvent(w, eventError, ErrorResponse{
			Type:    eventError,
			Status:  statusOf(err),
			Message: err.Error(),
		})
		_ = rc.Flush()
	}
}

// writeEvent writes one SSE event with v as JSON data.
func writeEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
