package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/MrWong99/chatdispatch/internal/observe"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
)

// requestTimeout bounds the wait for the request frame.
const requestTimeout = 30 * time.Second

// handleWebSocket serves the conversation contract over a WebSocket: the
// client sends one JSON [ConversationRequest] frame, the server answers
// with one JSON frame per stream event and closes normally after the final
// event. Failures are sent as an [ErrorResponse] frame with type "error"
// before the connection is closed with an error status.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	convID := uuid.NewString()
	w.Header().Set(ConversationIDHeader, convID)
	log := observe.Logger(r.Context()).With("conversation_id", convID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxRequestBytes)

	var req ConversationRequest
	readCtx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	err = wsjson.Read(readCtx, conn, &req)
	cancel()
	if err != nil {
		log.Debug("read request frame", "err", err)
		s.closeWithError(r.Context(), conn, errorf(http.StatusBadRequest, "read request: %v", err))
		return
	}

	// Any further frame from the client, or its close, cancels ctx.
	ctx := conn.CloseRead(r.Context())

	m, ep, conv, err := s.prepare(r.WithContext(ctx), req)
	if err != nil {
		log.Warn("conversation rejected", "model", req.Model, "err", err)
		s.closeWithError(ctx, conn, err)
		return
	}
	stream, err := ep.Generate(ctx, conv)
	if err != nil {
		if errors.Is(err, llm.ErrConfiguration) {
			err = &requestError{status: http.StatusBadRequest, err: err}
		}
		s.closeWithError(ctx, conn, err)
		return
	}
	defer stream.Close()

	for stream.Next() {
		if err := wsjson.Write(ctx, conn, stream.Current()); err != nil {
			log.Debug("websocket write failed", "err", err)
			return
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			log.Debug("websocket client went away", "model", m.ID)
			return
		}
		s.closeWithError(ctx, conn, err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// closeWithError sends err as an error frame and closes conn with a status
// matching the failure.
func (s *Server) closeWithError(ctx context.Context, conn *websocket.Conn, err error) {
	status := statusOf(err)
	_ = wsjson.Write(ctx, conn, ErrorResponse{Type: eventError, Status: status, Message: err.Error()})

	code := websocket.StatusInternalError
	if status < http.StatusInternalServerError {
		code = websocket.StatusPolicyViolation
	}
	conn.Close(code, http.StatusText(status))
}
