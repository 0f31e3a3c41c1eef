// Package server exposes the chat backend over HTTP.
//
// Routes:
//
//   - POST /api/conversation: streams one generation as Server-Sent Events.
//   - GET /api/conversation/ws: the same exchange over a WebSocket.
//   - POST /api/conversation/summarize: a short title for a message,
//     generated by the task model.
//   - GET /api/models: listed models, deprecated models and the
//     configurable generation parameters.
//   - GET /healthz, GET /readyz: see package health.
//
// Every route is wrapped by [observe.Middleware].
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/chatdispatch/internal/catalog"
	"github.com/MrWong99/chatdispatch/internal/config"
	"github.com/MrWong99/chatdispatch/internal/health"
	"github.com/MrWong99/chatdispatch/internal/observe"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
)

// ConversationIDHeader carries the id assigned to each conversation request.
const ConversationIDHeader = "X-Conversation-ID"

// maxRequestBytes bounds a decoded conversation request.
const maxRequestBytes = 4 << 20

// ConversationRequest is the body of a conversation request.
type ConversationRequest struct {
	// Model is the id of the logical model. Empty selects the default model.
	Model string `json:"model"`

	Messages []llm.Message `json:"messages"`

	// Preprompt overrides the model preprompt when set, including to "".
	Preprompt *string `json:"preprompt,omitempty"`

	// Parameters override the model's default generation parameters.
	Parameters *llm.Parameters `json:"parameters,omitempty"`
}

// ErrorResponse is the JSON body of a failed request and the payload of an
// SSE or WebSocket error event.
type ErrorResponse struct {
	Type    string `json:"type,omitempty"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// ModelsResponse is the body of GET /api/models.
type ModelsResponse struct {
	Models                 []*catalog.Model               `json:"models"`
	OldModels              []config.OldModelConfig        `json:"oldModels"`
	ConfigurableParameters []config.ConfigurableParameter `json:"configurableParameters"`
}

// Server serves the HTTP API.
type Server struct {
	catalog        *catalog.Catalog
	health         *health.Handler
	metrics        *observe.Metrics
	originPatterns []string

	handler http.Handler
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts the liveness and readiness routes of h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics used by the HTTP middleware. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOriginPatterns allows cross-origin WebSocket connections from hosts
// matching the given patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// New creates a Server for the models in cat.
func New(cat *catalog.Catalog, opts ...Option) *Server {
	s := &Server{catalog: cat}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversation", s.handleConversation)
	mux.HandleFunc("GET /api/conversation/ws", s.handleWebSocket)
	mux.HandleFunc("POST /api/conversation/summarize", s.handleSummarize)
	mux.HandleFunc("GET /api/models", s.handleModels)
	if s.health != nil {
		s.health.Register(mux)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ModelsResponse{
		Models:                 s.catalog.Listed(),
		OldModels:              s.catalog.OldModels(),
		ConfigurableParameters: s.catalog.ConfigurableParameters(),
	})
}

// requestError is a failure with the HTTP status it maps to.
type requestError struct {
	status int
	err    error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func errorf(status int, format string, args ...any) *requestError {
	return &requestError{status: status, err: fmt.Errorf(format, args...)}
}

// statusOf returns the HTTP status for err.
func statusOf(err error) int {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return re.status
	case errors.Is(err, catalog.ErrUnknownModel):
		return http.StatusNotFound
	case errors.Is(err, llm.ErrConfiguration), errors.Is(err, llm.ErrInitialization):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// prepare validates req and resolves its model to a conversation and a
// freshly selected endpoint.
func (s *Server) prepare(r *http.Request, req ConversationRequest) (*catalog.Model, llm.Endpoint, llm.Conversation, error) {
	if s.catalog.IsDeprecated(req.Model) {
		return nil, nil, llm.Conversation{}, errorf(http.StatusGone, "model %q is deprecated", req.Model)
	}
	if len(req.Messages) == 0 {
		return nil, nil, llm.Conversation{}, errorf(http.StatusBadRequest, "messages must not be empty")
	}
	m, err := s.catalog.Lookup(req.Model)
	if err != nil {
		return nil, nil, llm.Conversation{}, err
	}
	conv := llm.Conversation{
		Messages:   req.Messages,
		Preprompt:  m.Preprompt,
		Parameters: req.Parameters,
	}
	if req.Preprompt != nil {
		conv.Preprompt = *req.Preprompt
	}
	ep, err := m.Endpoint(r.Context())
	if err != nil {
		return nil, nil, llm.Conversation{}, err
	}
	return m, ep, conv, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	writeJSON(w, status, ErrorResponse{Status: status, Message: err.Error()})
}
