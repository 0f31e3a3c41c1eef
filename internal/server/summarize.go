package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/chatdispatch/internal/observe"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
)

// summaryPreprompt instructs the task model to produce a conversation title.
const summaryPreprompt = "You are a summarization AI. Summarize the user's request in a single " +
	"sentence of less than 5 words. Do not answer the request. Start your answer " +
	"with an emoji relevant to the summary."

// SummarizeRequest is the body of POST /api/conversation/summarize.
type SummarizeRequest struct {
	Text string `json:"text"`
}

// SummarizeResponse carries the generated summary.
type SummarizeResponse struct {
	Model   string `json:"model"`
	Summary string `json:"summary"`
}

// handleSummarize runs text through the task model and returns the collected
// completion as one JSON document.
func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	var req SummarizeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, errorf(http.StatusBadRequest, "decode request: %v", err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, errorf(http.StatusBadRequest, "text must not be empty"))
		return
	}

	m := s.catalog.TaskModel()
	ep, err := m.Endpoint(r.Context())
	if err != nil {
		log.Warn("summarize: resolve endpoint", "model", m.ID, "err", err)
		writeError(w, err)
		return
	}
	stream, err := ep.Generate(r.Context(), llm.Conversation{
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: "Please summarize the following message:\n" + req.Text,
		}},
		Preprompt: summaryPreprompt,
	})
	if err != nil {
		if errors.Is(err, llm.ErrConfiguration) {
			err = &requestError{status: http.StatusBadRequest, err: err}
		}
		writeError(w, err)
		return
	}
	final, err := llm.Collect(stream)
	if err != nil {
		log.Warn("summarize failed", "model", m.ID, "err", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SummarizeResponse{
		Model:   m.ID,
		Summary: strings.TrimSpace(final.Content),
	})
}
