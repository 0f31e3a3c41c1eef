package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/chatdispatch/internal/catalog"
	"github.com/MrWong99/chatdispatch/internal/config"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm/mock"
)

// infoResolver records the ModelInfo of every resolution and hands out ep.
type infoResolver struct {
	ep llm.Endpoint

	mu    sync.Mutex
	infos []llm.ModelInfo
}

func (r *infoResolver) Resolve(_ context.Context, model llm.ModelInfo, _ []config.EndpointEntry) (llm.Endpoint, error) {
	r.mu.Lock()
	r.infos = append(r.infos, model)
	r.mu.Unlock()
	return r.ep, nil
}

func (r *infoResolver) last() llm.ModelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infos[len(r.infos)-1]
}

func newSummarizeServer(t *testing.T, res catalog.Resolver) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		TaskModel: "small",
		Models: []config.ModelConfig{
			{Name: "zephyr", Parameters: llm.Parameters{Temperature: llm.Float64(0.9)}},
			{Name: "tiny", ShortName: "small", Parameters: llm.Parameters{Stop: []string{"</s>"}}},
		},
	}
	cat, err := catalog.Build(context.Background(), cfg, res)
	if err != nil {
		t.Fatalf("catalog.Build: %v", err)
	}
	srv := httptest.NewServer(New(cat).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestSummarize_UsesTaskModel(t *testing.T) {
	t.Parallel()
	ep := &mock.Endpoint{Events: []llm.Event{
		{Type: llm.EventDelta, Content: " 🌦 Weather in Paris"},
		{Type: llm.EventFinal, Content: " 🌦 Weather in Paris\n", FinishReason: "stop", TokenCount: 1},
	}}
	res := &infoResolver{ep: ep}
	srv := newSummarizeServer(t, res)

	resp, err := http.Post(srv.URL+"/api/conversation/summarize", "application/json",
		strings.NewReader(`{"text":"what is the weather like in Paris today?"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got SummarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Model != "tiny" || got.Summary != "🌦 Weather in Paris" {
		t.Errorf("response = %+v", got)
	}

	info := res.last()
	if info.ID != "tiny" {
		t.Errorf("resolved model = %q, want tiny", info.ID)
	}
	if p := info.Parameters; p.Temperature == nil || *p.Temperature != 0.1 || p.MaxNewTokens == nil || *p.MaxNewTokens != 32 {
		t.Errorf("task parameters not applied: %+v", p)
	}
	if !slices.Equal(info.Parameters.Stop, []string{"</s>", "\n"}) {
		t.Errorf("stop = %q", info.Parameters.Stop)
	}

	calls := ep.Calls()
	if len(calls) != 1 {
		t.Fatalf("generate calls = %d, want 1", len(calls))
	}
	conv := calls[0].Conv
	if conv.Preprompt != summaryPreprompt {
		t.Errorf("preprompt = %q", conv.Preprompt)
	}
	if len(conv.Messages) != 1 || !strings.HasSuffix(conv.Messages[0].Content, "Paris today?") {
		t.Errorf("messages = %+v", conv.Messages)
	}
}

func TestSummarize_Rejections(t *testing.T) {
	t.Parallel()
	srv := newSummarizeServer(t, &infoResolver{ep: &mock.Endpoint{}})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"empty text", `{"text":"  "}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := http.Post(srv.URL+"/api/conversation/summarize", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestSummarize_ProviderFailure(t *testing.T) {
	t.Parallel()
	ep := &mock.Endpoint{StreamErr: llm.ErrProviderRequest}
	srv := newSummarizeServer(t, &infoResolver{ep: ep})

	resp, err := http.Post(srv.URL+"/api/conversation/summarize", "application/json",
		strings.NewReader(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}
