package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
)

// capture records what the fake server received.
type capture struct {
	mu     sync.Mutex
	hits   int
	body   map[string]any
	header http.Header
}

func (c *capture) snapshot() (int, map[string]any, http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.body, c.header
}

// newSSEServer starts a fake chat-completions server that answers every
// request with the given SSE data lines.
func newSSEServer(t *testing.T, lines ...string) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)

		c.mu.Lock()
		c.hits++
		c.body = body
		c.header = r.Header.Clone()
		c.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

// chunk renders one chat.completion.chunk payload.
func chunk(content, finish string) string {
	fr := "null"
	if finish != "" {
		fr = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":%q},"finish_reason":%s}]}`, content, fr)
}

func collectAll(t *testing.T, s *llm.TokenStream) []llm.Event {
	t.Helper()
	defer s.Close()
	var out []llm.Event
	for s.Next() {
		out = append(out, s.Current())
	}
	return out
}

func TestGenerate_StreamsAndNormalizes(t *testing.T) {
	t.Parallel()
	srv, c := newSSEServer(t, chunk("Hel", ""), chunk("lo", ""), chunk("", "stop"), "[DONE]")

	p, err := New("sk-test", "mistral-7b",
		WithBaseURL(srv.URL),
		WithDefaultParameters(llm.Parameters{
			Temperature:  llm.Float64(0.5),
			MaxNewTokens: llm.Int(20),
			TopK:         llm.Int(50),
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stream, err := p.Generate(context.Background(), llm.Conversation{
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Preprompt:  "Be nice.",
		Parameters: &llm.Parameters{Temperature: llm.Float64(0.9)},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	events := collectAll(t, stream)
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Type != llm.EventDelta || events[0].Content != "Hel" || events[0].Role != "assistant" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Content != "lo" {
		t.Errorf("event 1 = %+v", events[1])
	}
	final := events[2]
	if final.Type != llm.EventFinal || final.Content != "Hello" || final.FinishReason != "stop" || final.TokenCount != 2 {
		t.Errorf("final = %+v", final)
	}

	hits, body, header := c.snapshot()
	if hits != 1 {
		t.Fatalf("server hits = %d, want 1", hits)
	}
	if body["model"] != "mistral-7b" {
		t.Errorf("model = %v", body["model"])
	}
	if body["stream"] != true {
		t.Errorf("stream = %v, want true", body["stream"])
	}
	if body["temperature"] != 0.9 {
		t.Errorf("temperature = %v, want 0.9", body["temperature"])
	}
	if body["max_tokens"] != float64(20) {
		t.Errorf("max_tokens = %v, want 20", body["max_tokens"])
	}
	if _, ok := body["top_k"]; ok {
		t.Error("top_k should be dropped for OpenAI-compatible requests")
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v, want 2 entries", body["messages"])
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "Be nice." {
		t.Errorf("first message = %v, want system preprompt", first)
	}
	if got := header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestGenerate_RoleSentOnlyOnFirstChunk(t *testing.T) {
	t.Parallel()
	const (
		roleOnly = `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}`
		hi       = `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":null}]}`
		done     = `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`
	)
	srv, _ := newSSEServer(t, roleOnly, hi, done, "[DONE]")

	p, err := New("sk-test", "m", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stream, err := p.Generate(context.Background(), llm.Conversation{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	events := collectAll(t, stream)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Content != "Hi" || events[0].Role != "assistant" {
		t.Errorf("delta = %+v, want role assistant", events[0])
	}
}

func TestGenerate_NoPrepromptNoSystemMessage(t *testing.T) {
	t.Parallel()
	srv, c := newSSEServer(t, chunk("ok", "stop"), "[DONE]")

	p, err := New("sk-", "m", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stream, err := p.Generate(context.Background(), llm.Conversation{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "a"},
			{Role: llm.RoleAssistant, Content: "b"},
			{Role: llm.RoleUser, Content: "c"},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	collectAll(t, stream)

	_, body, _ := c.snapshot()
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("messages = %v, want 3 entries", msgs)
	}
	wantRoles := []string{"user", "assistant", "user"}
	for i, raw := range msgs {
		m, _ := raw.(map[string]any)
		if m["role"] != wantRoles[i] {
			t.Errorf("message %d role = %v, want %s", i, m["role"], wantRoles[i])
		}
	}
}

func TestNew_UnsupportedCompletionMakesNoCall(t *testing.T) {
	t.Parallel()
	srv, c := newSSEServer(t, "[DONE]")

	_, err := New("sk-", "m", WithBaseURL(srv.URL), WithCompletion("completions"))
	if !errors.Is(err, llm.ErrConfiguration) {
		t.Fatalf("New err = %v, want ErrConfiguration", err)
	}
	if !strings.Contains(err.Error(), "unsupported completion type") {
		t.Errorf("error should mention unsupported completion type, got: %v", err)
	}
	if hits, _, _ := c.snapshot(); hits != 0 {
		t.Fatalf("server hits = %d, want 0", hits)
	}
}

func TestNew_EmptyModel(t *testing.T) {
	t.Parallel()
	if _, err := New("sk-", ""); !errors.Is(err, llm.ErrConfiguration) {
		t.Fatalf("New err = %v, want ErrConfiguration", err)
	}
}

func TestGenerate_MidStreamError(t *testing.T) {
	t.Parallel()
	srv, _ := newSSEServer(t, chunk("partial", ""), "{not json")

	p, err := New("sk-", "m", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stream, err := p.Generate(context.Background(), llm.Conversation{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	events := collectAll(t, stream)

	if len(events) != 1 || events[0].Content != "partial" {
		t.Fatalf("events = %+v, want the one chunk produced before the failure", events)
	}
	if !errors.Is(stream.Err(), llm.ErrProviderRequest) {
		t.Fatalf("Err() = %v, want ErrProviderRequest", stream.Err())
	}
}

func TestGenerate_AuthFailureSurfacesOnFirstNext(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	}))
	t.Cleanup(srv.Close)

	p, err := New("bad", "m", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stream, err := p.Generate(context.Background(), llm.Conversation{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Generate should not fail before consumption: %v", err)
	}
	defer stream.Close()

	if stream.Next() {
		t.Fatal("expected no events")
	}
	if !errors.Is(stream.Err(), llm.ErrProviderRequest) {
		t.Fatalf("Err() = %v, want ErrProviderRequest", stream.Err())
	}
}

func TestGenerate_UnknownRole(t *testing.T) {
	t.Parallel()
	p, err := New("sk-", "m", WithBaseURL("http://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Generate(context.Background(), llm.Conversation{
		Messages: []llm.Message{{Role: "narrator", Content: "x"}},
	})
	if !errors.Is(err, llm.ErrConfiguration) {
		t.Fatalf("Generate err = %v, want ErrConfiguration", err)
	}
}

func TestApplyParameters_RepetitionPenaltyAndStop(t *testing.T) {
	t.Parallel()
	srv, c := newSSEServer(t, chunk("x", "stop"), "[DONE]")
	p, err := New("sk-", "m", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stream, err := p.Generate(context.Background(), llm.Conversation{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Parameters: &llm.Parameters{
			TopP:              llm.Float64(0.95),
			RepetitionPenalty: llm.Float64(1.2),
			Stop:              []string{"</s>"},
			Extra:             map[string]any{"safe_mode": true},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	collectAll(t, stream)

	_, body, _ := c.snapshot()
	if body["top_p"] != 0.95 {
		t.Errorf("top_p = %v", body["top_p"])
	}
	if body["frequency_penalty"] != 1.2 {
		t.Errorf("frequency_penalty = %v", body["frequency_penalty"])
	}
	stop, _ := body["stop"].([]any)
	if len(stop) != 1 || stop[0] != "</s>" {
		t.Errorf("stop = %v", body["stop"])
	}
	if _, ok := body["safe_mode"]; ok {
		t.Error("unknown parameter should be dropped")
	}
}

// TestConvertMessage checks the role mapping.
func TestConvertMessage(t *testing.T) {
	t.Parallel()
	sys, err := convertMessage(llm.Message{Role: llm.RoleSystem, Content: "You are helpful."})
	if err != nil || sys.OfSystem == nil {
		t.Errorf("system: OfSystem not set (err %v)", err)
	}
	usr, err := convertMessage(llm.Message{Role: llm.RoleUser, Content: "Hello!"})
	if err != nil || usr.OfUser == nil {
		t.Errorf("user: OfUser not set (err %v)", err)
	}
	asst, err := convertMessage(llm.Message{Role: llm.RoleAssistant, Content: "Hi there!"})
	if err != nil || asst.OfAssistant == nil {
		t.Errorf("assistant: OfAssistant not set (err %v)", err)
	}
	if _, err := convertMessage(llm.Message{Role: "unknown"}); err == nil {
		t.Error("expected error for unknown role")
	}
}
