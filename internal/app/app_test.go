package app_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/chatdispatch/internal/app"
	"github.com/MrWong99/chatdispatch/internal/config"
	"github.com/MrWong99/chatdispatch/internal/endpoint"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm/mock"
)

// testConfig returns a minimal config with one weighted model and one model
// served by the fallback endpoint.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Fallback: config.FallbackConfig{APIRoot: "http://inference.local/models", AccessToken: "hf_test"},
		Models: []config.ModelConfig{
			{
				Name: "zephyr",
				Endpoints: []config.EndpointEntry{
					{Type: config.TypeOpenAI, Weight: 1, URL: "http://openai.local"},
				},
			},
			{Name: "falcon"},
		},
	}
}

// testRegistry returns a registry whose factories record the descriptors
// they receive and hand out ep.
func testRegistry(ep llm.Endpoint, got chan<- endpoint.Descriptor) *endpoint.Registry {
	reg := endpoint.NewRegistry()
	factory := func(_ context.Context, d endpoint.Descriptor) (llm.Endpoint, error) {
		got <- d
		return ep, nil
	}
	reg.Register(config.TypeTGI, factory)
	reg.Register(config.TypeOpenAI, factory)
	return reg
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(),
		app.WithRegistry(testRegistry(&mock.Endpoint{}, make(chan endpoint.Descriptor, 4))),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if got := len(application.Catalog().Models()); got != 2 {
		t.Errorf("catalog models = %d, want 2", got)
	}
}

func TestNew_BuiltinRegistry(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
}

func TestNew_CatalogFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Models = nil
	if _, err := app.New(context.Background(), cfg); err == nil {
		t.Fatal("New() with no models should fail")
	}
}

func TestApp_ConversationUsesFallbackEndpoint(t *testing.T) {
	t.Parallel()

	got := make(chan endpoint.Descriptor, 1)
	ep := &mock.Endpoint{Events: []llm.Event{
		{Type: llm.EventDelta, Content: "hi"},
		{Type: llm.EventFinal, Content: "hi", TokenCount: 1},
	}}
	application, err := app.New(context.Background(), testConfig(), app.WithRegistry(testRegistry(ep, got)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/conversation", "application/json",
		strings.NewReader(`{"model":"falcon","messages":[{"from":"user","content":"hello"}]}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "event: ") {
			lines = append(lines, line)
		}
	}
	if strings.Join(lines, ",") != "event: delta,event: final" {
		t.Errorf("events = %v", lines)
	}

	d := <-got
	if d.Type != config.TypeTGI || d.URL != "http://inference.local/models/falcon" || d.AccessToken != "hf_test" {
		t.Errorf("fallback descriptor = %+v", d.EndpointEntry)
	}
}

func TestApp_MetricsHandlerMounted(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("# metrics\n"))
	})
	application, err := app.New(context.Background(), testConfig(),
		app.WithRegistry(testRegistry(&mock.Endpoint{}, make(chan endpoint.Descriptor, 4))),
		app.WithMetricsHandler(metrics),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", resp.StatusCode)
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(),
		app.WithRegistry(testRegistry(&mock.Endpoint{}, make(chan endpoint.Descriptor, 4))),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	var closed int
	application.OnShutdown(func() error {
		closed++
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
	if closed != 1 {
		t.Errorf("closer calls = %d, want 1", closed)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	application, err := app.New(context.Background(), testConfig(),
		app.WithRegistry(testRegistry(&mock.Endpoint{}, make(chan endpoint.Descriptor, 4))),
		app.WithListener(ln),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}
}
