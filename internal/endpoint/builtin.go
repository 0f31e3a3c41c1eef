package endpoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/chatdispatch/internal/config"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm/anyllm"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm/openai"
)

// Defaults are the process-wide values builtin factories fall back to when a
// descriptor leaves a field empty.
type Defaults struct {
	// Credentials are the default API keys per provider family.
	Credentials config.CredentialsConfig

	// AccessToken is the fallback bearer token for tgi endpoints.
	AccessToken string

	// Timeout bounds each provider HTTP request of the OpenAI-compatible
	// adapters. Zero means no timeout.
	Timeout time.Duration
}

// RegisterBuiltins registers a factory for every type in
// [config.KnownEndpointTypes]: tgi, openai and aws on the OpenAI-compatible
// adapter, and the remaining types on the any-llm adapter.
func RegisterBuiltins(reg *Registry, defaults Defaults) {
	reg.Register(config.TypeTGI, defaults.tgi)
	reg.Register(config.TypeOpenAI, defaults.openAI)
	reg.Register(config.TypeAWS, defaults.aws)
	for _, name := range anyllm.Providers {
		reg.Register(name, defaults.anyLLM)
	}
}

func (df Defaults) openAIOptions(d Descriptor) []openai.Option {
	opts := []openai.Option{
		openai.WithCompletion(d.Completion),
		openai.WithDefaultParameters(d.Model.Parameters),
	}
	if df.Timeout > 0 {
		opts = append(opts, openai.WithTimeout(df.Timeout))
	}
	return opts
}

// tgi talks to a text-generation-inference server through its
// OpenAI-compatible Messages API.
func (df Defaults) tgi(_ context.Context, d Descriptor) (llm.Endpoint, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("%w: tgi endpoint requires a url", llm.ErrConfiguration)
	}
	token := firstNonEmpty(d.AccessToken, d.APIKey, df.AccessToken)
	opts := append(df.openAIOptions(d), openai.WithBaseURL(tgiBaseURL(d.URL)))
	return newOpenAI(token, d, opts)
}

// tgiBaseURL appends the Messages API prefix unless the URL already has it.
func tgiBaseURL(u string) string {
	u = strings.TrimRight(u, "/")
	if strings.HasSuffix(u, "/v1") {
		return u
	}
	return u + "/v1"
}

func (df Defaults) openAI(_ context.Context, d Descriptor) (llm.Endpoint, error) {
	key := firstNonEmpty(d.APIKey, df.Credentials.OpenAIAPIKey, config.PlaceholderAPIKey)
	opts := df.openAIOptions(d)
	if d.URL != "" {
		opts = append(opts, openai.WithBaseURL(d.URL))
	}
	if d.Organization != "" {
		opts = append(opts, openai.WithOrganization(d.Organization))
	}
	return newOpenAI(key, d, opts)
}

// aws signs OpenAI-compatible requests to an inference container (for
// example TGI on SageMaker) with SigV4.
func (df Defaults) aws(_ context.Context, d Descriptor) (llm.Endpoint, error) {
	switch {
	case d.URL == "":
		return nil, fmt.Errorf("%w: aws endpoint requires a url", llm.ErrConfiguration)
	case d.Region == "":
		return nil, fmt.Errorf("%w: aws endpoint requires a region", llm.ErrConfiguration)
	case d.AccessKey == "" || d.SecretKey == "":
		return nil, fmt.Errorf("%w: aws endpoint requires access_key and secret_key", llm.ErrConfiguration)
	}
	creds := openai.StaticCredentials(d.AccessKey, d.SecretKey, d.SessionToken)
	opts := append(df.openAIOptions(d),
		openai.WithBaseURL(d.URL),
		openai.WithMiddleware(openai.SigV4Middleware(creds, d.Region, d.Service)),
	)
	return newOpenAI("", d, opts)
}

func (df Defaults) anyLLM(_ context.Context, d Descriptor) (llm.Endpoint, error) {
	key := d.APIKey
	if key == "" {
		key = df.anyLLMKey(d.Type)
	}
	p, err := anyllm.New(d.Type, d.ModelID(),
		anyllm.WithAPIKey(key),
		anyllm.WithBaseURL(d.URL),
		anyllm.WithCompletion(d.Completion),
		anyllm.WithDefaultParameters(d.Model.Parameters),
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// anyLLMKey returns the process-wide key for a hosted any-llm backend, or the
// placeholder so that a missing key fails on the first request instead of at
// construction. Local backends (ollama, llamacpp, llamafile) need no key.
func (df Defaults) anyLLMKey(typ string) string {
	var key string
	switch typ {
	case config.TypeMistral:
		key = df.Credentials.MistralAPIKey
	case config.TypeAnthropic:
		key = df.Credentials.AnthropicAPIKey
	case config.TypeGemini:
		key = df.Credentials.GeminiAPIKey
	case config.TypeDeepSeek:
		key = df.Credentials.DeepSeekAPIKey
	case config.TypeGroq:
		key = df.Credentials.GroqAPIKey
	default:
		return ""
	}
	return firstNonEmpty(key, config.PlaceholderAPIKey)
}

func newOpenAI(key string, d Descriptor, opts []openai.Option) (llm.Endpoint, error) {
	p, err := openai.New(key, d.ModelID(), opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
