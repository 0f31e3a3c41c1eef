// Package config provides the configuration schema and loader for the
// chatdispatch server: logical models, their weighted endpoint descriptors,
// fallback credentials and server settings.
package config

import (
	"fmt"

	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
)

// LogLevel controls log verbosity for the chatdispatch server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Fallback    FallbackConfig    `yaml:"fallback"`
	Credentials CredentialsConfig `yaml:"credentials"`

	// TaskModel is the short_name of the model used for internal tasks such as
	// summarisation. Empty selects the first model.
	TaskModel string `yaml:"task_model"`

	Models                 []ModelConfig           `yaml:"models"`
	OldModels              []OldModelConfig        `yaml:"old_models"`
	ConfigurableParameters []ConfigurableParameter `yaml:"configurable_parameters"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// FallbackConfig describes the provider used for models without endpoints.
type FallbackConfig struct {
	// APIRoot is the base address of the fallback inference API. The model
	// name is appended to build the endpoint URL.
	APIRoot string `yaml:"api_root"`

	// AccessToken is the process-wide fallback credential.
	AccessToken string `yaml:"access_token"`
}

// CredentialsConfig holds process-wide default credentials per provider
// family. Endpoints without their own key use these.
type CredentialsConfig struct {
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	MistralAPIKey   string `yaml:"mistral_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
	DeepSeekAPIKey  string `yaml:"deepseek_api_key"`
	GroqAPIKey      string `yaml:"groq_api_key"`
}

// PromptExample is a canned prompt shown by the chat UI.
type PromptExample struct {
	Title  string `yaml:"title" json:"title"`
	Prompt string `yaml:"prompt" json:"prompt"`
}

// ModelConfig describes one logical model.
type ModelConfig struct {
	// ID identifies the model in API requests. Defaults to Name.
	ID string `yaml:"id"`

	// Name is the model name. It is sent to providers and builds the fallback
	// endpoint address.
	Name string `yaml:"name"`

	DisplayName string `yaml:"display_name"`

	// ShortName is matched against [Config.TaskModel].
	ShortName string `yaml:"short_name"`

	Description string `yaml:"description"`
	WebsiteURL  string `yaml:"website_url"`
	ModelURL    string `yaml:"model_url"`
	DatasetName string `yaml:"dataset_name"`
	DatasetURL  string `yaml:"dataset_url"`

	UserMessageToken         string `yaml:"user_message_token"`
	UserMessageEndToken      string `yaml:"user_message_end_token"`
	AssistantMessageToken    string `yaml:"assistant_message_token"`
	AssistantMessageEndToken string `yaml:"assistant_message_end_token"`
	MessageEndToken          string `yaml:"message_end_token"`

	Preprompt string `yaml:"preprompt"`

	// PrepromptURL, when set, replaces Preprompt with the body fetched from it.
	PrepromptURL string `yaml:"preprompt_url"`

	ChatPromptTemplate string `yaml:"chat_prompt_template"`

	PromptExamples []PromptExample `yaml:"prompt_examples"`

	Parameters llm.Parameters `yaml:"parameters"`

	// Endpoints are the weighted physical endpoints. When empty a fallback
	// endpoint is synthesised at resolution time.
	Endpoints []EndpointEntry `yaml:"endpoints"`

	Multimodal bool `yaml:"multimodal"`

	// Unlisted hides the model from the model listing while keeping it usable.
	Unlisted bool `yaml:"unlisted"`
}

// OldModelConfig names a deprecated model.
type OldModelConfig struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	DisplayName string `yaml:"display_name" json:"displayName"`
}

// ConfigurableParameter describes a generation knob the chat UI may expose.
type ConfigurableParameter struct {
	ID        string   `yaml:"id" json:"id"`
	Label     string   `yaml:"label" json:"label"`
	Min       float64  `yaml:"min" json:"min"`
	Max       float64  `yaml:"max" json:"max"`
	Step      float64  `yaml:"step" json:"step"`
	Endpoints []string `yaml:"endpoints" json:"endpoints"`
}

// Endpoint types understood by the builtin registry.
const (
	TypeTGI       = "tgi"
	TypeOpenAI    = "openai"
	TypeAWS       = "aws"
	TypeMistral   = "mistral"
	TypeAnthropic = "anthropic"
	TypeGemini    = "gemini"
	TypeOllama    = "ollama"
	TypeLlamaCpp  = "llamacpp"
	TypeLlamafile = "llamafile"
	TypeDeepSeek  = "deepseek"
	TypeGroq      = "groq"
)

// KnownEndpointTypes lists the endpoint types with a builtin adapter. Used by
// [Validate] to warn about unrecognised types, which fall back to tgi.
var KnownEndpointTypes = []string{
	TypeTGI, TypeOpenAI, TypeAWS,
	TypeMistral, TypeAnthropic, TypeGemini, TypeOllama,
	TypeLlamaCpp, TypeLlamafile, TypeDeepSeek, TypeGroq,
}

// DefaultWeight is the weight of an endpoint that does not declare one.
const DefaultWeight = 1

// EndpointEntry is one weighted endpoint descriptor. Type selects the adapter;
// the remaining fields are connection settings, each adapter reading the ones
// it needs.
type EndpointEntry struct {
	// Type is the provider type tag (e.g., "tgi", "openai", "mistral").
	Type string `yaml:"type"`

	// Weight is the relative selection weight. Defaults to 1; must be positive.
	Weight int `yaml:"weight"`

	// URL is the base address of the provider API.
	URL string `yaml:"url"`

	// APIKey is the provider API key. Empty falls back to the process-wide
	// default for the provider family.
	APIKey string `yaml:"api_key"`

	// AccessToken is the bearer token for tgi endpoints.
	AccessToken string `yaml:"access_token"`

	// Organization is sent as the OpenAI organization header.
	Organization string `yaml:"organization"`

	// Completion selects the API family. Only chat_completions is supported.
	Completion llm.CompletionMode `yaml:"completion"`

	// Model overrides the model identifier sent to the provider.
	Model string `yaml:"model"`

	// Region, Service, AccessKey, SecretKey and SessionToken configure AWS
	// SigV4 signing for aws endpoints.
	Region       string `yaml:"region"`
	Service      string `yaml:"service"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`
}

// UnmarshalYAML applies the weight and completion defaults to entries that
// omit them.
func (e *EndpointEntry) UnmarshalYAML(unmarshal func(any) error) error {
	type raw EndpointEntry
	r := raw{Weight: DefaultWeight, Completion: llm.CompletionChatCompletions}
	if err := unmarshal(&r); err != nil {
		return err
	}
	*e = EndpointEntry(r)
	return nil
}

// String returns a log-friendly summary that never includes credentials.
func (e EndpointEntry) String() string {
	return fmt.Sprintf("%s(weight=%d url=%q)", e.Type, e.Weight, e.URL)
}
