package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
)

// PlaceholderAPIKey is used when no key is configured for a hosted
// provider. Construction accepts it; requests with it fail at the provider.
const PlaceholderAPIKey = "sk-"

// Load reads the YAML configuration file at path, fills empty credentials
// from the process environment (see [ApplyEnv]) and returns a validated
// [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validate %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result. It
// does not read the environment.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// LoadEnv loads KEY=VALUE pairs from the given .env files into the process
// environment. Variables already set are not overridden. Missing files are
// skipped so that a default ".env" path is optional.
func LoadEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config: stat env file %q: %w", p, err)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("config: load env files: %w", err)
	}
	return nil
}

// ApplyEnv fills empty credential and fallback fields from getenv:
//
//   - fallback.access_token: HF_TOKEN, then HF_ACCESS_TOKEN
//   - fallback.api_root: HF_API_ROOT
//   - credentials.openai_api_key: OPENAI_API_KEY
//   - credentials.mistral_api_key: MISTRAL_API_KEY, then [PlaceholderAPIKey]
//   - credentials.anthropic_api_key: ANTHROPIC_API_KEY
//   - credentials.gemini_api_key: GEMINI_API_KEY, then GOOGLE_API_KEY
//   - credentials.deepseek_api_key: DEEPSEEK_API_KEY
//   - credentials.groq_api_key: GROQ_API_KEY
//
// Values from the YAML file always win.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg.Fallback.AccessToken == "" {
		cfg.Fallback.AccessToken = firstNonEmpty(getenv("HF_TOKEN"), getenv("HF_ACCESS_TOKEN"))
	}
	if cfg.Fallback.APIRoot == "" {
		cfg.Fallback.APIRoot = getenv("HF_API_ROOT")
	}
	if cfg.Credentials.OpenAIAPIKey == "" {
		cfg.Credentials.OpenAIAPIKey = getenv("OPENAI_API_KEY")
	}
	if cfg.Credentials.MistralAPIKey == "" {
		cfg.Credentials.MistralAPIKey = firstNonEmpty(getenv("MISTRAL_API_KEY"), PlaceholderAPIKey)
	}
	if cfg.Credentials.AnthropicAPIKey == "" {
		cfg.Credentials.AnthropicAPIKey = getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Credentials.GeminiAPIKey == "" {
		cfg.Credentials.GeminiAPIKey = firstNonEmpty(getenv("GEMINI_API_KEY"), getenv("GOOGLE_API_KEY"))
	}
	if cfg.Credentials.DeepSeekAPIKey == "" {
		cfg.Credentials.DeepSeekAPIKey = getenv("DEEPSEEK_API_KEY")
	}
	if cfg.Credentials.GroqAPIKey == "" {
		cfg.Credentials.GroqAPIKey = getenv("GROQ_API_KEY")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if len(cfg.Models) == 0 {
		errs = append(errs, errors.New("models: at least one model is required"))
	}

	idsSeen := make(map[string]int, len(cfg.Models))
	usesFallback := false
	taskModelFound := cfg.TaskModel == ""

	for i, m := range cfg.Models {
		prefix := fmt.Sprintf("models[%d]", i)
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		id := firstNonEmpty(m.ID, m.Name)
		if prev, ok := idsSeen[id]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of models[%d]", prefix, id, prev))
		}
		idsSeen[id] = i
		if m.ShortName != "" && m.ShortName == cfg.TaskModel {
			taskModelFound = true
		}
		if len(m.Endpoints) == 0 {
			usesFallback = true
		}

		for j, ep := range m.Endpoints {
			epPrefix := fmt.Sprintf("%s.endpoints[%d]", prefix, j)
			if ep.Weight <= 0 {
				errs = append(errs, fmt.Errorf("%w: %s.weight %d must be positive", llm.ErrConfiguration, epPrefix, ep.Weight))
			}
			if err := llm.CheckCompletion(ep.Completion); err != nil {
				errs = append(errs, fmt.Errorf("%s.completion: %w", epPrefix, err))
			}
			validateEndpointType(epPrefix, ep.Type)
		}
	}

	if usesFallback && cfg.Fallback.APIRoot == "" {
		slog.Warn("fallback.api_root is empty; models without endpoints will not be reachable")
	}
	if !taskModelFound {
		slog.Warn("task_model does not match any model short_name; using the first model", "task_model", cfg.TaskModel)
	}

	for i, m := range cfg.OldModels {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("old_models[%d].name is required", i))
		}
	}

	for i, p := range cfg.ConfigurableParameters {
		prefix := fmt.Sprintf("configurable_parameters[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		}
		if p.Min > p.Max {
			errs = append(errs, fmt.Errorf("%s: min %v is greater than max %v", prefix, p.Min, p.Max))
		}
	}

	return errors.Join(errs...)
}

// validateEndpointType logs a warning if name is not a known endpoint type.
// Unknown and empty types are served by the tgi adapter.
func validateEndpointType(prefix, name string) {
	if slices.Contains(KnownEndpointTypes, name) {
		return
	}
	slog.Warn("unknown endpoint type; falling back to tgi",
		"endpoint", prefix,
		"type", name,
		"known", KnownEndpointTypes,
	)
}
