// Package catalog turns the configured logical models into processed,
// immutable [Model] values and resolves them to endpoints.
//
// Processing applies the defaults of the chat backend: id and display name
// fall back to the model name, the message end tokens fall back to
// message_end_token, and a preprompt_url replaces the inline preprompt with
// the body fetched from it. All models are processed concurrently; the
// resulting order always equals configuration order.
package catalog

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chatdispatch/internal/config"
	"github.com/MrWong99/chatdispatch/internal/observe"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
)

// ErrUnknownModel is returned by [Catalog.Lookup] for ids that name no
// current model.
var ErrUnknownModel = errors.New("catalog: unknown model")

// DefaultChatPromptTemplate is the prompt template recorded for models that
// do not declare one. It is kept as metadata only.
const DefaultChatPromptTemplate = "{{preprompt}}" +
	"{{#each messages}}" +
	"{{#ifUser}}{{@root.userMessageToken}}{{content}}{{@root.userMessageEndToken}}{{/ifUser}}" +
	"{{#ifAssistant}}{{@root.assistantMessageToken}}{{content}}{{@root.assistantMessageEndToken}}{{/ifAssistant}}" +
	"{{/each}}" +
	"{{assistantMessageToken}}"

// DefaultPromptExamples are shown for models that configure none.
var DefaultPromptExamples = []config.PromptExample{
	{Title: "Vegan recipe", Prompt: "Write a recipe for a vegan dinner with black beans as one of ingredients"},
	{Title: "Tea infuser cleaning", Prompt: "What is the best way to clean tea infuser heavily stained by tea?"},
	{Title: "Coding task", Prompt: "Code a function to check if parentheses, brackets and curly braces are balanced in given string in Python"},
}

// maxPrepromptBytes bounds a fetched preprompt body.
const maxPrepromptBytes = 1 << 20

// taskParameters override the task model's defaults for short internal
// generations such as conversation titles.
var taskParameters = llm.Parameters{
	Temperature:       llm.Float64(0.1),
	TopP:              llm.Float64(0.95),
	MaxNewTokens:      llm.Int(32),
	Truncate:          llm.Int(1024),
	RepetitionPenalty: llm.Float64(1.2),
}

// Resolver resolves a logical model to a live endpoint.
// *endpoint.Selector implements it.
type Resolver interface {
	Resolve(ctx context.Context, model llm.ModelInfo, entries []config.EndpointEntry) (llm.Endpoint, error)
}

// Model is one processed logical model. It is immutable after [Build].
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	ShortName   string `json:"shortName,omitempty"`
	Description string `json:"description,omitempty"`
	WebsiteURL  string `json:"websiteUrl,omitempty"`
	ModelURL    string `json:"modelUrl,omitempty"`
	DatasetName string `json:"datasetName,omitempty"`
	DatasetURL  string `json:"datasetUrl,omitempty"`

	UserMessageToken         string `json:"-"`
	UserMessageEndToken      string `json:"-"`
	AssistantMessageToken    string `json:"-"`
	AssistantMessageEndToken string `json:"-"`
	MessageEndToken          string `json:"-"`
	ChatPromptTemplate       string `json:"-"`

	Preprompt      string                 `json:"preprompt"`
	PromptExamples []config.PromptExample `json:"promptExamples"`
	Parameters     llm.Parameters         `json:"parameters"`
	Multimodal     bool                   `json:"multimodal"`
	Unlisted       bool                   `json:"unlisted"`

	endpoints []config.EndpointEntry
	resolver  Resolver
}

// Info returns the adapter-facing view of m.
func (m *Model) Info() llm.ModelInfo {
	return llm.ModelInfo{
		ID:          m.ID,
		Name:        m.Name,
		DisplayName: m.DisplayName,
		Parameters:  m.Parameters,
	}
}

// Endpoint draws one of the model's endpoints by weight and constructs it.
// Every call makes a fresh draw.
func (m *Model) Endpoint(ctx context.Context) (llm.Endpoint, error) {
	return m.resolver.Resolve(ctx, m.Info(), m.endpoints)
}

// Catalog holds the processed models. It is safe for concurrent reads.
type Catalog struct {
	models []*Model
	byID   map[string]*Model
	task   *Model
	old    []config.OldModelConfig
	params []config.ConfigurableParameter
}

// Option configures [Build].
type Option func(*builder)

type builder struct {
	client *http.Client
}

// WithHTTPClient sets the client used to fetch preprompt URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(b *builder) { b.client = c }
}

// ─── Build ───────────────────────────────────────────────────────────────────

// Build processes every configured model and returns the catalog. A failed
// preprompt fetch fails the whole build.
func Build(ctx context.Context, cfg *config.Config, res Resolver, opts ...Option) (*Catalog, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("catalog: no models configured")
	}
	b := &builder{client: &http.Client{Timeout: 30 * time.Second}}
	for _, o := range opts {
		o(b)
	}

	models := make([]*Model, len(cfg.Models))
	g, gctx := errgroup.WithContext(ctx)
	for i, mc := range cfg.Models {
		g.Go(func() error {
			m, err := b.process(gctx, mc, res)
			if err != nil {
				return err
			}
			models[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c := &Catalog{
		models: models,
		byID:   make(map[string]*Model, len(models)),
		params: slices.Clone(cfg.ConfigurableParameters),
	}
	for _, m := range models {
		if _, dup := c.byID[m.ID]; !dup {
			c.byID[m.ID] = m
		}
	}
	for _, om := range cfg.OldModels {
		om.ID = cmp.Or(om.ID, om.Name)
		om.DisplayName = cmp.Or(om.DisplayName, om.Name)
		c.old = append(c.old, om)
	}
	c.task = newTaskModel(c.taskSource(cfg.TaskModel))

	observe.Logger(ctx).Info("model catalog built",
		"models", len(c.models),
		"deprecated", len(c.old),
		"task_model", c.task.ID,
	)
	return c, nil
}

func (b *builder) process(ctx context.Context, mc config.ModelConfig, res Resolver) (*Model, error) {
	m := &Model{
		ID:                       cmp.Or(mc.ID, mc.Name),
		Name:                     mc.Name,
		DisplayName:              cmp.Or(mc.DisplayName, mc.Name),
		ShortName:                mc.ShortName,
		Description:              mc.Description,
		WebsiteURL:               mc.WebsiteURL,
		ModelURL:                 mc.ModelURL,
		DatasetName:              mc.DatasetName,
		DatasetURL:               mc.DatasetURL,
		UserMessageToken:         mc.UserMessageToken,
		UserMessageEndToken:      cmp.Or(mc.UserMessageEndToken, mc.MessageEndToken),
		AssistantMessageToken:    mc.AssistantMessageToken,
		AssistantMessageEndToken: cmp.Or(mc.AssistantMessageEndToken, mc.MessageEndToken),
		MessageEndToken:          mc.MessageEndToken,
		ChatPromptTemplate:       cmp.Or(mc.ChatPromptTemplate, DefaultChatPromptTemplate),
		Preprompt:                mc.Preprompt,
		PromptExamples:           slices.Clone(mc.PromptExamples),
		Parameters:               llm.Merge(mc.Parameters, llm.Parameters{}), // deep copy
		Multimodal:               mc.Multimodal,
		Unlisted:                 mc.Unlisted,
		endpoints:                slices.Clone(mc.Endpoints),
		resolver:                 res,
	}
	if m.PromptExamples == nil {
		m.PromptExamples = slices.Clone(DefaultPromptExamples)
	}
	if mc.PrepromptURL != "" {
		text, err := b.fetch(ctx, mc.PrepromptURL)
		if err != nil {
			return nil, fmt.Errorf("catalog: model %q: fetch preprompt: %w", m.ID, err)
		}
		m.Preprompt = text
	}
	return m, nil
}

func (b *builder) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPrepromptBytes))
	if err != nil {
		return "", fmt.Errorf("GET %s: read body: %w", url, err)
	}
	return string(body), nil
}

// taskSource returns the model whose short name equals shortName, else the
// first model.
func (c *Catalog) taskSource(shortName string) *Model {
	if shortName != "" {
		for _, m := range c.models {
			if m.ShortName == shortName {
				return m
			}
		}
	}
	return c.models[0]
}

// newTaskModel returns a copy of src with the summarisation parameters
// applied and "\n" appended to the stop sequences.
func newTaskModel(src *Model) *Model {
	t := *src
	t.Parameters = llm.Merge(src.Parameters, taskParameters)
	t.Parameters.Stop = append(slices.Clone(src.Parameters.Stop), "\n")
	t.PromptExamples = slices.Clone(src.PromptExamples)
	t.endpoints = slices.Clone(src.endpoints)
	return &t
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// Models returns all models in configuration order.
func (c *Catalog) Models() []*Model {
	return slices.Clone(c.models)
}

// Default returns the first configured model.
func (c *Catalog) Default() *Model {
	return c.models[0]
}

// Lookup returns the model with the given id. An empty id selects the
// default model.
func (c *Catalog) Lookup(id string) (*Model, error) {
	if id == "" {
		return c.Default(), nil
	}
	m, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return m, nil
}

// Listed returns the models not marked unlisted.
func (c *Catalog) Listed() []*Model {
	out := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		if !m.Unlisted {
			out = append(out, m)
		}
	}
	return out
}

// TaskModel returns the model used for internal tasks.
func (c *Catalog) TaskModel() *Model {
	return c.task
}

// OldModels returns the deprecated models with id and display name
// defaulted to the name.
func (c *Catalog) OldModels() []config.OldModelConfig {
	return slices.Clone(c.old)
}

// IsDeprecated reports whether id names a deprecated model that is not also
// a current one.
func (c *Catalog) IsDeprecated(id string) bool {
	if _, ok := c.byID[id]; ok {
		return false
	}
	return slices.ContainsFunc(c.old, func(om config.OldModelConfig) bool {
		return om.ID == id
	})
}

// ConfigurableParameters returns the UI-facing knob descriptions.
func (c *Catalog) ConfigurableParameters() []config.ConfigurableParameter {
	return slices.Clone(c.params)
}
