package endpoint

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/MrWong99/chatdispatch/internal/config"
	"github.com/MrWong99/chatdispatch/internal/observe"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
)

// Source draws uniform integers in [0, n). *rand.Rand from math/rand/v2
// satisfies it; tests inject fixed sequences.
type Source interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// DefaultSource returns the process-wide concurrency-safe random source.
func DefaultSource() Source { return globalSource{} }

// Pick performs the weighted draw over entries and returns the index of the
// chosen entry.
//
// Every weight must be positive. A value r is drawn in [0, totalWeight) and
// the entries are walked in declared order: the first entry whose weight
// exceeds the remaining r is chosen, each skipped entry's weight being
// subtracted from r. With a fixed source the result is deterministic.
func Pick(entries []config.EndpointEntry, src Source) (int, error) {
	if len(entries) == 0 {
		return 0, fmt.Errorf("%w: no endpoints to pick from", llm.ErrConfiguration)
	}
	total := 0
	for i, e := range entries {
		if e.Weight <= 0 {
			return 0, fmt.Errorf("%w: endpoint %d has non-positive weight %d", llm.ErrConfiguration, i, e.Weight)
		}
		total += e.Weight
	}

	r := src.IntN(total)
	if r < 0 {
		return 0, fmt.Errorf("%w: draw %d out of range [0, %d)", llm.ErrSelectionExhausted, r, total)
	}
	for i, e := range entries {
		if r < e.Weight {
			return i, nil
		}
		r -= e.Weight
	}
	return 0, fmt.Errorf("%w: walked %d endpoints with total weight %d", llm.ErrSelectionExhausted, len(entries), total)
}

// Selector resolves logical models to live endpoints. It is safe for
// concurrent use.
type Selector struct {
	registry *Registry
	fallback config.FallbackConfig
	src      Source
	metrics  *observe.Metrics
}

// Option configures a [Selector].
type Option func(*Selector)

// WithSource replaces the random source used for weighted draws.
func WithSource(src Source) Option {
	return func(s *Selector) {
		if src != nil {
			s.src = src
		}
	}
}

// WithMetrics sets the metrics recorded for selections and streams.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Selector) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewSelector creates a Selector dispatching through reg. fallback describes
// the endpoint synthesised for models that declare none.
func NewSelector(reg *Registry, fallback config.FallbackConfig, opts ...Option) *Selector {
	s := &Selector{
		registry: reg,
		fallback: fallback,
		src:      DefaultSource(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Choose returns the descriptor for one draw over entries. With no entries it
// synthesises the fallback descriptor: type tgi, weight 1, URL
// "<api_root>/<model name>" and the fallback access token.
func (s *Selector) Choose(model llm.ModelInfo, entries []config.EndpointEntry) (Descriptor, error) {
	if len(entries) == 0 {
		return s.fallbackDescriptor(model), nil
	}
	i, err := Pick(entries, s.src)
	if err != nil {
		return Descriptor{}, fmt.Errorf("endpoint: model %q: %w", model.ID, err)
	}
	return Descriptor{EndpointEntry: entries[i], Model: model}, nil
}

func (s *Selector) fallbackDescriptor(model llm.ModelInfo) Descriptor {
	return Descriptor{
		EndpointEntry: config.EndpointEntry{
			Type:        config.TypeTGI,
			Weight:      config.DefaultWeight,
			URL:         strings.TrimRight(s.fallback.APIRoot, "/") + "/" + model.Name,
			AccessToken: s.fallback.AccessToken,
			Completion:  llm.CompletionChatCompletions,
		},
		Model: model,
	}
}

// Resolve chooses an endpoint for model and constructs it through the
// registry. Unknown or empty types are served by the tgi factory. The
// returned endpoint records metrics and spans for every stream.
func (s *Selector) Resolve(ctx context.Context, model llm.ModelInfo, entries []config.EndpointEntry) (llm.Endpoint, error) {
	d, err := s.Choose(model, entries)
	if err != nil {
		s.metrics.RecordProviderError(ctx, "", errorKind(err))
		return nil, err
	}

	typ := d.Type
	if !s.registry.Has(typ) {
		observe.Logger(ctx).Warn("unknown endpoint type; using tgi",
			"model", model.ID,
			"type", typ,
		)
		typ = config.TypeTGI
	}
	s.metrics.RecordSelection(ctx, model.ID, typ)

	ep, err := s.registry.Create(ctx, typ, d)
	if err != nil {
		s.metrics.RecordProviderError(ctx, typ, errorKind(err))
		return nil, fmt.Errorf("endpoint: model %q: create %s endpoint: %w", model.ID, typ, err)
	}
	observe.Logger(ctx).Debug("endpoint resolved",
		"model", model.ID,
		"endpoint", d.EndpointEntry.String(),
	)
	return Instrument(ep, typ, d.ModelID(), s.metrics), nil
}

// errorKind maps an error to the "kind" attribute of provider error metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, llm.ErrConfiguration):
		return "configuration"
	case errors.Is(err, llm.ErrInitialization):
		return "initialization"
	case errors.Is(err, llm.ErrSelectionExhausted):
		return "selection"
	case errors.Is(err, llm.ErrProviderRequest):
		return "request"
	}
	return "other"
}
