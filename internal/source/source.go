// Package source builds pipeline sources from their descriptors. The set of
// source variants is closed: each type tag binds a fetch client, a parser
// and a transform chain behind the pipeline capability set.
package source

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/dssdlab/harvester/internal/breaker"
	"github.com/dssdlab/harvester/internal/config"
	"github.com/dssdlab/harvester/internal/fetch"
	"github.com/dssdlab/harvester/internal/parse"
	"github.com/dssdlab/harvester/internal/pipeline"
	"github.com/dssdlab/harvester/internal/ratelimit"
	"github.com/dssdlab/harvester/internal/store"
	"github.com/dssdlab/harvester/internal/transform"
)

// variantParser maps a source type tag to its default parser type.
var variantParser = map[string]string{
	"":     "json",
	"api":  "json",
	"csv":  "csv",
	"text": "lines",
}

// Deps carries the shared collaborators a source needs.
type Deps struct {
	Store     store.Store
	Cache     *fetch.Cache
	Transport http.RoundTripper
	Network   config.NetworkConfig
	RateLimit config.RateLimitConfig
	Breaker   config.BreakerConfig
	Logger    *zap.Logger
}

// New constructs the pipeline source described by cfg. Each source owns its
// limiter and breaker; they are never shared across sources.
func New(cfg config.SourceConfig, deps Deps) (pipeline.Source, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	parserType, ok := variantParser[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("source %s: unknown type %q", cfg.Name, cfg.Type)
	}

	parserCfg := cfg.Parser
	if parserCfg.Type == "" {
		parserCfg.Type = parserType
	}
	parser, err := parse.New(parserCfg)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}

	chain, err := transform.New(cfg.Transforms)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		BaseDelay:      config.Seconds(deps.RateLimit.BaseDelay),
		MinDelay:       config.Seconds(deps.RateLimit.MinDelay),
		MaxDelay:       config.Seconds(deps.RateLimit.MaxDelay),
		BackoffFactor:  deps.RateLimit.BackoffFactor,
		Window:         deps.RateLimit.SuccessWindow,
		ErrorThreshold: deps.RateLimit.ErrorThreshold,
	})
	brk := breaker.New(cfg.Name, breaker.Config{
		FailureThreshold: deps.Breaker.FailureThreshold,
		Cooldown:         deps.Breaker.CooldownDuration(),
	}, deps.Logger)

	client, err := fetch.New(cfg.Name, fetchSpec(cfg, deps.Network), limiter, brk, deps.Cache, deps.Transport, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}

	return &httpSource{
		name:     cfg.Name,
		enabled:  cfg.IsEnabled(),
		schedule: cfg.Schedule,
		params:   cfg.Fetch.Params,
		client:   client,
		parser:   parser,
		chain:    chain,
		store:    deps.Store,
		dests:    destinations(cfg),
		logger:   deps.Logger.Named("source").With(zap.String("source", cfg.Name)),
	}, nil
}

func fetchSpec(cfg config.SourceConfig, network config.NetworkConfig) fetch.Config {
	spec := fetch.Config{
		URL:        cfg.Fetch.URL,
		Method:     cfg.Fetch.Method,
		Headers:    cfg.Fetch.Headers,
		CacheTTL:   network.CacheTTLDefault(),
		Timeout:    network.Timeout(),
		MaxTries:   network.MaxRetries,
		UserAgents: network.UserAgents,
		Proxies:    network.Proxies,
	}
	if cfg.Fetch.CacheTTLSeconds > 0 {
		spec.CacheTTL = config.Seconds(float64(cfg.Fetch.CacheTTLSeconds))
	}
	if cfg.Fetch.TimeoutSeconds > 0 {
		spec.Timeout = config.Seconds(float64(cfg.Fetch.TimeoutSeconds))
	}
	if a := cfg.Fetch.Auth; a != nil {
		spec.Auth = &fetch.AuthSpec{
			Type:     a.Type,
			Token:    a.Token,
			Username: a.Username,
			Password: a.Password,
		}
	}
	if p := cfg.Fetch.Pagination; p != nil {
		spec.Pagination = &fetch.PaginationSpec{
			Param:    p.Param,
			Start:    p.Start,
			MaxPages: p.MaxPages,
		}
	}
	return spec
}

func destinations(cfg config.SourceConfig) []store.Destination {
	dests := make([]store.Destination, len(cfg.Storage))
	copy(dests, cfg.Storage)
	return dests
}

// httpSource is the shared implementation behind every variant; the variants
// differ only in their default parser.
type httpSource struct {
	name     string
	enabled  bool
	schedule string
	params   map[string]any
	client   *fetch.Client
	parser   parse.Parser
	chain    *transform.Chain
	store    store.Store
	dests    []store.Destination
	logger   *zap.Logger
}

func (s *httpSource) Name() string     { return s.name }
func (s *httpSource) Enabled() bool    { return s.enabled }
func (s *httpSource) Schedule() string { return s.schedule }

func (s *httpSource) Fetch(ctx context.Context) (any, error) {
	return s.client.Fetch(ctx, s.params)
}

func (s *httpSource) Parse(_ context.Context, raw any) ([]store.Record, error) {
	return s.parser.Parse(raw)
}

func (s *httpSource) Transform(_ context.Context, records []store.Record) ([]store.Record, error) {
	return s.chain.Apply(records), nil
}

func (s *httpSource) Store(ctx context.Context, records []store.Record) error {
	if len(s.dests) == 0 {
		s.logger.Warn("no storage destinations configured")
		return nil
	}
	for _, dest := range s.dests {
		if err := s.store.Store(ctx, records, dest); err != nil {
			return err
		}
	}
	return nil
}
