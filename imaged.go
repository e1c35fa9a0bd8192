// Package imaged is the image service facade: it resolves the source image,
// validates request parameters and drives the engine, the result cache and
// the batch executor.
package imaged

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Skryldev/imaged/batch"
	"github.com/Skryldev/imaged/cache"
	"github.com/Skryldev/imaged/config"
	"github.com/Skryldev/imaged/core"
	"github.com/Skryldev/imaged/engine"
	apperrors "github.com/Skryldev/imaged/errors"
	"github.com/Skryldev/imaged/fetch"
	"github.com/Skryldev/imaged/signature"
	"github.com/Skryldev/imaged/validate"
)

// Version is reported in the Server header.
const Version = "0.5.0"

// Cache statuses reported for URL-sourced transforms.
const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// Service is the primary entry point. Safe for concurrent use.
type Service struct {
	cfg      config.Config
	engine   *engine.Engine
	fetcher  *fetch.Client // nil when fetching is disabled
	batch    *batch.Executor
	cache    cache.Cache // nil when caching is disabled
	flight   singleflight.Group
	verifier *signature.Verifier

	logger    core.Logger
	metrics   core.MetricsCollector
	hooks     []core.Hook
	fetchOpts []fetch.Option
	cacheSet  bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger attaches a structured logger.
func WithLogger(l core.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics attaches a metrics collector.
func WithMetrics(m core.MetricsCollector) Option { return func(s *Service) { s.metrics = m } }

// WithHooks registers observers for pipeline step events.
func WithHooks(h ...core.Hook) Option { return func(s *Service) { s.hooks = append(s.hooks, h...) } }

// WithFetchOptions customises the outbound fetch client.
func WithFetchOptions(fns ...fetch.Option) Option {
	return func(s *Service) { s.fetchOpts = append(s.fetchOpts, fns...) }
}

// WithCache replaces the cache built from the configuration; nil disables
// caching.
func WithCache(c cache.Cache) Option {
	return func(s *Service) { s.cache, s.cacheSet = c, true }
}

// New wires a Service around codec and store.
func New(cfg config.Config, codec core.Codec, store core.StorageAdapter, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg, logger: core.NopLogger{}, metrics: core.NopMetrics{}}
	for _, o := range opts {
		o(s)
	}

	s.engine = engine.New(codec, cfg.Processing.Concurrency,
		engine.WithHooks(s.hooks...),
		engine.WithLogger(s.logger),
		engine.WithMetrics(s.metrics),
		engine.WithRetry(cfg.Processing.MaxRetries, cfg.Processing.RetryDelay),
	)

	if cfg.Fetch.Enabled {
		fo, err := fetch.OptionsFromConfig(cfg.Fetch)
		if err != nil {
			return nil, err
		}
		fns := append([]fetch.Option{fetch.WithLogger(s.logger), fetch.WithMetrics(s.metrics)}, s.fetchOpts...)
		s.fetcher = fetch.New(fo, fns...)
	}

	if !s.cacheSet {
		c, err := cache.New(cfg.Cache.MemoryBytes, cfg.Cache.DiskDir, s.logger)
		if err != nil {
			return nil, err
		}
		s.cache = c
	}

	v, err := signature.NewVerifier(cfg.Signature.Keys)
	if err != nil {
		return nil, err
	}
	s.verifier = v

	bopts := []batch.Option{
		batch.WithDimensionLimit(cfg.Processing.DimensionLimit),
		batch.WithLogger(s.logger),
		batch.WithMetrics(s.metrics),
	}
	switch {
	case s.fetcher != nil && s.verifier != nil:
		// A pipeline body is not covered by the URL signature.
		bopts = append(bopts, batch.WithFetcher(unsignedFetcher{}))
	case s.fetcher != nil:
		bopts = append(bopts, batch.WithFetcher(s.fetcher))
	}
	s.batch = batch.NewExecutor(s.engine, store, cfg.Pipeline.MaxTasks, bopts...)
	return s, nil
}

// Engine returns the image engine.
func (s *Service) Engine() *engine.Engine { return s.engine }

// Config returns the configuration the service was built with.
func (s *Service) Config() config.Config { return s.cfg }

// Verify checks the URL signature of a request. It always succeeds when no
// signing keys are configured.
func (s *Service) Verify(path, rawQuery string) error {
	if s.verifier == nil {
		return nil
	}
	return s.verifier.Verify(path, rawQuery)
}

// TransformRequest is a single-image transform.
type TransformRequest struct {
	Data   []byte // uploaded image; takes precedence over URL
	URL    string
	Params validate.Params
	Typed  bool // Params were decoded from JSON rather than a query string
	Accept string
	Strict bool
	// Signed reports that the caller verified the request signature. URL
	// sources are refused without it when signing keys are configured.
	Signed bool
}

// TransformResponse carries the encoded image and the parameter warnings.
type TransformResponse struct {
	*core.TransformResult
	Warnings      []validate.Warning
	WarningHeader string
	Cache         string // CacheHit, CacheMiss, or empty when not cached
}

// Transform validates req.Params, obtains the source and runs the engine.
// Identical concurrent URL transforms share one execution and, when a cache
// is configured, its result.
func (s *Service) Transform(ctx context.Context, req TransformRequest) (*TransformResponse, error) {
	pc := s.parseContext(req.Strict, req.Typed)
	opts, err := validate.ParseTransform(req.Params, req.Accept, pc, core.FormatUnknown)
	if err != nil {
		return nil, err
	}
	if err := pc.Finish(); err != nil {
		return nil, err
	}
	_, explicit := req.Params.Get(validate.ParamFormat)
	if !explicit {
		opts.Format = ""
	}
	resp := &TransformResponse{Warnings: pc.Warnings, WarningHeader: pc.WarningHeader()}

	if len(req.Data) > 0 {
		final, err := s.finalOptions(req, opts, explicit, req.Data)
		if err != nil {
			return nil, err
		}
		res, err := s.engine.Transform(ctx, req.Data, final)
		if err != nil {
			return nil, err
		}
		resp.TransformResult = res
		return resp, nil
	}
	if req.URL == "" {
		return nil, apperrors.Validation("transform", "missing url parameter or image body")
	}
	if err := s.authorizeSource(req.Signed); err != nil {
		return nil, err
	}

	key := cache.Key(req.URL, opts)
	v, err, _ := s.flight.Do(key, func() (any, error) {
		// Followers share this execution, so it must not die with the
		// leader's request.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flightTimeout())
		defer cancel()
		return s.transformURL(fctx, req, opts, explicit, key)
	})
	if err != nil {
		return nil, err
	}
	shared := v.(*flightResult)
	resp.TransformResult = shared.result
	resp.Cache = shared.cache
	return resp, nil
}

type flightResult struct {
	result *core.TransformResult
	cache  string
}

func (s *Service) transformURL(ctx context.Context, req TransformRequest, opts core.TransformOptions, explicit bool, key string) (*flightResult, error) {
	if s.cache != nil {
		start := time.Now()
		if res, ok := s.cache.Get(ctx, key); ok {
			hit := *res
			hit.Timings = []core.StepTiming{{Name: "cache", Duration: time.Since(start)}}
			return &flightResult{result: &hit, cache: CacheHit}, nil
		}
	}

	data, fetchTime, err := s.fetchSource(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	final, err := s.finalOptions(req, opts, explicit, data)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Transform(ctx, data, final)
	if err != nil {
		return nil, err
	}
	res.Timings = append([]core.StepTiming{{Name: "fetch", Duration: fetchTime}}, res.Timings...)

	if s.cache == nil {
		return &flightResult{result: res}, nil
	}
	s.cache.Set(ctx, key, res)
	return &flightResult{result: res, cache: CacheMiss}, nil
}

// finalOptions resolves the output format from the input when the request
// did not name one. Presets are re-applied for that format.
func (s *Service) finalOptions(req TransformRequest, opts core.TransformOptions, explicit bool, data []byte) (core.TransformOptions, error) {
	if explicit {
		return opts, nil
	}
	in, err := engine.Sniff(data)
	if err != nil {
		return opts, err
	}
	return validate.ParseTransform(req.Params, req.Accept, s.parseContext(false, req.Typed), s.engine.OutputFormat(in))
}

// MetadataRequest is a single-image metadata lookup.
type MetadataRequest struct {
	Data   []byte
	URL    string
	Params validate.Params
	Typed  bool
	Strict bool
	Signed bool
}

// MetadataResponse carries the metadata document and the parameter
// warnings.
type MetadataResponse struct {
	Metadata      *core.Metadata
	Timings       []core.StepTiming
	Warnings      []validate.Warning
	WarningHeader string
}

// Metadata validates req.Params, obtains the source and reads its metadata.
func (s *Service) Metadata(ctx context.Context, req MetadataRequest) (*MetadataResponse, error) {
	pc := s.parseContext(req.Strict, req.Typed)
	opts, err := validate.ParseMetadataOptions(req.Params, pc)
	if err != nil {
		return nil, err
	}
	if err := pc.Finish(); err != nil {
		return nil, err
	}

	data := req.Data
	var timings []core.StepTiming
	if len(data) == 0 {
		if req.URL == "" {
			return nil, apperrors.Validation("metadata", "missing url parameter or image body")
		}
		if err := s.authorizeSource(req.Signed); err != nil {
			return nil, err
		}
		var d time.Duration
		if data, d, err = s.fetchSource(ctx, req.URL); err != nil {
			return nil, err
		}
		timings = append(timings, core.StepTiming{Name: "fetch", Duration: d})
	}

	meta, steps, err := s.engine.Metadata(ctx, data, opts)
	if err != nil {
		return nil, err
	}
	return &MetadataResponse{
		Metadata:      meta,
		Timings:       append(timings, steps...),
		Warnings:      pc.Warnings,
		WarningHeader: pc.WarningHeader(),
	}, nil
}

// Pipeline runs a batch configuration against upload or its source URL.
func (s *Service) Pipeline(ctx context.Context, config, upload []byte) (*batch.Response, error) {
	return s.batch.Run(ctx, config, upload)
}

// authorizeSource refuses URL sources on unsigned requests once signing keys
// are configured.
func (s *Service) authorizeSource(signed bool) error {
	if s.verifier == nil || signed {
		return nil
	}
	return errUnsignedSource()
}

func errUnsignedSource() error {
	return apperrors.New(apperrors.CategoryUnauthorized, "signature", apperrors.ErrUnsignedSource)
}

// unsignedFetcher refuses every pipeline source URL.
type unsignedFetcher struct{}

func (unsignedFetcher) Fetch(context.Context, string) (*fetch.Response, error) {
	return nil, errUnsignedSource()
}

func (s *Service) fetchSource(ctx context.Context, rawURL string) ([]byte, time.Duration, error) {
	if s.fetcher == nil {
		return nil, 0, apperrors.New(apperrors.CategoryValidation, "fetch", apperrors.ErrFetchDisabled)
	}
	start := time.Now()
	resp, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, time.Since(start), nil
}

func (s *Service) parseContext(strict, typed bool) *validate.ParseContext {
	pc := validate.NewQueryContext(strict)
	pc.StringSource = !typed
	if s.cfg.Processing.DimensionLimit > 0 {
		pc.DimensionLimit = s.cfg.Processing.DimensionLimit
	}
	return pc
}

func (s *Service) flightTimeout() time.Duration {
	if s.cfg.Server.RequestTimeout > 0 {
		return s.cfg.Server.RequestTimeout
	}
	return time.Minute
}

// IsClientError reports whether err maps to a 4xx status.
func IsClientError(err error) bool {
	status := apperrors.StatusCode(err)
	return status >= 400 && status < 500
}

// AsValidationError extracts the aggregated strict-mode failure, if any.
func AsValidationError(err error) (*validate.ValidationError, bool) {
	var ve *validate.ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}
