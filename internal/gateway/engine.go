package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fabricedelahaij/apigate/internal/cache"
	"github.com/fabricedelahaij/apigate/internal/compress"
	"github.com/fabricedelahaij/apigate/internal/config"
	"github.com/fabricedelahaij/apigate/internal/contract"
	"github.com/fabricedelahaij/apigate/internal/csrf"
	"github.com/fabricedelahaij/apigate/internal/observability"
	"github.com/fabricedelahaij/apigate/internal/ratelimit"
	"github.com/fabricedelahaij/apigate/internal/route"
	"github.com/fabricedelahaij/apigate/internal/sweep"
)

// ShouldCacheFunc is the optional cache admission predicate. It
// inspects the request view, the handler status, and the response body
// before the entry is serialized.
type ShouldCacheFunc func(req *Request, status int, body []byte) bool

// Engine drives requests through the fixed middleware pipeline. It
// composes the rate limiter, CSRF store, route resolver, response
// cache, compressor, and sweeper; each store has exactly one owner and
// the engine holds references only.
//
// Engine implements http.Handler and is mounted by the surrounding
// server; it checks the configured prefix itself and also answers the
// status path, which may lie outside it. Requests outside the prefix, and
// requests whose path resolves to no pattern, are passed to the
// fallback handler.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.GatewayMetrics

	limiter    *ratelimit.Limiter
	csrfStore  *csrf.Store
	resolver   *route.Resolver
	store      cache.Store
	compressor *compress.Compressor
	sweeper    *sweep.Sweeper

	auth        Authenticator
	sink        Sink
	fallback    http.Handler
	shouldCache ShouldCacheFunc
	tracer      trace.Tracer

	allowedMethods map[string]bool
	cacheMethods   map[string]bool
}

// Option customizes engine construction.
type Option func(*Engine)

// WithAuthenticator installs the authentication predicate.
func WithAuthenticator(a Authenticator) Option {
	return func(e *Engine) { e.auth = a }
}

// WithSink installs the error-event sink.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithFallback installs the handler invoked when the engine declines a
// request. Defaults to http.NotFoundHandler.
func WithFallback(h http.Handler) Option {
	return func(e *Engine) { e.fallback = h }
}

// WithShouldCache installs the cache admission predicate.
func WithShouldCache(f ShouldCacheFunc) Option {
	return func(e *Engine) { e.shouldCache = f }
}

// WithCacheStore overrides the cache storage adapter. Used by tests and
// by embedders bringing their own adapter.
func WithCacheStore(s cache.Store) Option {
	return func(e *Engine) { e.store = s }
}

// New builds an Engine from cfg and starts its background sweeper.
// Callers own the returned engine and must Close it on shutdown.
func New(cfg *config.Config, logger *slog.Logger, metrics *observability.GatewayMetrics, opts ...Option) (*Engine, error) {
	const op = "gateway.New"

	if err := cfg.Validate(); err != nil {
		return nil, &contract.GatewayError{Op: op, Kind: contract.KindConfigInvalid, Message: "invalid configuration", Err: err}
	}

	excludes := make([]*regexp.Regexp, 0, len(cfg.CompressionExcludes))
	for _, p := range cfg.CompressionExcludes {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &contract.GatewayError{Op: op, Kind: contract.KindConfigInvalid, Message: "invalid exclude pattern", Err: err}
		}
		excludes = append(excludes, re)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		limiter: ratelimit.New(ratelimit.Config{
			Window:     cfg.RateLimitWindow,
			Max:        cfg.RateLimitMax,
			MaxEntries: cfg.RateLimitMaxEntries,
		}),
		csrfStore: csrf.NewStore(csrf.Config{
			TTL:       cfg.CSRFTokenTTL,
			MaxTokens: cfg.CSRFMaxTokens,
		}),
		resolver: route.NewResolver(),
		compressor: compress.New(compress.Config{
			Threshold:         cfg.CompressionThreshold,
			Level:             cfg.CompressionLevel,
			Algorithms:        cfg.CompressionAlgos,
			CompressibleTypes: cfg.CompressibleTypes,
			ExcludePatterns:   excludes,
		}),
		fallback:       http.NotFoundHandler(),
		tracer:         otel.Tracer("apigate/gateway"),
		allowedMethods: toSet(cfg.AllowedMethods),
		cacheMethods:   toSet(cfg.CacheMethods),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		if cfg.CacheAdapter == "external" {
			store, err := cache.NewRedis(cache.RedisConfig{
				Host:         cfg.RedisHost,
				Port:         cfg.RedisPort,
				Password:     cfg.RedisPassword,
				DB:           cfg.RedisDB,
				DialTimeout:  cfg.RedisDialTimeout,
				ReadTimeout:  cfg.RedisReadTimeout,
				WriteTimeout: cfg.RedisWriteTimeout,
				KeyPrefix:    cfg.CacheKeyPrefix,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			e.store = store
		} else {
			e.store = cache.NewMemory(cache.MemoryConfig{MaxSize: cfg.CacheMaxSize})
		}
	}

	if e.sink == nil {
		e.sink = NewLogSink(logger)
	}

	e.sweeper = sweep.New(sweep.Config{Interval: cfg.SweepInterval}, []sweep.NamedTarget{
		{Name: "rate_limit", Target: e.gaugedTarget("rate_limit", e.limiter, e.limiter.Len)},
		{Name: "csrf", Target: e.gaugedTarget("csrf", e.csrfStore, e.csrfStore.Len)},
		{Name: "cache", Target: e.gaugedTarget("cache", e.store, e.store.Len)},
	}, logger, metrics)
	e.sweeper.Start()

	return e, nil
}

// Close stops the sweeper (allowing its grace window) and releases the
// cache adapter.
func (e *Engine) Close() error {
	e.sweeper.Close()
	return e.store.Close()
}

// RouteEntry binds a template to its route for table building.
type RouteEntry struct {
	Template string
	Route    *Route
}

// SetRoutes replaces the resolver's pattern table. The swap is atomic:
// in-flight requests keep the snapshot they resolved against.
func (e *Engine) SetRoutes(entries []RouteEntry) error {
	tableEntries := make([]route.Entry, len(entries))
	for i, re := range entries {
		tableEntries[i] = route.Entry{Template: re.Template, Handler: re.Route}
	}
	table, err := route.BuildTable(tableEntries)
	if err != nil {
		return err
	}
	e.resolver.Replace(table)
	return nil
}

// Resolver exposes the pattern resolver so the external filesystem
// scanner can feed table refreshes directly.
func (e *Engine) Resolver() *route.Resolver {
	return e.resolver
}

// IssueCSRFToken mints a token from the engine's store. Exposed for
// embedders serving tokens outside the handler contract.
func (e *Engine) IssueCSRFToken() (string, error) {
	return e.csrfStore.Issue()
}

// sweepTarget decorates a store's sweep with its size gauge so the
// metrics track the bounded stores without per-request updates.
type sweepTarget struct {
	inner sweep.Target
	after func()
}

func (t sweepTarget) Sweep(now time.Time) (int, error) {
	n, err := t.inner.Sweep(now)
	t.after()
	return n, err
}

func (e *Engine) gaugedTarget(name string, inner sweep.Target, size func() int) sweep.Target {
	gauge := e.metrics.StoreSize.WithLabelValues(name)
	return sweepTarget{inner: inner, after: func() { gauge.Set(float64(size())) }}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}
