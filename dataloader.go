// Package dataloader is an HTTP request orchestration layer. Callers describe
// requests; loaders authorise, pace, dispatch and retry them, and report one
// terminal outcome per request to a delegate.
//
// New wires a Runtime from a Config: structured logging, optional OTLP
// tracing, per-service rate limits, the authoriser chain, host pinning,
// in-process metrics and, when a registry is supplied, Prometheus metrics.
package dataloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/torosent/dataloader/internal/auth"
	"github.com/torosent/dataloader/internal/cancel"
	"github.com/torosent/dataloader/internal/config"
	"github.com/torosent/dataloader/internal/loader"
	"github.com/torosent/dataloader/internal/logging"
	"github.com/torosent/dataloader/internal/metrics"
	"github.com/torosent/dataloader/internal/ratelimit"
	"github.com/torosent/dataloader/internal/request"
	"github.com/torosent/dataloader/internal/resolver"
	"github.com/torosent/dataloader/internal/task"
	"github.com/torosent/dataloader/internal/tracing"
	"github.com/torosent/dataloader/internal/transport"
)

type (
	Config   = config.Config
	Request  = request.Request
	Response = request.Response
	Token    = cancel.Token
	Loader   = loader.Loader
	Delegate = loader.Delegate

	ChunkDelegate           = loader.ChunkDelegate
	InitialResponseDelegate = loader.InitialResponseDelegate
	ConnectivityDelegate    = loader.ConnectivityDelegate
	BodyStreamDelegate      = loader.BodyStreamDelegate
	ConsumptionObserver     = loader.ConsumptionObserver
	Authoriser              = auth.Authoriser
	Stats                   = metrics.Stats
)

var (
	ErrInvalidRequest = request.ErrInvalidRequest
	ErrCancelled      = request.ErrCancelled
)

// NewRequest parses rawURL into a GET request.
func NewRequest(rawURL string) (*Request, error) {
	return request.New(rawURL)
}

// LoadConfig parses args, the file named by --config and DATALOADER_* variables.
func LoadConfig(args []string) (*Config, error) {
	return config.NewLoader().Load(args)
}

// Runtime owns everything New wired together.
type Runtime struct {
	Config    *Config
	Logger    zerolog.Logger
	Service   *loader.Service
	Factory   *loader.Factory
	Collector *metrics.Collector
	Resolver  *resolver.Resolver

	transport transport.Transport
	tracing   *tracing.Provider
}

type options struct {
	logOutput   io.Writer
	registerer  prometheus.Registerer
	namespace   string
	transport   transport.Transport
	authorisers []auth.Authoriser
	observers   []loader.ConsumptionObserver
}

// Option customises New.
type Option func(*options)

// WithLogOutput sends logs to w instead of stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithPrometheus registers request metrics on registerer under namespace.
func WithPrometheus(registerer prometheus.Registerer, namespace string) Option {
	return func(o *options) {
		o.registerer = registerer
		o.namespace = namespace
	}
}

// WithTransport replaces the HTTP transport, mainly for tests.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithAuthorisers appends authorisers after those built from the configuration.
func WithAuthorisers(authorisers ...auth.Authoriser) Option {
	return func(o *options) { o.authorisers = append(o.authorisers, authorisers...) }
}

func WithConsumptionObserver(observer loader.ConsumptionObserver) Option {
	return func(o *options) { o.observers = append(o.observers, observer) }
}

// New validates cfg and builds a Runtime from it.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.New(cfg.Log, o.logOutput)
	for _, w := range cfg.Warnings() {
		logger.Warn().Msg(w)
	}

	provider, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:    cfg,
		Logger:    logger,
		Collector: metrics.NewCollector(),
		Resolver:  NewResolver(cfg.Resolver),
		tracing:   provider,
		transport: o.transport,
	}
	if rt.transport == nil {
		rt.transport = transport.NewHTTPTransport(
			transport.WithAddressResolver(rt.Resolver),
			transport.WithUserAgent(cfg.UserAgent),
			transport.WithLogger(logger.With().Str("component", "transport").Logger()),
		)
	}

	limiter, err := NewRateLimiter(cfg)
	if err != nil {
		return nil, err
	}

	authorisers, err := NewAuthorisers(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}
	authorisers = append(authorisers, o.authorisers...)

	statuses := task.ServerErrorPolicy()
	if len(cfg.RetryableStatuses) > 0 {
		statuses = task.RetryStatuses(cfg.RetryableStatuses...).WithServerErrors()
	}

	serviceOpts := []loader.Option{
		loader.WithRateLimiter(limiter),
		loader.WithLogger(logger),
		loader.WithTracer(provider.Tracer(), provider.ShouldPropagate()),
		loader.WithStatusPolicy(statuses),
		loader.WithBackoff(cfg.Backoff.Initial, cfg.Backoff.Maximum, cfg.Backoff.Jitter),
		loader.WithUserAgent(cfg.UserAgent),
		loader.WithRequestDefaults(cfg.Timeout, cfg.MaxRetries),
		loader.WithConsumptionObserver(rt.Collector),
	}
	if o.registerer != nil {
		serviceOpts = append(serviceOpts, loader.WithConsumptionObserver(metrics.NewPrometheusObserver(o.registerer, o.namespace)))
	}
	for _, observer := range o.observers {
		serviceOpts = append(serviceOpts, loader.WithConsumptionObserver(observer))
	}

	rt.Service, err = loader.NewService(rt.transport, serviceOpts...)
	if err != nil {
		return nil, err
	}
	rt.Factory = rt.Service.NewFactory(authorisers...)

	logger.Debug().
		Float64("rps", cfg.RequestsPerSecond).
		Int("authorisers", len(authorisers)).
		Bool("tracing", cfg.Tracing.Enabled()).
		Msg("dataloader ready")
	return rt, nil
}

// NewLoader returns a loader using the configured executor.
func (r *Runtime) NewLoader(delegate Delegate) *Loader {
	var opts []loader.LoaderOption
	if r.Config.Executor == config.ExecutorInline {
		opts = append(opts, loader.WithExecutor(loader.InlineExecutor{}))
	}
	return r.Factory.NewLoader(delegate, opts...)
}

// Close releases authorisers and idle connections and flushes pending spans.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := r.Factory.Close(); err != nil {
		errs = append(errs, err)
	}
	if t, ok := r.transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	if err := r.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// NewRateLimiter builds a limiter with the default rate and every service override.
func NewRateLimiter(cfg *Config) (*ratelimit.RateLimiter, error) {
	limiter := ratelimit.New(cfg.RequestsPerSecond)
	for raw, rps := range cfg.ServiceRates {
		u, err := config.ParseServiceURL(raw)
		if err != nil {
			return nil, err
		}
		limiter.SetRequestsPerSecond(rps, u)
	}
	return limiter, nil
}

// NewResolver pins the configured hosts.
func NewResolver(cfg config.ResolverConfig) *resolver.Resolver {
	r := resolver.New(resolver.WithRecoveryWindow(cfg.RecoveryWindow))
	for host, addresses := range cfg.Hosts {
		r.SetAddresses(host, addresses)
	}
	return r
}

// NewAuthorisers builds token authorisers in configuration order.
func NewAuthorisers(cfgs []config.AuthConfig, logger zerolog.Logger) ([]auth.Authoriser, error) {
	authorisers := make([]auth.Authoriser, 0, len(cfgs))
	for i, c := range cfgs {
		source, err := newTokenSource(c)
		if err != nil {
			return nil, fmt.Errorf("auth[%d] %s: %w", i, c.Identifier(), err)
		}
		opts := []auth.TokenOption{
			auth.WithHosts(c.Hosts...),
			auth.WithLogger(logger.With().Str("authoriser", c.Identifier()).Logger()),
		}
		if c.Scheme != "" {
			opts = append(opts, auth.WithScheme(c.Scheme))
		}
		authorisers = append(authorisers, auth.NewTokenAuthoriser(c.Identifier(), source, opts...))
	}
	return authorisers, nil
}

func newTokenSource(c config.AuthConfig) (auth.TokenSource, error) {
	switch c.Type {
	case config.AuthTypeStatic:
		return auth.NewStaticTokenSource(c.StaticToken), nil
	case config.AuthTypeOAuth2ClientCredentials:
		return auth.NewOAuth2ClientCredentialsSource(c.TokenURL, c.ClientID, c.ClientSecret, c.Scopes, c.RefreshBeforeExpiry)
	case config.AuthTypeOAuth2ResourceOwner:
		return auth.NewOAuth2ResourceOwnerSource(c.TokenURL, c.ClientID, c.ClientSecret, c.Username, c.Password, c.Scopes, c.RefreshBeforeExpiry)
	default:
		return nil, fmt.Errorf("unsupported auth type %q", c.Type)
	}
}
