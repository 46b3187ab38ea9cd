package loader

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/torosent/dataloader/internal/auth"
	"github.com/torosent/dataloader/internal/backoff"
	"github.com/torosent/dataloader/internal/ratelimit"
	"github.com/torosent/dataloader/internal/request"
	"github.com/torosent/dataloader/internal/task"
	"github.com/torosent/dataloader/internal/transport"
)

// Service holds the collaborators shared by every loader created from it.
type Service struct {
	transport transport.Transport
	limiter   *ratelimit.RateLimiter
	logger    zerolog.Logger
	tracer    trace.Tracer
	propagate bool
	userAgent string
	statuses  *task.StatusPolicy

	initialBackoff time.Duration
	maximumBackoff time.Duration
	jitter         float64
	defaultTimeout time.Duration
	defaultRetries int

	mu        sync.RWMutex
	observers []ConsumptionObserver
}

// Option configures a Service.
type Option func(*Service)

// WithRateLimiter shares limiter between loaders. Without it requests are not paced.
func WithRateLimiter(limiter *ratelimit.RateLimiter) Option {
	return func(s *Service) {
		if limiter != nil {
			s.limiter = limiter
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer records one client span per request. When propagate is set the
// trace context is injected into the outgoing headers.
func WithTracer(tracer trace.Tracer, propagate bool) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
			s.propagate = propagate
		}
	}
}

// WithStatusPolicy decides which HTTP statuses are retried.
func WithStatusPolicy(policy *task.StatusPolicy) Option {
	return func(s *Service) {
		if policy != nil {
			s.statuses = policy
		}
	}
}

// WithBackoff sets the retry backoff bounds and jitter fraction.
func WithBackoff(initial, maximum time.Duration, jitter float64) Option {
	return func(s *Service) {
		s.initialBackoff = initial
		s.maximumBackoff = maximum
		s.jitter = jitter
	}
}

// WithUserAgent sets the User-Agent of requests that do not carry one.
func WithUserAgent(userAgent string) Option {
	return func(s *Service) {
		s.userAgent = userAgent
	}
}

func WithConsumptionObserver(observer ConsumptionObserver) Option {
	return func(s *Service) {
		if observer != nil {
			s.observers = append(s.observers, observer)
		}
	}
}

// WithRequestDefaults sets the timeout and retry budget of requests built
// with Loader.NewRequest.
func WithRequestDefaults(timeout time.Duration, maxRetries int) Option {
	return func(s *Service) {
		s.defaultTimeout = timeout
		s.defaultRetries = maxRetries
	}
}

// NewService returns a service dispatching through t.
func NewService(t transport.Transport, opts ...Option) (*Service, error) {
	if t == nil {
		return nil, request.ErrNoTransport
	}
	s := &Service{
		transport:      t,
		limiter:        ratelimit.New(0),
		logger:         zerolog.Nop(),
		tracer:         noop.NewTracerProvider().Tracer(""),
		statuses:       task.ServerErrorPolicy(),
		initialBackoff: task.DefaultInitialBackoff,
		maximumBackoff: task.DefaultMaximumBackoff,
		jitter:         backoff.DefaultJitter,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.initialBackoff <= 0 || s.maximumBackoff < s.initialBackoff {
		return nil, fmt.Errorf("invalid backoff bounds %s..%s", s.initialBackoff, s.maximumBackoff)
	}
	if s.defaultRetries < 0 {
		return nil, fmt.Errorf("max retries must be non-negative, got %d", s.defaultRetries)
	}
	return s, nil
}

// RateLimiter returns the limiter shared by the service's loaders.
func (s *Service) RateLimiter() *ratelimit.RateLimiter {
	return s.limiter
}

// AddConsumptionObserver registers o. Adding the same observer twice has no effect.
func (s *Service) AddConsumptionObserver(o ConsumptionObserver) {
	if o == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.observers {
		if sameObserver(existing, o) {
			return
		}
	}
	s.observers = append(s.observers, o)
}

// RemoveConsumptionObserver unregisters o.
func (s *Service) RemoveConsumptionObserver(o ConsumptionObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.observers {
		if sameObserver(existing, o) {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

// NewFactory returns a factory whose loaders authorise through authorisers, in order.
func (s *Service) NewFactory(authorisers ...auth.Authoriser) *Factory {
	return &Factory{
		service: s,
		chain:   auth.NewChain(authorisers...),
	}
}

func (s *Service) newTimer() *backoff.ExponentialTimer {
	return backoff.NewExponentialTimerWithJitter(s.initialBackoff, s.maximumBackoff, s.jitter)
}

func (s *Service) notifyObservers(resp *request.Response, downloaded, uploaded int64) {
	s.mu.RLock()
	observers := make([]ConsumptionObserver, len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()

	for _, o := range observers {
		s.notifyObserver(o, resp, downloaded, uploaded)
	}
}

func (s *Service) notifyObserver(o ConsumptionObserver, resp *request.Response, downloaded, uploaded int64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("request_id", resp.Request.ID()).Msg("consumption observer panicked")
		}
	}()
	o.EndedRequest(resp, downloaded, uploaded)
}

// sameObserver compares observers without panicking on uncomparable dynamic types.
func sameObserver(a, b ConsumptionObserver) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}
