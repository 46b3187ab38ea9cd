// Package ratelimit tracks the earliest time a request may be dispatched to its service.
//
// A service is identified by the scheme, host and first path segment of a URL. Each
// service is paced by its own token bucket (burst 1) so that consecutive dispatches are
// spaced by at least 1/requestsPerSecond. A server supplied Retry-After deadline acts as a
// hard floor until it passes.
package ratelimit

import (
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/torosent/dataloader/internal/request"
)

// DefaultRequestsPerSecond is the default pacing applied by the loader configuration.
const DefaultRequestsPerSecond = 10.0

// RateLimiter is safe for concurrent use by many request handlers.
type RateLimiter struct {
	mu         sync.Mutex
	defaultRPS float64
	services   map[string]*service
	now        func() time.Time
}

type service struct {
	rps          float64
	limiter      *rate.Limiter // nil means unlimited
	lastExecuted time.Time
	retryAfter   time.Time
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *RateLimiter) {
		if now != nil {
			r.now = now
		}
	}
}

// New returns a limiter applying defaultRPS to services without an override.
// A non-positive default disables pacing for those services.
func New(defaultRPS float64, opts ...Option) *RateLimiter {
	r := &RateLimiter{
		defaultRPS: defaultRPS,
		services:   make(map[string]*service),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ServiceKey derives the rate limiting key for u: scheme://host/first-segment.
func ServiceKey(u *url.URL) string {
	if u == nil {
		return ""
	}
	path := strings.TrimPrefix(u.Path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}

	var sb strings.Builder
	sb.WriteString(strings.ToLower(u.Scheme))
	sb.WriteString("://")
	sb.WriteString(strings.ToLower(u.Hostname()))
	sb.WriteString("/")
	sb.WriteString(path)
	return sb.String()
}

// EarliestTimeUntilRequestCanBeExecuted returns how long req must wait before dispatch. Zero means now.
func (r *RateLimiter) EarliestTimeUntilRequestCanBeExecuted(req *request.Request) time.Duration {
	if req == nil {
		return 0
	}
	key := ServiceKey(req.URL)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.delayLocked(key, now)
}

// TryExecute records a dispatch for req and returns zero when it may run now.
// Otherwise nothing is recorded and the remaining wait is returned. Check and
// record happen under one lock so concurrent callers cannot both pass.
func (r *RateLimiter) TryExecute(req *request.Request) time.Duration {
	if req == nil {
		return 0
	}
	key := ServiceKey(req.URL)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if delay := r.delayLocked(key, now); delay > 0 {
		return delay
	}
	r.executedLocked(key, now)
	return 0
}

func (r *RateLimiter) delayLocked(key string, now time.Time) time.Duration {
	s, ok := r.services[key]
	if !ok {
		return 0
	}
	if !s.retryAfter.IsZero() {
		if s.retryAfter.After(now) {
			return s.retryAfter.Sub(now)
		}
		s.retryAfter = time.Time{}
	}
	if s.limiter == nil {
		return 0
	}
	tokens := s.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	wait := (1 - tokens) / float64(s.limiter.Limit()) * float64(time.Second)
	return time.Duration(math.Ceil(wait))
}

// ExecutedRequest records that an attempt for req is being dispatched now.
func (r *RateLimiter) ExecutedRequest(req *request.Request) {
	if req == nil {
		return
	}
	key := ServiceKey(req.URL)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.executedLocked(key, now)
}

func (r *RateLimiter) executedLocked(key string, now time.Time) {
	s := r.serviceLocked(key)
	s.lastExecuted = now
	if s.limiter != nil {
		s.limiter.ReserveN(now, 1)
	}
}

// RequestsPerSecond returns the effective rate for the service of u.
func (r *RateLimiter) RequestsPerSecond(u *url.URL) float64 {
	key := ServiceKey(u)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.services[key]; ok {
		return s.rps
	}
	return r.defaultRPS
}

// SetRequestsPerSecond overrides the rate for the service of u. Non-positive disables pacing.
func (r *RateLimiter) SetRequestsPerSecond(rps float64, u *url.URL) {
	key := ServiceKey(u)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.serviceLocked(key)
	s.rps = rps
	switch {
	case rps <= 0:
		s.limiter = nil
	case s.limiter == nil:
		s.limiter = newLimiter(rps)
		if !s.lastExecuted.IsZero() {
			s.limiter.ReserveN(s.lastExecuted, 1)
		}
	default:
		s.limiter.SetLimitAt(now, rate.Limit(rps))
	}
}

// SetRetryAfter installs an absolute floor before which no request to the service of u is dispatched.
func (r *RateLimiter) SetRetryAfter(at time.Time, u *url.URL) {
	key := ServiceKey(u)

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.serviceLocked(key)
	if at.After(s.retryAfter) {
		s.retryAfter = at
	}
}

// LastExecuted returns the last dispatch time recorded for the service of u.
func (r *RateLimiter) LastExecuted(u *url.URL) (time.Time, bool) {
	key := ServiceKey(u)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.services[key]
	if !ok || s.lastExecuted.IsZero() {
		return time.Time{}, false
	}
	return s.lastExecuted, true
}

func (r *RateLimiter) serviceLocked(key string) *service {
	if s, ok := r.services[key]; ok {
		return s
	}
	s := &service{rps: r.defaultRPS}
	if r.defaultRPS > 0 {
		s.limiter = newLimiter(r.defaultRPS)
	}
	r.services[key] = s
	return s
}

func newLimiter(rps float64) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rps), 1)
}
