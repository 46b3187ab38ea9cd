// Package resolver keeps caller-supplied host to address overrides for the transport.
package resolver

import (
	"strings"
	"sync"
	"time"
)

// DefaultRecoveryWindow is how long an address marked unreachable is skipped.
const DefaultRecoveryWindow = 5 * time.Minute

// Resolver maps hosts to ordered address lists. It is safe for concurrent use.
type Resolver struct {
	mu          sync.Mutex
	hosts       map[string][]string
	unreachable map[string]time.Time
	recovery    time.Duration
	now         func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRecoveryWindow sets how long unreachable addresses are skipped.
func WithRecoveryWindow(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.recovery = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

func New(opts ...Option) *Resolver {
	r := &Resolver{
		hosts:       make(map[string][]string),
		unreachable: make(map[string]time.Time),
		recovery:    DefaultRecoveryWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetAddresses replaces the addresses for host in preference order. An empty list removes the host.
func (r *Resolver) SetAddresses(host string, addresses []string) {
	host = normalize(host)
	cleaned := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if a = strings.TrimSpace(a); a != "" {
			cleaned = append(cleaned, a)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(cleaned) == 0 {
		delete(r.hosts, host)
		return
	}
	r.hosts[host] = cleaned
}

// Addresses returns the configured addresses for host.
func (r *Resolver) Addresses(host string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.hosts[normalize(host)]...)
}

// AddressForHost returns the first reachable address for host. When every
// address is marked unreachable, none is returned and the caller dials the host itself.
func (r *Resolver) AddressForHost(host string) (string, bool) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, addr := range r.hosts[normalize(host)] {
		marked, down := r.unreachable[addr]
		if !down {
			return addr, true
		}
		if now.Sub(marked) >= r.recovery {
			delete(r.unreachable, addr)
			return addr, true
		}
	}
	return "", false
}

// MarkUnreachable skips address until the recovery window passes.
func (r *Resolver) MarkUnreachable(address string) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable[address] = now
}

func normalize(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
