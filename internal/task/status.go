package task

import (
	"slices"
	"strconv"
	"strings"
)

// StatusPolicy decides which HTTP statuses are retried. Statuses it does not
// retry are terminal: 2xx/3xx succeed, everything else fails without an error value.
type StatusPolicy struct {
	codes        map[int]struct{}
	serverErrors bool
}

// ServerErrorPolicy retries every 5xx status.
func ServerErrorPolicy() *StatusPolicy {
	return &StatusPolicy{codes: map[int]struct{}{}, serverErrors: true}
}

// RetryStatuses retries exactly the given statuses.
func RetryStatuses(codes ...int) *StatusPolicy {
	p := &StatusPolicy{codes: make(map[int]struct{}, len(codes))}
	for _, c := range codes {
		p.codes[c] = struct{}{}
	}
	return p
}

// WithServerErrors returns a copy of p that also retries every 5xx status.
func (p *StatusPolicy) WithServerErrors() *StatusPolicy {
	c := RetryStatuses(p.Codes()...)
	c.serverErrors = true
	return c
}

// ShouldRetry reports whether status is retryable.
func (p *StatusPolicy) ShouldRetry(status int) bool {
	if p == nil {
		return status >= 500 && status <= 599
	}
	if p.serverErrors && status >= 500 && status <= 599 {
		return true
	}
	_, ok := p.codes[status]
	return ok
}

// Codes returns the explicitly listed statuses in ascending order.
func (p *StatusPolicy) Codes() []int {
	if p == nil {
		return nil
	}
	out := make([]int, 0, len(p.codes))
	for c := range p.codes {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (p *StatusPolicy) String() string {
	if p == nil {
		return "5xx"
	}
	parts := make([]string, 0, len(p.codes)+1)
	if p.serverErrors {
		parts = append(parts, "5xx")
	}
	for _, c := range p.Codes() {
		parts = append(parts, strconv.Itoa(c))
	}
	return strings.Join(parts, ",")
}
