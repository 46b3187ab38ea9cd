package request

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/torosent/dataloader/internal/cancel"
)

// CachePolicy mirrors the cache behaviours a transport may honour.
type CachePolicy int

const (
	CachePolicyDefault CachePolicy = iota
	CachePolicyReloadIgnoringCache
	CachePolicyReturnCacheElseLoad
	CachePolicyReturnCacheDontLoad
)

func (p CachePolicy) String() string {
	switch p {
	case CachePolicyReloadIgnoringCache:
		return "reload_ignoring_cache"
	case CachePolicyReturnCacheElseLoad:
		return "return_cache_else_load"
	case CachePolicyReturnCacheDontLoad:
		return "return_cache_dont_load"
	default:
		return "default"
	}
}

// BackgroundPolicy controls whether a request may run while the owning process is backgrounded.
type BackgroundPolicy int

const (
	BackgroundPolicyOnDemand BackgroundPolicy = iota
	BackgroundPolicyAlways
)

// Request describes one HTTP exchange. Use New or NewWithURL; the zero value has no identifier.
type Request struct {
	URL                  *url.URL
	Method               string
	Body                 []byte
	BodyStream           io.Reader
	CachePolicy          CachePolicy
	Chunks               bool
	MaximumRetryCount    int
	Timeout              time.Duration
	BackgroundPolicy     BackgroundPolicy
	WaitsForConnectivity bool
	ForbidRedirects      bool
	SourceIdentifier     string
	UserInfo             map[string]any

	mu      sync.Mutex
	headers http.Header
	id      string

	retriedAuthorisation atomic.Bool
	token                atomic.Pointer[cancel.Token]
}

// New parses rawURL and returns a GET request for it.
func New(rawURL string) (*Request, error) {
	target := strings.TrimSpace(rawURL)
	if target == "" {
		return nil, fmt.Errorf("%w: URL is required", ErrInvalidRequest)
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return NewWithURL(u), nil
}

// NewWithURL returns a GET request for u with a fresh identifier.
func NewWithURL(u *url.URL) *Request {
	return &Request{
		URL:     u,
		Method:  http.MethodGet,
		headers: http.Header{},
		id:      ulid.Make().String(),
	}
}

// ID returns the process-unique identifier of this request instance.
func (r *Request) ID() string {
	return r.id
}

// SetHeader sets a header, replacing any existing value. Keys are case-insensitive.
func (r *Request) SetHeader(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headers == nil {
		r.headers = http.Header{}
	}
	r.headers.Set(key, value)
}

// RemoveHeader deletes a header.
func (r *Request) RemoveHeader(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers.Del(key)
}

// Header returns the value of a header, or "" when absent.
func (r *Request) Header(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers.Get(key)
}

// Headers returns a copy of the request headers.
func (r *Request) Headers() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headers == nil {
		return http.Header{}
	}
	return r.headers.Clone()
}

// RetriedAuthorisation reports whether the single authorisation retry has been used.
func (r *Request) RetriedAuthorisation() bool {
	return r.retriedAuthorisation.Load()
}

// MarkRetriedAuthorisation flips the authorisation retry flag. It returns false if the
// flag was already set.
func (r *Request) MarkRetriedAuthorisation() bool {
	return r.retriedAuthorisation.CompareAndSwap(false, true)
}

// CancellationToken returns the token tracking this request, if it has been accepted by a loader.
func (r *Request) CancellationToken() *cancel.Token {
	return r.token.Load()
}

// SetCancellationToken associates the token issued for this request. The request does not own it.
func (r *Request) SetCancellationToken(t *cancel.Token) {
	r.token.Store(t)
}

// Validate checks the structural invariants a loader relies on.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: request cannot be nil", ErrInvalidRequest)
	}
	if r.id == "" {
		return fmt.Errorf("%w: request has no identifier (use request.New)", ErrInvalidRequest)
	}
	if r.URL == nil {
		return fmt.Errorf("%w: URL is required", ErrInvalidRequest)
	}
	scheme := strings.ToLower(r.URL.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRequest, r.URL.Scheme)
	}
	if r.URL.Host == "" {
		return fmt.Errorf("%w: URL %q has no host", ErrInvalidRequest, r.URL.String())
	}
	if len(r.Body) > 0 && r.BodyStream != nil {
		return fmt.Errorf("%w: body and body stream cannot both be provided", ErrInvalidRequest)
	}
	if r.MaximumRetryCount < 0 {
		return fmt.Errorf("%w: maximum retry count cannot be negative", ErrInvalidRequest)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: timeout cannot be negative", ErrInvalidRequest)
	}
	return r.validateHeaders()
}

func (r *Request) validateHeaders() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, values := range r.headers {
		if strings.TrimSpace(key) == "" || strings.ContainsAny(key, "\r\n") {
			return fmt.Errorf("%w: invalid header key %q", ErrInvalidRequest, key)
		}
		for _, value := range values {
			if strings.ContainsAny(value, "\r\n") {
				return fmt.Errorf("%w: invalid header value for %s", ErrInvalidRequest, key)
			}
		}
	}
	return nil
}

// Copy returns an independent request with the same description and a fresh identifier.
// The authorisation retry flag and the cancellation token are not copied. Neither is
// BodyStream: a reader is consumed once, so the copy needs its own stream.
func (r *Request) Copy() *Request {
	var u *url.URL
	if r.URL != nil {
		clone := *r.URL
		u = &clone
	}
	c := NewWithURL(u)
	c.Method = r.Method
	c.Body = bytes.Clone(r.Body)
	c.CachePolicy = r.CachePolicy
	c.Chunks = r.Chunks
	c.MaximumRetryCount = r.MaximumRetryCount
	c.Timeout = r.Timeout
	c.BackgroundPolicy = r.BackgroundPolicy
	c.WaitsForConnectivity = r.WaitsForConnectivity
	c.ForbidRedirects = r.ForbidRedirects
	c.SourceIdentifier = r.SourceIdentifier
	if r.UserInfo != nil {
		c.UserInfo = maps.Clone(r.UserInfo)
	}
	c.headers = r.Headers()
	return c
}

func (r *Request) String() string {
	target := "<nil>"
	if r.URL != nil {
		target = r.URL.String()
	}
	return fmt.Sprintf("%s %s (%s)", r.Method, target, r.id)
}
