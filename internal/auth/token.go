package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/torosent/dataloader/internal/request"
)

// TokenSource supplies bearer-style credentials.
type TokenSource interface {
	// Token retrieves a valid token, using cached values when available.
	Token(ctx context.Context) (string, error)

	// Invalidate drops any cached token so the next Token call fetches a new one.
	Invalidate()

	// Close releases any resources held by the source.
	Close() error
}

const authorizationHeader = "Authorization"

// TokenAuthoriser sets the Authorization header from a TokenSource.
type TokenAuthoriser struct {
	id     string
	source TokenSource
	scheme string
	hosts  map[string]struct{}
	logger zerolog.Logger
}

// TokenOption configures a TokenAuthoriser.
type TokenOption func(*TokenAuthoriser)

// WithScheme overrides the authorization scheme (default "Bearer").
func WithScheme(scheme string) TokenOption {
	return func(a *TokenAuthoriser) {
		a.scheme = scheme
	}
}

// WithHosts limits the authoriser to the given hosts. No hosts means every host.
func WithHosts(hosts ...string) TokenOption {
	return func(a *TokenAuthoriser) {
		for _, h := range hosts {
			h = strings.ToLower(strings.TrimSpace(h))
			if h != "" {
				a.hosts[h] = struct{}{}
			}
		}
	}
}

// WithLogger sets the logger used to report credential failures.
func WithLogger(logger zerolog.Logger) TokenOption {
	return func(a *TokenAuthoriser) {
		a.logger = logger
	}
}

// NewTokenAuthoriser returns an authoriser named id that decorates requests with tokens from source.
func NewTokenAuthoriser(id string, source TokenSource, opts ...TokenOption) *TokenAuthoriser {
	a := &TokenAuthoriser{
		id:     id,
		source: source,
		scheme: "Bearer",
		hosts:  make(map[string]struct{}),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *TokenAuthoriser) Identifier() string {
	return a.id
}

// RequestRequiresAuthorisation reports true for requests to a configured host
// that do not already carry an Authorization header.
func (a *TokenAuthoriser) RequestRequiresAuthorisation(req *request.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if len(a.hosts) > 0 {
		if _, ok := a.hosts[strings.ToLower(req.URL.Hostname())]; !ok {
			return false
		}
	}
	return req.Header(authorizationHeader) == ""
}

// AuthoriseRequest fetches a token on a new goroutine and reports through delegate.
func (a *TokenAuthoriser) AuthoriseRequest(ctx context.Context, req *request.Request, delegate Delegate) {
	go func() {
		token, err := a.source.Token(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Str("authoriser", a.id).Str("request_id", req.ID()).Msg("failed to obtain token")
			delegate.FailedToAuthoriseRequest(a, req, fmt.Errorf("failed to get token: %w", err))
			return
		}
		req.SetHeader(authorizationHeader, a.headerValue(token))
		delegate.AuthorisedRequest(a, req)
	}()
}

// RequestFailedAuthorisation drops the cached token and strips the header this
// authoriser applied, so the request can be authorised again.
func (a *TokenAuthoriser) RequestFailedAuthorisation(req *request.Request, resp *request.Response) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	a.logger.Warn().Str("authoriser", a.id).Str("request_id", req.ID()).Int("status", status).Msg("server rejected credentials")
	a.source.Invalidate()
	if strings.HasPrefix(req.Header(authorizationHeader), a.scheme+" ") {
		req.RemoveHeader(authorizationHeader)
	}
}

// Refresh drops the cached token and fetches a new one.
func (a *TokenAuthoriser) Refresh(ctx context.Context) error {
	a.source.Invalidate()
	if _, err := a.source.Token(ctx); err != nil {
		return fmt.Errorf("refresh %s: %w", a.id, err)
	}
	return nil
}

// Close releases the underlying token source.
func (a *TokenAuthoriser) Close() error {
	return a.source.Close()
}

func (a *TokenAuthoriser) headerValue(token string) string {
	if a.scheme == "" {
		return token
	}
	return a.scheme + " " + token
}
