package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const tokenFetchKey = "token"

// OAuth2TokenSource fetches and caches access tokens from an OAuth2 token endpoint.
// Concurrent callers that miss the cache share a single fetch.
type OAuth2TokenSource struct {
	tokenURL            string
	clientID            string
	clientSecret        string
	scopes              []string
	refreshBeforeExpiry time.Duration
	form                url.Values
	httpClient          *http.Client
	now                 func() time.Time

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
	generation  uint64
	group       singleflight.Group
}

type oauth2TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error,omitempty"`
	ErrorDesc   string `json:"error_description,omitempty"`
}

// NewOAuth2ClientCredentialsSource creates a source using the client credentials grant.
func NewOAuth2ClientCredentialsSource(
	tokenURL string,
	clientID string,
	clientSecret string,
	scopes []string,
	refreshBeforeExpiry time.Duration,
) (*OAuth2TokenSource, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	return newOAuth2TokenSource(tokenURL, clientID, clientSecret, scopes, refreshBeforeExpiry, form)
}

// NewOAuth2ResourceOwnerSource creates a source using the resource owner password credentials grant.
func NewOAuth2ResourceOwnerSource(
	tokenURL string,
	clientID string,
	clientSecret string,
	username string,
	password string,
	scopes []string,
	refreshBeforeExpiry time.Duration,
) (*OAuth2TokenSource, error) {
	if username == "" {
		return nil, errors.New("resource owner flow requires a username")
	}
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", username)
	form.Set("password", password)
	return newOAuth2TokenSource(tokenURL, clientID, clientSecret, scopes, refreshBeforeExpiry, form)
}

func newOAuth2TokenSource(
	tokenURL, clientID, clientSecret string,
	scopes []string,
	refreshBeforeExpiry time.Duration,
	form url.Values,
) (*OAuth2TokenSource, error) {
	u, err := url.Parse(tokenURL)
	if err != nil {
		return nil, fmt.Errorf("invalid token url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid token url %q: scheme must be http or https", tokenURL)
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	return &OAuth2TokenSource{
		tokenURL:            tokenURL,
		clientID:            clientID,
		clientSecret:        clientSecret,
		scopes:              scopes,
		refreshBeforeExpiry: refreshBeforeExpiry,
		form:                form,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
		now:                 time.Now,
	}, nil
}

// Token retrieves a valid OAuth2 access token, using cache when available.
func (s *OAuth2TokenSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if token, ok := s.cached(); ok {
		return token, nil
	}

	ch := s.group.DoChan(tokenFetchKey, func() (any, error) {
		if token, ok := s.cached(); ok {
			return token, nil
		}
		s.mu.Lock()
		gen := s.generation
		s.mu.Unlock()

		token, expiresIn, err := s.fetchToken(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		// An Invalidate during the fetch means this token may already be stale.
		if gen == s.generation {
			s.cachedToken = token
			s.tokenExpiry = time.Time{}
			if expiresIn > 0 {
				s.tokenExpiry = s.now().Add(time.Duration(expiresIn)*time.Second - s.refreshBeforeExpiry)
			}
		}
		return token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token.
func (s *OAuth2TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedToken = ""
	s.tokenExpiry = time.Time{}
	s.generation++
}

// Close releases resources held by the source.
func (s *OAuth2TokenSource) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *OAuth2TokenSource) cached() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cachedToken == "" {
		return "", false
	}
	if !s.tokenExpiry.IsZero() && !s.now().Before(s.tokenExpiry) {
		return "", false
	}
	return s.cachedToken, true
}

func (s *OAuth2TokenSource) fetchToken(ctx context.Context) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(s.form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.clientID, s.clientSecret)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tokenResp oauth2TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, fmt.Errorf("failed to decode token response: %w", err)
	}

	if tokenResp.Error != "" {
		return "", 0, fmt.Errorf("oauth2 error: %s - %s", tokenResp.Error, tokenResp.ErrorDesc)
	}

	if tokenResp.AccessToken == "" {
		return "", 0, fmt.Errorf("no access token in response")
	}

	return tokenResp.AccessToken, tokenResp.ExpiresIn, nil
}
