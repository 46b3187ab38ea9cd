package auth

import "context"

// StaticTokenSource returns a pre-configured token. This is typically used for
// OIDC tokens that are obtained outside of the application.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource creates a source that always yields token.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

// Token returns the static token immediately without any network calls.
func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	return s.token, nil
}

// Invalidate is a no-op; a static token cannot be renewed.
func (s *StaticTokenSource) Invalidate() {}

// Close is a no-op for static token sources.
func (s *StaticTokenSource) Close() error {
	return nil
}
