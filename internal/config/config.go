package config

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultRequestsPerSecond = 10.0
	DefaultTimeout           = 60 * time.Second
	DefaultMaxRetries        = 3
	DefaultInitialBackoff    = time.Second
	DefaultMaximumBackoff    = 60 * time.Second
	DefaultJitter            = 0.11304999836
	DefaultRecoveryWindow    = 5 * time.Minute
	DefaultLogLevel          = "info"
)

type Executor string

const (
	ExecutorSerial Executor = "serial"
	ExecutorInline Executor = "inline"
)

type Config struct {
	UserAgent         string             `mapstructure:"user_agent" yaml:"user_agent,omitempty"`
	RequestsPerSecond float64            `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	ServiceRates      map[string]float64 `mapstructure:"service_rates" yaml:"service_rates,omitempty"`
	Timeout           time.Duration      `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries        int                `mapstructure:"max_retries" yaml:"max_retries"`
	RetryableStatuses []int              `mapstructure:"retryable_statuses" yaml:"retryable_statuses,omitempty"`
	Backoff           BackoffConfig      `mapstructure:"backoff" yaml:"backoff"`
	Executor          Executor           `mapstructure:"executor" yaml:"executor"`
	Auth              []AuthConfig       `mapstructure:"auth" yaml:"auth,omitempty"`
	Resolver          ResolverConfig     `mapstructure:"resolver" yaml:"resolver,omitempty"`
	Tracing           TracingConfig      `mapstructure:"tracing" yaml:"tracing,omitempty"`
	Log               LogConfig          `mapstructure:"log" yaml:"log"`
	Targets           []string           `mapstructure:"targets" yaml:"targets,omitempty"`
	JSONOutput        bool               `mapstructure:"json_output" yaml:"json_output"`
	ConfigFile        string             `mapstructure:"-" yaml:"-"`
}

// BackoffConfig shapes the exponential timer used between retries.
type BackoffConfig struct {
	Initial time.Duration `mapstructure:"initial" yaml:"initial"`
	Maximum time.Duration `mapstructure:"maximum" yaml:"maximum"`
	Jitter  float64       `mapstructure:"jitter" yaml:"jitter"`
}

type AuthType string

const (
	AuthTypeStatic                  AuthType = "static"
	AuthTypeOAuth2ClientCredentials AuthType = "oauth2_client_credentials"
	AuthTypeOAuth2ResourceOwner     AuthType = "oauth2_resource_owner"
)

// AuthConfig describes one authoriser. Authorisers are consulted in the order listed.
type AuthConfig struct {
	Name                string        `mapstructure:"name" yaml:"name,omitempty"`
	Type                AuthType      `mapstructure:"type" yaml:"type"`
	Hosts               []string      `mapstructure:"hosts" yaml:"hosts,omitempty"`
	Scheme              string        `mapstructure:"scheme" yaml:"scheme,omitempty"`
	TokenURL            string        `mapstructure:"token_url" yaml:"token_url,omitempty"`
	ClientID            string        `mapstructure:"client_id" yaml:"client_id,omitempty"`
	ClientSecret        string        `mapstructure:"client_secret" yaml:"client_secret,omitempty"`
	Username            string        `mapstructure:"username" yaml:"username,omitempty"`
	Password            string        `mapstructure:"password" yaml:"password,omitempty"`
	Scopes              []string      `mapstructure:"scopes" yaml:"scopes,omitempty"`
	StaticToken         string        `mapstructure:"static_token" yaml:"static_token,omitempty"`
	RefreshBeforeExpiry time.Duration `mapstructure:"refresh_before_expiry" yaml:"refresh_before_expiry,omitempty"`
}

// Identifier returns the configured name, falling back to the type.
func (a AuthConfig) Identifier() string {
	if strings.TrimSpace(a.Name) != "" {
		return a.Name
	}
	return string(a.Type)
}

// ResolverConfig pins hosts to dialable addresses.
type ResolverConfig struct {
	Hosts          map[string][]string `mapstructure:"hosts" yaml:"hosts,omitempty"`
	RecoveryWindow time.Duration       `mapstructure:"recovery_window" yaml:"recovery_window,omitempty"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Protocol    string  `mapstructure:"protocol" yaml:"protocol,omitempty"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name,omitempty"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate,omitempty"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure,omitempty"`
	Propagate   *bool   `mapstructure:"propagate" yaml:"propagate,omitempty"`
}

// Enabled reports whether an exporter endpoint was configured here or through OTEL_EXPORTER_OTLP_ENDPOINT.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != "" || lookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// ShouldPropagate defaults to true.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate == nil {
		return true
	}
	return *t.Propagate
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// Default returns the configuration used when nothing is supplied.
func Default() *Config {
	return &Config{
		RequestsPerSecond: DefaultRequestsPerSecond,
		ServiceRates:      map[string]float64{},
		Timeout:           DefaultTimeout,
		MaxRetries:        DefaultMaxRetries,
		Backoff: BackoffConfig{
			Initial: DefaultInitialBackoff,
			Maximum: DefaultMaximumBackoff,
			Jitter:  DefaultJitter,
		},
		Executor: ExecutorSerial,
		Resolver: ResolverConfig{RecoveryWindow: DefaultRecoveryWindow},
		Tracing:  TracingConfig{SampleRate: 1},
		Log:      LogConfig{Level: DefaultLogLevel},
	}
}

// WriteYAML dumps the effective configuration. Secrets are masked.
func (c Config) WriteYAML(w io.Writer) error {
	masked := c
	masked.Auth = make([]AuthConfig, len(c.Auth))
	for i, a := range c.Auth {
		if a.ClientSecret != "" {
			a.ClientSecret = "***"
		}
		if a.Password != "" {
			a.Password = "***"
		}
		if a.StaticToken != "" {
			a.StaticToken = "***"
		}
		masked.Auth[i] = a
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(masked); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string

	if c.RequestsPerSecond < 0 {
		issues = append(issues, "requests_per_second must be >= 0")
	}
	for raw, rps := range c.ServiceRates {
		if rps < 0 {
			issues = append(issues, fmt.Sprintf("service_rates: %s must be >= 0", raw))
		}
		if _, err := ParseServiceURL(raw); err != nil {
			issues = append(issues, fmt.Sprintf("service_rates: %v", err))
		}
	}
	if c.Timeout < 0 {
		issues = append(issues, "timeout must be >= 0")
	}
	if c.MaxRetries < 0 {
		issues = append(issues, "max_retries must be >= 0")
	}
	for _, code := range c.RetryableStatuses {
		if code < 100 || code > 599 {
			issues = append(issues, fmt.Sprintf("retryable_statuses: %d is not an HTTP status", code))
		}
	}

	issues = append(issues, validateBackoff(c.Backoff)...)

	switch c.Executor {
	case "", ExecutorSerial, ExecutorInline:
	default:
		issues = append(issues, fmt.Sprintf("executor: must be 'serial' or 'inline', got %q", c.Executor))
	}

	seen := make(map[string]bool, len(c.Auth))
	for i, auth := range c.Auth {
		for _, issue := range validateAuthConfig(auth) {
			issues = append(issues, fmt.Sprintf("auth[%d]: %s", i, issue))
		}
		id := auth.Identifier()
		if seen[id] {
			issues = append(issues, fmt.Sprintf("auth[%d]: duplicate name %q", i, id))
		}
		seen[id] = true
	}

	for _, target := range c.Targets {
		if _, err := ParseServiceURL(target); err != nil {
			issues = append(issues, fmt.Sprintf("targets: %v", strings.Replace(err.Error(), "service url", "target", 1)))
		}
	}

	issues = append(issues, validateResolver(c.Resolver)...)
	issues = append(issues, validateTracing(c.Tracing)...)

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "", "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		issues = append(issues, fmt.Sprintf("log: unknown level %q", c.Log.Level))
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}

	return nil
}

// Warnings lists legal but discouraged settings.
func (c Config) Warnings() []string {
	var warnings []string
	for i, auth := range c.Auth {
		if auth.Type == AuthTypeOAuth2ResourceOwner {
			warnings = append(warnings, fmt.Sprintf("auth[%d]: oauth2_resource_owner (password grant) is a legacy flow; prefer oauth2_client_credentials", i))
		}
		if auth.Type == AuthTypeStatic && len(auth.Hosts) == 0 {
			warnings = append(warnings, fmt.Sprintf("auth[%d]: static token is sent to every host", i))
		}
	}
	if c.Tracing.Insecure {
		warnings = append(warnings, "tracing: exporter TLS is disabled")
	}
	return warnings
}

// ParseServiceURL parses a service_rates key. It must be an absolute http(s) URL.
func ParseServiceURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid service url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid service url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid service url %q: host is required", raw)
	}
	return u, nil
}

func validateBackoff(b BackoffConfig) []string {
	var issues []string
	if b.Initial < 0 {
		issues = append(issues, "backoff: initial must be >= 0")
	}
	if b.Maximum < 0 {
		issues = append(issues, "backoff: maximum must be >= 0")
	}
	if b.Initial > 0 && b.Maximum > 0 && b.Maximum < b.Initial {
		issues = append(issues, "backoff: maximum must be >= initial")
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		issues = append(issues, "backoff: jitter must be in [0, 1)")
	}
	return issues
}

func validateAuthConfig(auth AuthConfig) []string {
	var issues []string

	switch auth.Type {
	case AuthTypeStatic:
		if strings.TrimSpace(auth.StaticToken) == "" {
			issues = append(issues, "static_token is required for static")
		}
	case AuthTypeOAuth2ClientCredentials:
		if strings.TrimSpace(auth.TokenURL) == "" {
			issues = append(issues, "token_url is required for oauth2_client_credentials")
		}
		if strings.TrimSpace(auth.ClientID) == "" {
			issues = append(issues, "client_id is required for oauth2_client_credentials")
		}
		if strings.TrimSpace(auth.ClientSecret) == "" {
			issues = append(issues, "client_secret is required for oauth2_client_credentials")
		}
	case AuthTypeOAuth2ResourceOwner:
		if strings.TrimSpace(auth.TokenURL) == "" {
			issues = append(issues, "token_url is required for oauth2_resource_owner")
		}
		if strings.TrimSpace(auth.ClientID) == "" {
			issues = append(issues, "client_id is required for oauth2_resource_owner")
		}
		if strings.TrimSpace(auth.Username) == "" {
			issues = append(issues, "username is required for oauth2_resource_owner")
		}
		if strings.TrimSpace(auth.Password) == "" {
			issues = append(issues, "password is required for oauth2_resource_owner")
		}
	case "":
		issues = append(issues, "type is required")
	default:
		issues = append(issues, fmt.Sprintf("unsupported type %q", auth.Type))
	}

	if auth.RefreshBeforeExpiry < 0 {
		issues = append(issues, "refresh_before_expiry must be >= 0")
	}
	for _, h := range auth.Hosts {
		if strings.TrimSpace(h) == "" {
			issues = append(issues, "hosts cannot contain empty entries")
			break
		}
	}
	return issues
}

func validateResolver(r ResolverConfig) []string {
	var issues []string
	if r.RecoveryWindow < 0 {
		issues = append(issues, "resolver: recovery_window must be >= 0")
	}
	for host, addrs := range r.Hosts {
		if strings.TrimSpace(host) == "" {
			issues = append(issues, "resolver: host cannot be empty")
		}
		for _, addr := range addrs {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				issues = append(issues, fmt.Sprintf("resolver: %s: address %q must be host:port", host, addr))
			}
		}
	}
	return issues
}

func validateTracing(t TracingConfig) []string {
	var issues []string
	switch strings.ToLower(t.Protocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing: protocol must be 'grpc' or 'http', got %q", t.Protocol))
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		issues = append(issues, fmt.Sprintf("tracing: sample_rate must be between 0.0 and 1.0, got %g", t.SampleRate))
	}
	return issues
}
