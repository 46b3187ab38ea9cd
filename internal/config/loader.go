package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DATALOADER_BACKOFF_INITIAL.
const EnvPrefix = "DATALOADER"

// keyDelimiter replaces viper's "." so URL and host keys survive nesting.
const keyDelimiter = "::"

// ErrHelpRequested is returned by Load when --help printed the usage instead of loading.
var ErrHelpRequested = errors.New("help requested")

var lookupEnv = os.Getenv

var envKeys = []string{
	"user_agent",
	"requests_per_second",
	"timeout",
	"max_retries",
	"retryable_statuses",
	"executor",
	"backoff::initial",
	"backoff::maximum",
	"backoff::jitter",
	"resolver::recovery_window",
	"tracing::endpoint",
	"tracing::protocol",
	"tracing::service_name",
	"tracing::sample_rate",
	"tracing::insecure",
	"tracing::propagate",
	"log::level",
	"log::pretty",
	"json_output",
}

// Loader handles loading configuration from files, the environment and command-line arguments.
type Loader struct {
	out io.Writer
}

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{out: os.Stdout}
}

// Command returns the root command. Cobra parses the flags and positional target URLs
// and serves --help; run receives the merged configuration.
func (l Loader) Command(run func(cmd *cobra.Command, cfg *Config) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dataloader [flags] [URL...]",
		Short:         "Fetch URLs with per-service pacing, retries and authorisation",
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := l.FromFlags(cmd.Flags(), args)
			if err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}
	cmd.SetOut(l.out)
	RegisterFlags(cmd)
	return cmd
}

// Load parses args through the root command and returns the merged configuration.
func (l Loader) Load(args []string) (*Config, error) {
	var cfg *Config
	cmd := l.Command(func(_ *cobra.Command, loaded *Config) error {
		cfg = loaded
		return nil
	})
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrHelpRequested
	}
	return cfg, nil
}

// FromFlags merges defaults, the config file named by --config, DATALOADER_* variables and
// the parsed flags, in increasing order of precedence. Non-empty targets replace configured ones.
func (l Loader) FromFlags(fs *pflag.FlagSet, targets []string) (*Config, error) {
	configPath, err := fs.GetString("config")
	if err != nil {
		return nil, err
	}
	configPath = strings.TrimSpace(configPath)

	cfgViper := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	cfgViper.SetEnvPrefix(EnvPrefix)
	cfgViper.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	for _, key := range envKeys {
		if err := cfgViper.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	cfg := Default()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(cfg, cfgViper.AllSettings()); err != nil {
		return nil, err
	}

	if err := applyFlagOverrides(cfg, fs); err != nil {
		return nil, err
	}
	if len(targets) > 0 {
		cfg.Targets = targets
	}

	normalize(cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.UserAgent = strings.TrimSpace(cfg.UserAgent)
	cfg.Executor = Executor(strings.ToLower(strings.TrimSpace(string(cfg.Executor))))
	if cfg.Executor == "" {
		cfg.Executor = ExecutorSerial
	}
	cfg.Tracing.Protocol = strings.ToLower(strings.TrimSpace(cfg.Tracing.Protocol))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.ServiceRates == nil {
		cfg.ServiceRates = map[string]float64{}
	}
	for i := range cfg.Auth {
		fillSecretsFromEnv(&cfg.Auth[i])
	}
}

// fillSecretsFromEnv reads DATALOADER_AUTH_<NAME>_{CLIENT_SECRET,PASSWORD,STATIC_TOKEN} when the file leaves them empty.
func fillSecretsFromEnv(auth *AuthConfig) {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(auth.Identifier()))
	prefix := EnvPrefix + "_AUTH_" + name + "_"
	if auth.ClientSecret == "" {
		auth.ClientSecret = lookupEnv(prefix + "CLIENT_SECRET")
	}
	if auth.Password == "" {
		auth.Password = lookupEnv(prefix + "PASSWORD")
	}
	if auth.StaticToken == "" {
		auth.StaticToken = lookupEnv(prefix + "STATIC_TOKEN")
	}
}

// applyConfigSettings applies settings from the config file and environment to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "user_agent", "useragent", "user-agent"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("user_agent: %w", err)
		}
		cfg.UserAgent = val
	}

	if raw, ok := lookupSetting(settings, "requests_per_second", "requestspersecond", "rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("requests_per_second: %w", err)
		}
		cfg.RequestsPerSecond = val
	}

	if raw, ok := lookupSetting(settings, "service_rates", "servicerates", "service-rates"); ok {
		rates, err := asFloatMap(raw)
		if err != nil {
			return fmt.Errorf("service_rates: %w", err)
		}
		cfg.ServiceRates = rates
	}

	if raw, ok := lookupSetting(settings, "timeout"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		cfg.Timeout = dur
	}

	if raw, ok := lookupSetting(settings, "max_retries", "maxretries", "retries"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("max_retries: %w", err)
		}
		cfg.MaxRetries = val
	}

	if raw, ok := lookupSetting(settings, "retryable_statuses", "retryablestatuses", "retryable-statuses"); ok {
		codes, err := asIntSlice(raw)
		if err != nil {
			return fmt.Errorf("retryable_statuses: %w", err)
		}
		cfg.RetryableStatuses = codes
	}

	if raw, ok := lookupSetting(settings, "executor"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("executor: %w", err)
		}
		cfg.Executor = Executor(val)
	}

	if raw, ok := lookupSetting(settings, "backoff"); ok {
		entry, err := toStringKeyMap(raw)
		if err != nil {
			return fmt.Errorf("backoff: %w", err)
		}
		if err := applyBackoff(&cfg.Backoff, entry); err != nil {
			return fmt.Errorf("backoff: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "targets"); ok {
		targets, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("targets: %w", err)
		}
		cfg.Targets = targets
	}

	if raw, ok := lookupSetting(settings, "json_output", "jsonoutput", "json"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("json_output: %w", err)
		}
		cfg.JSONOutput = val
	}

	if raw, ok := lookupSetting(settings, "auth"); ok {
		auth, err := parseAuthList(raw)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		cfg.Auth = auth
	}

	if raw, ok := lookupSetting(settings, "resolver"); ok {
		entry, err := toStringKeyMap(raw)
		if err != nil {
			return fmt.Errorf("resolver: %w", err)
		}
		if err := applyResolver(&cfg.Resolver, entry); err != nil {
			return fmt.Errorf("resolver: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		entry, err := toStringKeyMap(raw)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		if err := applyTracing(&cfg.Tracing, entry); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "log"); ok {
		entry, err := toStringKeyMap(raw)
		if err != nil {
			return fmt.Errorf("log: %w", err)
		}
		if raw, ok := lookupSetting(entry, "level"); ok {
			val, err := asString(raw)
			if err != nil {
				return fmt.Errorf("log: level: %w", err)
			}
			cfg.Log.Level = val
		}
		if raw, ok := lookupSetting(entry, "pretty"); ok {
			val, err := asBool(raw)
			if err != nil {
				return fmt.Errorf("log: pretty: %w", err)
			}
			cfg.Log.Pretty = val
		}
	}

	return nil
}

func applyBackoff(b *BackoffConfig, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "initial"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("initial: %w", err)
		}
		b.Initial = dur
	}
	if raw, ok := lookupSetting(settings, "maximum", "max"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("maximum: %w", err)
		}
		b.Maximum = dur
	}
	if raw, ok := lookupSetting(settings, "jitter"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("jitter: %w", err)
		}
		b.Jitter = val
	}
	return nil
}

func applyResolver(r *ResolverConfig, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "recovery_window", "recoverywindow", "recovery-window"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("recovery_window: %w", err)
		}
		r.RecoveryWindow = dur
	}
	if raw, ok := lookupSetting(settings, "hosts"); ok {
		hosts, err := asStringSliceMap(raw)
		if err != nil {
			return fmt.Errorf("hosts: %w", err)
		}
		r.Hosts = hosts
	}
	return nil
}

func applyTracing(t *TracingConfig, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
		t.Endpoint = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("protocol: %w", err)
		}
		t.Protocol = val
	}
	if raw, ok := lookupSetting(settings, "service_name", "servicename", "service-name"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("service_name: %w", err)
		}
		t.ServiceName = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "sample_rate", "samplerate", "sample-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("sample_rate: %w", err)
		}
		t.SampleRate = val
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
		t.Insecure = val
	}
	if raw, ok := lookupSetting(settings, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("propagate: %w", err)
		}
		t.Propagate = &val
	}
	return nil
}

func parseAuthList(value interface{}) ([]AuthConfig, error) {
	if value == nil {
		return nil, nil
	}
	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, err
	}
	auths := make([]AuthConfig, 0, len(items))
	for idx, item := range items {
		entry, err := toStringKeyMap(item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		auth, err := buildAuthConfig(entry)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", idx, err)
		}
		auths = append(auths, auth)
	}
	return auths, nil
}

func buildAuthConfig(settings map[string]interface{}) (AuthConfig, error) {
	var auth AuthConfig
	if raw, ok := lookupSetting(settings, "name"); ok {
		val, err := asString(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("name: %w", err)
		}
		auth.Name = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "type"); ok {
		val, err := asString(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("type: %w", err)
		}
		auth.Type = AuthType(strings.ToLower(strings.TrimSpace(val)))
	}
	if raw, ok := lookupSetting(settings, "hosts"); ok {
		hosts, err := asStringSlice(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("hosts: %w", err)
		}
		auth.Hosts = hosts
	}
	if raw, ok := lookupSetting(settings, "scheme"); ok {
		val, err := asString(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("scheme: %w", err)
		}
		auth.Scheme = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "tokenurl", "token_url", "token-url"); ok {
		val, err := asString(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("token_url: %w", err)
		}
		auth.TokenURL = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "clientid", "client_id", "client-id"); ok {
		val, err := asString(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("client_id: %w", err)
		}
		auth.ClientID = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "clientsecret", "client_secret", "client-secret"); ok {
		val, err := asString(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("client_secret: %w", err)
		}
		auth.ClientSecret = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "username"); ok {
		val, err := asString(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("username: %w", err)
		}
		auth.Username = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "password"); ok {
		val, err := asString(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("password: %w", err)
		}
		auth.Password = val
	}
	if raw, ok := lookupSetting(settings, "scopes"); ok {
		scopes, err := asStringSlice(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("scopes: %w", err)
		}
		auth.Scopes = scopes
	}
	if raw, ok := lookupSetting(settings, "statictoken", "static_token", "static-token"); ok {
		val, err := asString(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("static_token: %w", err)
		}
		auth.StaticToken = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "refreshbeforeexpiry", "refresh_before_expiry", "refresh-before-expiry"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return AuthConfig{}, fmt.Errorf("refresh_before_expiry: %w", err)
		}
		auth.RefreshBeforeExpiry = dur
	}
	return auth, nil
}
