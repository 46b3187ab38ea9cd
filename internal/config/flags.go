package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all loader flags on a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	ConfigureFlags(cmd.Flags())
}

// ConfigureFlags registers the loader flags on an existing flag set, so a host program can embed them.
func ConfigureFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to configuration file (JSON or YAML)")
	flags.String("user-agent", "", "User-Agent header applied to requests without one")

	// Pacing and retry flags
	flags.Float64P("rate", "r", DefaultRequestsPerSecond, "Default requests per second per service (0 means unlimited)")
	flags.StringToString("service-rate", nil, "Per-service rate override in url=rps form (repeatable)")
	flags.Duration("timeout", DefaultTimeout, "Default per-request timeout")
	flags.Int("retries", DefaultMaxRetries, "Default maximum retry count per request")
	flags.IntSlice("retry-status", nil, "HTTP status retried in addition to 5xx (repeatable)")
	flags.Duration("backoff-initial", DefaultInitialBackoff, "Initial retry backoff")
	flags.Duration("backoff-max", DefaultMaximumBackoff, "Maximum retry backoff")
	flags.Float64("backoff-jitter", DefaultJitter, "Relative backoff jitter in [0, 1)")
	flags.String("executor", string(ExecutorSerial), "Delegate callback executor: 'serial' or 'inline'")

	// Auth flags
	flags.String("bearer-token", "", "Static bearer token authoriser appended after configured authorisers")
	flags.StringSlice("bearer-hosts", nil, "Hosts the --bearer-token applies to (default: every host)")

	// Resolver flags
	flags.StringSlice("resolve", nil, "Pin a host to an address in host=ip:port form (repeatable)")
	flags.Duration("recovery-window", DefaultRecoveryWindow, "How long an unreachable pinned address is skipped")

	// Observability flags
	flags.String("log-level", DefaultLogLevel, "Log level (trace, debug, info, warn, error, disabled)")
	flags.Bool("log-pretty", false, "Human readable console logging")
	flags.Bool("json", false, "Print the run summary as JSON")
	flags.String("tracing-endpoint", "", "OTLP exporter endpoint (enables tracing)")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: 'grpc' or 'http'")
	flags.Bool("tracing-insecure", false, "Disable TLS for the OTLP exporter")
	flags.Float64("tracing-sample-rate", 1, "Trace sample rate between 0.0 and 1.0")
	flags.Bool("tracing-propagate", true, "Inject W3C trace context headers into requests")
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file and environment.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("user-agent") {
		val, err := fs.GetString("user-agent")
		if err != nil {
			return err
		}
		cfg.UserAgent = val
	}
	if fs.Changed("rate") {
		val, err := fs.GetFloat64("rate")
		if err != nil {
			return err
		}
		cfg.RequestsPerSecond = val
	}
	if fs.Changed("service-rate") {
		vals, err := fs.GetStringToString("service-rate")
		if err != nil {
			return err
		}
		if cfg.ServiceRates == nil {
			cfg.ServiceRates = map[string]float64{}
		}
		for k, raw := range vals {
			rps, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return fmt.Errorf("service-rate %s: %w", k, err)
			}
			cfg.ServiceRates[strings.TrimSpace(k)] = rps
		}
	}
	if fs.Changed("timeout") {
		val, err := fs.GetDuration("timeout")
		if err != nil {
			return err
		}
		cfg.Timeout = val
	}
	if fs.Changed("retries") {
		val, err := fs.GetInt("retries")
		if err != nil {
			return err
		}
		cfg.MaxRetries = val
	}
	if fs.Changed("retry-status") {
		val, err := fs.GetIntSlice("retry-status")
		if err != nil {
			return err
		}
		cfg.RetryableStatuses = val
	}
	if err := overrideDuration(fs, "backoff-initial", &cfg.Backoff.Initial); err != nil {
		return err
	}
	if err := overrideDuration(fs, "backoff-max", &cfg.Backoff.Maximum); err != nil {
		return err
	}
	if fs.Changed("backoff-jitter") {
		val, err := fs.GetFloat64("backoff-jitter")
		if err != nil {
			return err
		}
		cfg.Backoff.Jitter = val
	}
	if fs.Changed("executor") {
		val, err := fs.GetString("executor")
		if err != nil {
			return err
		}
		cfg.Executor = Executor(val)
	}
	if fs.Changed("bearer-token") {
		token, err := fs.GetString("bearer-token")
		if err != nil {
			return err
		}
		hosts, err := fs.GetStringSlice("bearer-hosts")
		if err != nil {
			return err
		}
		cfg.Auth = append(cfg.Auth, AuthConfig{
			Name:        "bearer-flag",
			Type:        AuthTypeStatic,
			StaticToken: strings.TrimSpace(token),
			Hosts:       hosts,
		})
	}
	if fs.Changed("resolve") {
		entries, err := fs.GetStringSlice("resolve")
		if err != nil {
			return err
		}
		if cfg.Resolver.Hosts == nil {
			cfg.Resolver.Hosts = map[string][]string{}
		}
		for _, entry := range entries {
			host, addr, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(host) == "" {
				return fmt.Errorf("resolve %q: expected host=ip:port", entry)
			}
			host = strings.ToLower(strings.TrimSpace(host))
			cfg.Resolver.Hosts[host] = append(cfg.Resolver.Hosts[host], strings.TrimSpace(addr))
		}
	}
	if err := overrideDuration(fs, "recovery-window", &cfg.Resolver.RecoveryWindow); err != nil {
		return err
	}
	if fs.Changed("log-level") {
		val, err := fs.GetString("log-level")
		if err != nil {
			return err
		}
		cfg.Log.Level = val
	}
	if fs.Changed("json") {
		val, err := fs.GetBool("json")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("log-pretty") {
		val, err := fs.GetBool("log-pretty")
		if err != nil {
			return err
		}
		cfg.Log.Pretty = val
	}
	if fs.Changed("tracing-endpoint") {
		val, err := fs.GetString("tracing-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = strings.TrimSpace(val)
	}
	if fs.Changed("tracing-protocol") {
		val, err := fs.GetString("tracing-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = val
	}
	if fs.Changed("tracing-insecure") {
		val, err := fs.GetBool("tracing-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if fs.Changed("tracing-sample-rate") {
		val, err := fs.GetFloat64("tracing-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("tracing-propagate") {
		val, err := fs.GetBool("tracing-propagate")
		if err != nil {
			return err
		}
		cfg.Tracing.Propagate = &val
	}
	return nil
}

func overrideDuration(fs *pflag.FlagSet, name string, dst *time.Duration) error {
	if !fs.Changed(name) {
		return nil
	}
	val, err := fs.GetDuration(name)
	if err != nil {
		return err
	}
	*dst = val
	return nil
}
