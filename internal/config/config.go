package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	API        APIConfig
	Session    SessionConfig
	Credential CredentialStoreConfig
	Cache      CacheConfig
	HTTP       HTTPConfig
	Observe    ObserveConfig
}

type APIConfig struct {
	BaseURL   string `env:"API_BASE_URL, required"`
	UserAgent string `env:"API_USER_AGENT, default=marketplace-session"`
}

// SessionConfig controls the token lifecycle.
type SessionConfig struct {
	// RenewalSkewSeconds is the margin before access credential expiry at which
	// the renewal timer fires.
	RenewalSkewSeconds int `env:"SESSION_RENEWAL_SKEW_SECS, default=60"`

	// RenewalRetryAttempts is the number of additional renewal attempts made
	// after a transient failure. Zero means a failed renewal ends the session
	// immediately.
	RenewalRetryAttempts int `env:"SESSION_RENEWAL_RETRY_ATTEMPTS, default=0"`

	// ReactiveRenewalEnabled allows a rejected access credential (HTTP 401) to
	// trigger a renewal in addition to the timer.
	ReactiveRenewalEnabled bool `env:"SESSION_REACTIVE_RENEWAL_ENABLED, default=true"`

	// ReactiveRenewalMinIntervalSeconds throttles reactive renewals.
	ReactiveRenewalMinIntervalSeconds int `env:"SESSION_REACTIVE_RENEWAL_MIN_INTERVAL_SECS, default=10"`
}

func (c SessionConfig) RenewalSkew() time.Duration {
	return time.Duration(c.RenewalSkewSeconds) * time.Second
}

func (c SessionConfig) ReactiveRenewalMinInterval() time.Duration {
	return time.Duration(c.ReactiveRenewalMinIntervalSeconds) * time.Second
}

// CredentialStoreConfig selects where the credential set is persisted between
// process restarts.
type CredentialStoreConfig struct {
	// Type selects the persister: "memory" (default), "file" or "keyring".
	Type string `env:"CREDENTIAL_STORE_TYPE, default=memory"`

	// Path is the directory holding the credential file when Type is "file".
	Path string `env:"CREDENTIAL_STORE_PATH"`

	// Service names the keyring entry's service when Type is "keyring".
	Service string `env:"CREDENTIAL_STORE_SERVICE, default=marketplace-session"`

	// Key is the well-known name the credential set is stored under.
	Key string `env:"CREDENTIAL_STORE_KEY, default=marketplace.session"`
}

// CacheConfig specifies the read-through cache settings.
type CacheConfig struct {
	TTLSeconds int `env:"CACHE_TTL_SECS, default=300"`
	MaxSize    int `env:"CACHE_MAX_SIZE, default=10000"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type HTTPConfig struct {
	MaxIdleConns    int `env:"HTTP_MAX_IDLE_CONNS, default=100"`
	MaxConnsPerHost int `env:"HTTP_MAX_CONNS_PER_HOST, default=20"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=marketplace-session"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Validate()
	if err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("invalid session configuration: %w", err)
	}
	if err := c.Credential.Validate(); err != nil {
		return fmt.Errorf("invalid credential store configuration: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("invalid cache configuration: %w", err)
	}
	return nil
}

func (c SessionConfig) Validate() error {
	if c.RenewalSkewSeconds < 0 {
		return fmt.Errorf("SESSION_RENEWAL_SKEW_SECS must not be negative")
	}
	if c.RenewalRetryAttempts < 0 {
		return fmt.Errorf("SESSION_RENEWAL_RETRY_ATTEMPTS must not be negative")
	}
	if c.ReactiveRenewalMinIntervalSeconds < 0 {
		return fmt.Errorf("SESSION_REACTIVE_RENEWAL_MIN_INTERVAL_SECS must not be negative")
	}
	return nil
}

func (c CredentialStoreConfig) Validate() error {
	switch c.Type {
	case "memory":
	case "file":
		if c.Path == "" {
			return fmt.Errorf("CREDENTIAL_STORE_PATH required when CREDENTIAL_STORE_TYPE=file")
		}
	case "keyring":
		if c.Service == "" {
			return fmt.Errorf("CREDENTIAL_STORE_SERVICE required when CREDENTIAL_STORE_TYPE=keyring")
		}
	default:
		return fmt.Errorf("invalid credential store type %q: must be one of \"memory\", \"file\" or \"keyring\"", c.Type)
	}

	if c.Key == "" {
		return fmt.Errorf("CREDENTIAL_STORE_KEY must not be empty")
	}

	return nil
}

func (c CacheConfig) Validate() error {
	if c.TTLSeconds <= 0 {
		return fmt.Errorf("CACHE_TTL_SECS must be positive")
	}
	if c.MaxSize <= 0 {
		return fmt.Errorf("CACHE_MAX_SIZE must be positive")
	}
	return nil
}
