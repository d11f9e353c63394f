// Package config reads the client and CLI settings from ZATCA_* environment variables,
// an optional zatca.yaml and an optional .env file.
package config

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/alapierre/go-zatca-client/zatca"
	"github.com/alapierre/go-zatca-client/zatca/chain"
)

const envPrefix = "ZATCA"

type Config struct {
	Environment zatca.Environment
	// BaseURL overrides the environment URL when set.
	BaseURL    string
	APIVersion string
	Language   string
	Timeout    time.Duration
	// UnitFile is the snapshot of the onboarded unit.
	UnitFile string
	// ChainStore is "file", "sqlite" or "redis".
	ChainStore string
	// ChainFile holds the chain heads of all units, a JSON file or a SQLite database.
	ChainFile     string
	RedisAddr     string
	RedisPassword string
	OTP           string
	// RateLimit caps calls to the authority per second, 0 disables the limit.
	RateLimit float64
	RateBurst int
}

// Load reads the configuration looking for zatca.yaml and .env in dirs, the working
// directory when none is given. Environment variables win over zatca.yaml, which wins
// over .env.
func Load(dirs ...string) (*Config, error) {
	if len(dirs) == 0 {
		dirs = []string{"."}
	}

	v := viper.New()
	v.SetConfigName("zatca")
	v.SetConfigType("yaml")
	for _, d := range dirs {
		v.AddConfigPath(d)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read zatca.yaml")
		}
	}

	if err := loadDotEnv(v, dirs); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		BaseURL:       getString(v, "base_url", ""),
		APIVersion:    getString(v, "api_version", zatca.DefaultAPIVersion),
		Language:      strings.ToLower(getString(v, "language", "en")),
		UnitFile:      getString(v, "unit_file", "unit.json"),
		ChainStore:    strings.ToLower(getString(v, "chain_store", "file")),
		ChainFile:     getString(v, "chain_file", "chain.json"),
		RedisAddr:     getString(v, "redis_addr", "localhost:6379"),
		RedisPassword: getString(v, "redis_password", ""),
		OTP:           getString(v, "otp", ""),
		RateLimit:     v.GetFloat64("rate_limit"),
		RateBurst:     v.GetInt("rate_burst"),
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	if err := cfg.Environment.UnmarshalText([]byte(getString(v, "env", zatca.Sandbox.Name()))); err != nil {
		return nil, err
	}

	timeout, err := getDuration(v, "timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.Timeout = timeout

	if cfg.Language != "en" && cfg.Language != "ar" {
		return nil, errors.Errorf("invalid %s_LANGUAGE: %q (allowed: en, ar)", envPrefix, cfg.Language)
	}
	switch cfg.ChainStore {
	case "file", "sqlite", "redis":
	default:
		return nil, errors.Errorf("invalid %s_CHAIN_STORE: %q (allowed: file, sqlite, redis)", envPrefix, cfg.ChainStore)
	}
	if cfg.RateLimit < 0 {
		return nil, errors.Errorf("invalid %s_RATE_LIMIT: %v", envPrefix, cfg.RateLimit)
	}
	return cfg, nil
}

// loadDotEnv registers ZATCA_* entries of the first .env found in dirs as defaults.
func loadDotEnv(v *viper.Viper, dirs []string) error {
	env := viper.New()
	env.SetConfigName(".env")
	env.SetConfigType("env")
	for _, d := range dirs {
		env.AddConfigPath(d)
	}
	if err := env.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "read .env")
	}

	prefix := strings.ToLower(envPrefix) + "_"
	for _, k := range env.AllKeys() {
		if strings.HasPrefix(k, prefix) {
			v.SetDefault(strings.TrimPrefix(k, prefix), env.Get(k))
		}
	}
	return nil
}

func getString(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		if s := v.GetString(key); s != "" {
			return s
		}
	}
	return def
}

func getDuration(v *viper.Viper, key string, def time.Duration) (time.Duration, error) {
	if !v.IsSet(key) {
		return def, nil
	}
	s := v.GetString(key)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s_%s", envPrefix, strings.ToUpper(key))
	}
	return d, nil
}

// HTTPClient returns a client with the configured timeout.
func (c *Config) HTTPClient() *http.Client {
	return &http.Client{Timeout: c.Timeout}
}

// ClientOptions returns the zatca client options derived from the configuration.
func (c *Config) ClientOptions() []zatca.ClientOption {
	opts := []zatca.ClientOption{zatca.WithAPIVersion(c.APIVersion)}
	if c.BaseURL != "" {
		opts = append(opts, zatca.WithBaseURL(c.BaseURL))
	}
	if c.RateLimit > 0 {
		opts = append(opts, zatca.WithRateLimiter(rate.NewLimiter(rate.Limit(c.RateLimit), c.RateBurst)))
	}
	return opts
}

// OpenChainStore opens the configured chain store. The returned function releases it.
func (c *Config) OpenChainStore(ctx context.Context) (chain.Store, func() error, error) {
	switch c.ChainStore {
	case "sqlite":
		s, err := chain.OpenSQLite(ctx, c.ChainFile)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, errors.Wrap(err, "connect to redis")
		}
		return chain.NewRedisStore(client, ""), client.Close, nil
	default:
		s, err := chain.NewFileStore(c.ChainFile)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	}
}
