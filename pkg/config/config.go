// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the client pool configuration
// and the logic required to load and validate it.
//
// Configuration is resolved once when a pool is constructed; later changes to
// files or environment are not observed.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/clientpool/pkg/errors"
)

// Application credential strategy names recognized in auth.application_strategy.
const (
	// StrategyCLI acquires application credentials from the developer CLI
	// session.
	StrategyCLI = "cli"
	// StrategyManagedIdentity acquires application credentials from the
	// platform's managed identity endpoint.
	StrategyManagedIdentity = "managed-identity"
	// StrategyChain tries the managed identity endpoint first and falls back
	// to the CLI session.
	StrategyChain = "chain"
)

// envPrefix namespaces environment overrides, e.g.
// CLIENTPOOL_CACHE_CLIENT_CACHE_MAX_SIZE.
const envPrefix = "CLIENTPOOL"

// Config represents the configuration of the client pool.
type Config struct {
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`
	Auth  AuthConfig  `yaml:"auth" mapstructure:"auth"`
}

// CacheConfig contains the settings for the client and credential caches.
// All durations are expressed in milliseconds.
type CacheConfig struct {
	// KeyPrefix is the prefix for raw cache keys.
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`

	// ClientCacheSlidingTTLMs is the default client sliding TTL.
	ClientCacheSlidingTTLMs int64 `yaml:"client_cache_sliding_ttl" mapstructure:"client_cache_sliding_ttl"`

	// ClientCacheMaxSize bounds the number of concurrently cached clients.
	ClientCacheMaxSize int `yaml:"client_cache_max_size" mapstructure:"client_cache_max_size"`

	// ClientCacheBufferMs is the safety margin subtracted from a token's
	// remaining lifetime when deriving a client TTL, so the cache evicts
	// before the token actually expires.
	ClientCacheBufferMs int64 `yaml:"client_cache_buffer_ms" mapstructure:"client_cache_buffer_ms"`

	// CredentialCacheSlidingTTLMs is the application credential sliding TTL.
	CredentialCacheSlidingTTLMs int64 `yaml:"credential_cache_sliding_ttl" mapstructure:"credential_cache_sliding_ttl"`

	// CredentialCacheMaxSize bounds the number of cached application
	// credentials.
	CredentialCacheMaxSize int `yaml:"credential_cache_max_size" mapstructure:"credential_cache_max_size"`

	// CredentialCacheAbsoluteTTLMs is the hard expiry for application
	// credentials regardless of access.
	CredentialCacheAbsoluteTTLMs int64 `yaml:"credential_cache_absolute_ttl" mapstructure:"credential_cache_absolute_ttl"`
}

// ClientSlidingTTL returns the client sliding TTL as a duration.
func (c *CacheConfig) ClientSlidingTTL() time.Duration {
	return time.Duration(c.ClientCacheSlidingTTLMs) * time.Millisecond
}

// ClientBuffer returns the token-lifetime safety buffer as a duration.
func (c *CacheConfig) ClientBuffer() time.Duration {
	return time.Duration(c.ClientCacheBufferMs) * time.Millisecond
}

// CredentialSlidingTTL returns the credential sliding TTL as a duration.
func (c *CacheConfig) CredentialSlidingTTL() time.Duration {
	return time.Duration(c.CredentialCacheSlidingTTLMs) * time.Millisecond
}

// CredentialAbsoluteTTL returns the credential hard expiry as a duration.
func (c *CacheConfig) CredentialAbsoluteTTL() time.Duration {
	return time.Duration(c.CredentialCacheAbsoluteTTLMs) * time.Millisecond
}

// AuthConfig contains the settings consumed by the credential strategies.
type AuthConfig struct {
	// ApplicationStrategy selects how application credentials are acquired:
	// cli, managed-identity or chain.
	ApplicationStrategy string `yaml:"application_strategy" mapstructure:"application_strategy"`

	// TenantID is the identity provider tenant.
	TenantID string `yaml:"tenant_id" mapstructure:"tenant_id"`

	// ClientID is the application (client) id registered with the identity
	// provider.
	ClientID string `yaml:"client_id" mapstructure:"client_id"`

	// ClientSecret authenticates the application for the delegated
	// (on-behalf-of) flow. Mutually exclusive with CertificatePath.
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`

	// CertificatePath points at a PEM bundle (certificate plus private key)
	// authenticating the application for the delegated flow. Mutually
	// exclusive with ClientSecret.
	CertificatePath string `yaml:"certificate_path" mapstructure:"certificate_path"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			KeyPrefix:                    "client",
			ClientCacheSlidingTTLMs:      60_000,
			ClientCacheMaxSize:           100,
			ClientCacheBufferMs:          5_000,
			CredentialCacheSlidingTTLMs:  1_800_000,
			CredentialCacheMaxSize:       10,
			CredentialCacheAbsoluteTTLMs: 21_600_000,
		},
		Auth: AuthConfig{
			ApplicationStrategy: StrategyChain,
		},
	}
}

// LoadConfig resolves configuration from defaults, an optional YAML file at
// path, and CLIENTPOOL_* environment overrides, in increasing precedence.
// An empty path skips file loading entirely.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("cache.key_prefix", defaults.Cache.KeyPrefix)
	v.SetDefault("cache.client_cache_sliding_ttl", defaults.Cache.ClientCacheSlidingTTLMs)
	v.SetDefault("cache.client_cache_max_size", defaults.Cache.ClientCacheMaxSize)
	v.SetDefault("cache.client_cache_buffer_ms", defaults.Cache.ClientCacheBufferMs)
	v.SetDefault("cache.credential_cache_sliding_ttl", defaults.Cache.CredentialCacheSlidingTTLMs)
	v.SetDefault("cache.credential_cache_max_size", defaults.Cache.CredentialCacheMaxSize)
	v.SetDefault("cache.credential_cache_absolute_ttl", defaults.Cache.CredentialCacheAbsoluteTTLMs)
	v.SetDefault("auth.application_strategy", defaults.Auth.ApplicationStrategy)
	v.SetDefault("auth.tenant_id", defaults.Auth.TenantID)
	v.SetDefault("auth.client_id", defaults.Auth.ClientID)
	v.SetDefault("auth.client_secret", defaults.Auth.ClientSecret)
	v.SetDefault("auth.certificate_path", defaults.Auth.CertificatePath)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.NewInvalidConfigError(fmt.Sprintf("failed to read config file %s", path), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.NewInvalidConfigError("failed to unmarshal configuration", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteFile persists the configuration as YAML at path, creating parent
// directories as needed. The file may contain secret material and is written
// with owner-only permissions.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.NewInvalidConfigError("failed to serialize configuration", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.NewInvalidConfigError(fmt.Sprintf("failed to create config directory for %s", path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.NewInvalidConfigError(fmt.Sprintf("failed to write config file %s", path), err)
	}
	return nil
}

// Validate rejects malformed or contradictory settings.
func (c *Config) Validate() error {
	if c.Cache.ClientCacheSlidingTTLMs <= 0 {
		return errors.NewInvalidConfigError("cache.client_cache_sliding_ttl must be positive", nil)
	}
	if c.Cache.ClientCacheMaxSize <= 0 {
		return errors.NewInvalidConfigError("cache.client_cache_max_size must be positive", nil)
	}
	if c.Cache.ClientCacheBufferMs <= 0 {
		return errors.NewInvalidConfigError("cache.client_cache_buffer_ms must be positive", nil)
	}
	if c.Cache.ClientCacheBufferMs >= c.Cache.ClientCacheSlidingTTLMs {
		return errors.NewInvalidConfigError(
			"cache.client_cache_buffer_ms must be smaller than cache.client_cache_sliding_ttl", nil)
	}
	if c.Cache.CredentialCacheSlidingTTLMs <= 0 {
		return errors.NewInvalidConfigError("cache.credential_cache_sliding_ttl must be positive", nil)
	}
	if c.Cache.CredentialCacheMaxSize <= 0 {
		return errors.NewInvalidConfigError("cache.credential_cache_max_size must be positive", nil)
	}
	if c.Cache.CredentialCacheAbsoluteTTLMs <= 0 {
		return errors.NewInvalidConfigError("cache.credential_cache_absolute_ttl must be positive", nil)
	}

	switch c.Auth.ApplicationStrategy {
	case StrategyCLI, StrategyManagedIdentity, StrategyChain:
	default:
		return errors.NewInvalidConfigError(fmt.Sprintf(
			"auth.application_strategy must be one of %s, %s, %s",
			StrategyCLI, StrategyManagedIdentity, StrategyChain), nil)
	}

	if c.Auth.ClientSecret != "" && c.Auth.CertificatePath != "" {
		return errors.NewInvalidConfigError(
			"auth.client_secret and auth.certificate_path are mutually exclusive", nil)
	}

	return nil
}
