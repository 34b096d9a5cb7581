// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/clientpool/pkg/errors"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "client", cfg.Cache.KeyPrefix)
	assert.Equal(t, time.Minute, cfg.Cache.ClientSlidingTTL())
	assert.Equal(t, 5*time.Second, cfg.Cache.ClientBuffer())
	assert.Equal(t, 30*time.Minute, cfg.Cache.CredentialSlidingTTL())
	assert.Equal(t, 6*time.Hour, cfg.Cache.CredentialAbsoluteTTL())
	assert.Equal(t, StrategyChain, cfg.Auth.ApplicationStrategy)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, `
cache:
  key_prefix: graph
  client_cache_sliding_ttl: 120000
  client_cache_max_size: 50
auth:
  application_strategy: cli
  tenant_id: tenant-1
  client_id: client-1
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "graph", cfg.Cache.KeyPrefix)
	assert.Equal(t, 2*time.Minute, cfg.Cache.ClientSlidingTTL())
	assert.Equal(t, 50, cfg.Cache.ClientCacheMaxSize)
	// Unset keys keep their defaults.
	assert.Equal(t, DefaultConfig().Cache.ClientCacheBufferMs, cfg.Cache.ClientCacheBufferMs)
	assert.Equal(t, StrategyCLI, cfg.Auth.ApplicationStrategy)
	assert.Equal(t, "tenant-1", cfg.Auth.TenantID)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CLIENTPOOL_CACHE_CLIENT_CACHE_MAX_SIZE", "7")
	t.Setenv("CLIENTPOOL_AUTH_APPLICATION_STRATEGY", "managed-identity")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Cache.ClientCacheMaxSize)
	assert.Equal(t, StrategyManagedIdentity, cfg.Auth.ApplicationStrategy)
}

func TestWriteFileRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Cache.KeyPrefix = "graph"
	cfg.Auth.ApplicationStrategy = StrategyManagedIdentity
	cfg.Auth.ClientID = "client-1"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.WriteFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrInvalidConfig))
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero sliding ttl", func(c *Config) { c.Cache.ClientCacheSlidingTTLMs = 0 }},
		{"negative max size", func(c *Config) { c.Cache.ClientCacheMaxSize = -1 }},
		{"zero buffer", func(c *Config) { c.Cache.ClientCacheBufferMs = 0 }},
		{"buffer swallows sliding ttl", func(c *Config) { c.Cache.ClientCacheBufferMs = c.Cache.ClientCacheSlidingTTLMs }},
		{"zero credential ttl", func(c *Config) { c.Cache.CredentialCacheSlidingTTLMs = 0 }},
		{"zero credential size", func(c *Config) { c.Cache.CredentialCacheMaxSize = 0 }},
		{"zero credential absolute ttl", func(c *Config) { c.Cache.CredentialCacheAbsoluteTTLMs = 0 }},
		{"unknown strategy", func(c *Config) { c.Auth.ApplicationStrategy = "keytab" }},
		{"secret and certificate together", func(c *Config) {
			c.Auth.ClientSecret = "s3cr3t"
			c.Auth.CertificatePath = "/etc/pki/app.pem"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrInvalidConfig))
		})
	}
}
