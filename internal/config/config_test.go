package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeNormal, cfg.Auth.SecurityMode)
	assert.False(t, cfg.Auth.IsHardened())
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.RefreshTokenTTL)
	assert.Equal(t, "memory", cfg.Auth.RefreshStore)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.Nil(t, cfg.RateLimit.Auth.Strict)
	assert.Contains(t, cfg.Upload.AllowedTypes, "image/png")
	assert.Equal(t, "gateway", cfg.Redis.KeyPrefix)
	assert.Equal(t, "0.0.0.0:8080", cfg.App.Addr())
	assert.Equal(t, 30*time.Second, cfg.App.RequestTimeout())
}

func TestProductionDefaultsToHardened(t *testing.T) {
	t.Setenv("APP_ENV", "Production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ModeHardened, cfg.Auth.SecurityMode)

	t.Setenv("AUTH_SECURITY_MODE", "normal")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, ModeNormal, cfg.Auth.SecurityMode, "explicit mode wins")
}

func TestPolicyOverridesFromEnv(t *testing.T) {
	t.Setenv("RATE_LIMIT_AUTH_LIMIT", "10")
	t.Setenv("RATE_LIMIT_AUTH_WINDOW", "1m")
	t.Setenv("RATE_LIMIT_AUTH_STRICT", "false")
	t.Setenv("RATE_LIMIT_GENERAL_ALGORITHM", "token-bucket")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.RateLimit.Auth.Limit)
	assert.Equal(t, time.Minute, cfg.RateLimit.Auth.Window)
	require.NotNil(t, cfg.RateLimit.Auth.Strict)
	assert.False(t, *cfg.RateLimit.Auth.Strict)
	assert.Equal(t, "token-bucket", cfg.RateLimit.General.Algorithm)
}

func TestLoadRejectsUnknownValues(t *testing.T) {
	cases := map[string][2]string{
		"security mode": {"AUTH_SECURITY_MODE", "paranoid"},
		"refresh store": {"AUTH_REFRESH_STORE", "etcd"},
		"limiter":       {"RATE_LIMIT_BACKEND", "memcached"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), kv[1])
		})
	}
}
