package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("EXPORT_CONCURRENCY", "")
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("CLERK_SECRET_KEY", "")
	t.Setenv("AUTH_ALLOW_ANONYMOUS", "")
	t.Setenv("STORAGE_ALLOW_PRIVATE_SOURCES", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.ClerkSecretKey)
	assert.False(t, cfg.AllowAnonymous)
	assert.False(t, cfg.Storage.AllowPrivateSources)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 1, cfg.Export.Concurrency)
	assert.Equal(t, 44100, cfg.Export.SampleRate)
	assert.Equal(t, "portrait", cfg.Export.DefaultPreset)
	assert.Equal(t, "local", cfg.Storage.Backend)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("EXPORT_CONCURRENCY", "4")
	t.Setenv("FFMPEG_FAST_PRESETS", "no")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("CLERK_SECRET_KEY", "sk_test_123")
	t.Setenv("AUTH_ALLOW_ANONYMOUS", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 4, cfg.Export.Concurrency)
	assert.False(t, cfg.FFmpegFastPresets)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "sk_test_123", cfg.ClerkSecretKey)
	assert.True(t, cfg.AllowAnonymous)
}

func TestEnvHelpers(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"unset", "", 7},
		{"number", "12", 12},
		{"garbage", "twelve", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("COMPOSER_TEST_INT", tt.value)
			assert.Equal(t, tt.want, getEnvInt("COMPOSER_TEST_INT", 7))
		})
	}

	t.Setenv("COMPOSER_TEST_DURATION", "90m")
	assert.Equal(t, 90*time.Minute, getEnvDuration("COMPOSER_TEST_DURATION", time.Hour))
	t.Setenv("COMPOSER_TEST_DURATION", "-1s")
	assert.Equal(t, time.Hour, getEnvDuration("COMPOSER_TEST_DURATION", time.Hour))

	t.Setenv("COMPOSER_TEST_BOOL", "1")
	assert.True(t, getEnvBool("COMPOSER_TEST_BOOL", false))
	t.Setenv("COMPOSER_TEST_LIST", " , ")
	assert.Equal(t, []string{"x"}, getEnvList("COMPOSER_TEST_LIST", []string{"x"}))
}
