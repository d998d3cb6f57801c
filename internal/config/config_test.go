package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestFromLookup_Defaults(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, BackendMemory, cfg.StorageBackend)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "billsync", cfg.MetricsNamespace)
	assert.False(t, cfg.BillingConfigured())
}

func TestFromLookup_Values(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"STRIPE_SECRET_KEY":     "sk_test_123",
		"STRIPE_WEBHOOK_SECRET": "whsec_123",
		"PUBLIC_BASE_URL":       "https://crm.example.com/",
		"STORAGE_BACKEND":       "Postgres",
		"POSTGRES_DSN":          "postgres://localhost/billing",
		"PROVIDER_TIMEOUT":      "3s",
		"WEBHOOK_RATE_LIMIT":    "120",
		"LOG_FORMAT":            "console",
	}))
	require.NoError(t, err)

	assert.True(t, cfg.BillingConfigured())
	assert.Equal(t, BackendPostgres, cfg.StorageBackend)
	assert.Equal(t, 3*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 120, cfg.WebhookRateLimit)
	assert.Equal(t, "https://crm.example.com/billing/success?session_id={CHECKOUT_SESSION_ID}", cfg.SuccessURL())
	assert.Equal(t, "https://crm.example.com/billing/cancel", cfg.CancelURL())
}

func TestFromLookup_BillingNeedsBothSecrets(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{"STRIPE_SECRET_KEY": "sk_test_123"}))
	require.NoError(t, err)
	assert.False(t, cfg.BillingConfigured())

	cfg, err = FromLookup(lookupFrom(map[string]string{"STRIPE_WEBHOOK_SECRET": "whsec_123"}))
	require.NoError(t, err)
	assert.False(t, cfg.BillingConfigured())
}

func TestFromLookup_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "unknown backend", env: map[string]string{"STORAGE_BACKEND": "mongo"}, wantErr: "unknown STORAGE_BACKEND"},
		{name: "postgres without dsn", env: map[string]string{"STORAGE_BACKEND": "postgres"}, wantErr: "POSTGRES_DSN"},
		{name: "tiered without dsn", env: map[string]string{"STORAGE_BACKEND": "tiered"}, wantErr: "POSTGRES_DSN"},
		{name: "firestore without project", env: map[string]string{"STORAGE_BACKEND": "firestore"}, wantErr: "FIRESTORE_PROJECT"},
		{name: "bad timeout", env: map[string]string{"PROVIDER_TIMEOUT": "soon"}, wantErr: "PROVIDER_TIMEOUT"},
		{name: "negative timeout", env: map[string]string{"PROVIDER_TIMEOUT": "-1s"}, wantErr: "PROVIDER_TIMEOUT"},
		{name: "bad rate limit", env: map[string]string{"WEBHOOK_RATE_LIMIT": "-5"}, wantErr: "WEBHOOK_RATE_LIMIT"},
		{name: "bad log format", env: map[string]string{"LOG_FORMAT": "xml"}, wantErr: "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromLookup(lookupFrom(tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("METRICS_NAMESPACE=from_file\nLISTEN_ADDR=:9999\n"), 0o600))
	t.Setenv("LISTEN_ADDR", ":7000")
	t.Setenv("METRICS_NAMESPACE", "")
	require.NoError(t, os.Unsetenv("METRICS_NAMESPACE"))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from_file", cfg.MetricsNamespace)
	assert.Equal(t, ":7000", cfg.ListenAddr)
}

func TestLoad_MissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}
