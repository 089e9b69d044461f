package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOffset(t *testing.T) {
	cases := map[string]int{
		"+05:30": 5*3600 + 30*60,
		"-04:00": -4 * 3600,
		"Z":      0,
		"":       0,
		"UTC":    0,
	}
	for in, want := range cases {
		got, err := ParseOffset(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseOffset("Asia/Kolkata")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{TimezoneOffset: "+05:30"}
	require.ErrorIs(t, cfg.Validate(), ErrMissingAppKey)

	cfg.AppKey = "base64:secret"
	require.NoError(t, cfg.Validate())

	cfg.TLS.Enable = true
	require.Error(t, cfg.Validate())

	cfg.TLS.CertPath = "cert.pem"
	cfg.TLS.KeyPath = "key.pem"
	require.NoError(t, cfg.Validate())

	cfg.TimezoneOffset = "bogus"
	require.Error(t, cfg.Validate())
}

func TestAuthSecretFallback(t *testing.T) {
	cfg := &Config{AppKey: "app"}
	require.Equal(t, "app", cfg.AuthSecret())

	cfg.Auth.Secret = "auth"
	require.Equal(t, "auth", cfg.AuthSecret())
}
