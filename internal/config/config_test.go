package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AMORYN_JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.AppPort)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, 50, cfg.HistoryPageSize)
	require.Equal(t, 1500*time.Millisecond, cfg.TypingIdleWindow)
	require.Equal(t, 30*time.Second, cfg.CallAnswerTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AMORYN_JWT_SECRET", "test-secret")
	t.Setenv("AMORYN_APP_PORT", ":9090")
	t.Setenv("AMORYN_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("AMORYN_TYPING_IDLE_WINDOW", "250ms")
	t.Setenv("AMORYN_CALL_ANSWER_TIMEOUT", "10s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	require.Equal(t, 250*time.Millisecond, cfg.TypingIdleWindow)
	require.Equal(t, 10*time.Second, cfg.CallAnswerTimeout)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("AMORYN_JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("AMORYN_JWT_SECRET", "test-secret")
	t.Setenv("AMORYN_PRESENCE_HEARTBEAT", "soon")

	_, err := Load()
	require.Error(t, err)
}
