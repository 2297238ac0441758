package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the realtime service.
type Config struct {
	AppName           string
	AppEnv            string
	AppPort           string
	DatabaseURL       string
	RedisURL          string
	NATSURL           string
	JWTSecret         string
	HistoryPageSize   int
	TypingIdleWindow  time.Duration
	TypingStaleWindow time.Duration
	PresenceHeartbeat time.Duration
	CallAnswerTimeout time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("AMORYN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Amoryn Realtime API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("history.page_size", 50)
	v.SetDefault("typing.idle_window", "1500ms")
	v.SetDefault("typing.stale_window", "10s")
	v.SetDefault("presence.heartbeat", "5s")
	v.SetDefault("call.answer_timeout", "30s")

	idleWindow, err := parseDuration(v, "typing.idle_window", 1500*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	staleWindow, err := parseDuration(v, "typing.stale_window", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	heartbeat, err := parseDuration(v, "presence.heartbeat", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	answerTimeout, err := parseDuration(v, "call.answer_timeout", 30*time.Second)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:           v.GetString("app.name"),
		AppEnv:            v.GetString("app.env"),
		AppPort:           v.GetString("app.port"),
		DatabaseURL:       v.GetString("database.url"),
		RedisURL:          v.GetString("redis.url"),
		NATSURL:           v.GetString("nats.url"),
		JWTSecret:         v.GetString("jwt.secret"),
		HistoryPageSize:   v.GetInt("history.page_size"),
		TypingIdleWindow:  idleWindow,
		TypingStaleWindow: staleWindow,
		PresenceHeartbeat: heartbeat,
		CallAnswerTimeout: answerTimeout,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := v.GetString(key)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}
