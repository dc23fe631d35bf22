package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// DefaultJWTSecret is only acceptable when Env is "dev".
const DefaultJWTSecret = "dev-secret-change-me"

// MemoryDSN selects the in-process store instead of postgres.
const MemoryDSN = "memory"

type Config struct {
	Port             string `validate:"required,numeric"`
	DatabaseDSN      string `validate:"required"`
	JWTSecret        string `validate:"required"`
	Env              string `validate:"required,oneof=dev test prod"`
	LogLevel         string `validate:"omitempty,oneof=trace debug info warn error"`
	RedisURL         string `validate:"omitempty,url"`
	SignalChannel    string
	WSSendBuffer     int `validate:"gte=0"`
	MaxMessageLength int `validate:"gte=0"`
	RateLimitRPS     int `validate:"gte=0"`
	RateLimitBurst   int `validate:"gte=0"`
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt falls back to def when the variable is unset, malformed or not positive.
func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func Load() Config {
	return Config{
		Port:             getenv("APP_PORT", "8080"),
		DatabaseDSN:      getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:        getenv("JWT_SECRET", DefaultJWTSecret),
		Env:              getenv("APP_ENV", "dev"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		RedisURL:         os.Getenv("REDIS_URL"),
		SignalChannel:    getenv("SIGNAL_CHANNEL", "chat:signals"),
		WSSendBuffer:     getenvInt("WS_SEND_BUFFER", 256),
		MaxMessageLength: getenvInt("MAX_MESSAGE_LENGTH", 4000),
		RateLimitRPS:     getenvInt("RATE_LIMIT_RPS", 20),
		RateLimitBurst:   getenvInt("RATE_LIMIT_BURST", 40),
	}
}

var validate = validator.New()

// Validate checks field constraints and refuses the development secret outside dev.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Env != "dev" && cfg.JWTSecret == DefaultJWTSecret {
		return errors.New("config: JWT_SECRET must be changed outside dev")
	}
	return nil
}
