package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	JWTSecret  string

	// Streaming transport tuning.
	KeepaliveInterval     time.Duration
	TypingTTL             time.Duration
	DeliveredCatchupLimit int
}

func Load() *Config {
	return &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "ritmo"),
		DBPassword: getEnv("DB_PASSWORD", "ritmo_dev_password"),
		DBName:     getEnv("DB_NAME", "ritmo"),
		JWTSecret:  getEnv("JWT_SECRET", "dev-secret-change-me"),

		KeepaliveInterval:     getDuration("KEEPALIVE_INTERVAL", 25*time.Second),
		TypingTTL:             getDuration("TYPING_TTL", 30*time.Second),
		DeliveredCatchupLimit: getInt("DELIVERED_CATCHUP_LIMIT", 50),
	}
}

func getEnv(key, fallback string) string {
	val, exists := os.LookupEnv(key)

	if exists {
		return val
	}

	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
