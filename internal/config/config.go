package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr       string
	RedisURL   string
	CORSOrigin string
	AdminToken string
	// Retention windows
	InstanceTTL time.Duration
	ChunkTTL    time.Duration
}

func Load() Config {
	return Config{
		Addr:        getenv("API_ADDR", ":8790"),
		RedisURL:    getenv("REDIS_URL", "redis://localhost:6379/0"),
		CORSOrigin:  getenv("LOOKBOARD_CORS_ORIGIN", "*"),
		AdminToken:  getenv("LOOKBOARD_ADMIN_TOKEN", "lookboard-admin-token"),
		InstanceTTL: time.Duration(getenvInt("LOOKBOARD_INSTANCE_TTL_DAYS", 90)) * 24 * time.Hour,
		ChunkTTL:    time.Duration(getenvInt("LOOKBOARD_CHUNK_TTL_SECONDS", 3600)) * time.Second,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
