package main

import (
	"os"
	"strconv"
	"strings"
)

type appConfig struct {
	HTTPAddr            string
	DBPath              string
	CookieSecure        bool
	EntryEventQueueSize int
	AdminUsername       string
	AdminPassword       string
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:            ":" + envOrDefault("PORT", "8080"),
		DBPath:              envOrDefault("DB_PATH", "stocktaker.db"),
		CookieSecure:        parseBool(os.Getenv("SESSION_COOKIE_SECURE"), false),
		EntryEventQueueSize: parseQueueSize(os.Getenv("ENTRY_EVENT_QUEUE_SIZE")),
		AdminUsername:       envOrDefault("ADMIN_USERNAME", "admin"),
		AdminPassword:       os.Getenv("ADMIN_PASSWORD"),
	}
}

// parseQueueSize reads the per-subscriber event queue capacity. Garbage
// falls back to the default; out-of-range values clamp. Zero means the
// largest supported queue.
func parseQueueSize(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultQueueCapacity
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultQueueCapacity
	}
	return clampQueueCapacity(n)
}

func parseBool(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envOrDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
