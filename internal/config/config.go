package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        int
	NatsURL     string
	NatsToken   string
	DatabaseURL string
	LogLevel    string
	APIToken    string

	ProbeWindow  time.Duration
	DrainWait    time.Duration
	DecodeBudget int
	NoNewStreak  int
	EndMargin    int
}

func Load() Config {
	return Config{
		Port:        envInt("EXTRACTD_PORT", 8760),
		NatsURL:     envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:   envStr("NATS_TOKEN", ""),
		DatabaseURL: envStr("DATABASE_URL", ""),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		APIToken:    envStr("EXTRACTD_API_TOKEN", ""),

		ProbeWindow:  envDur("EXTRACTD_PROBE_WINDOW", 5*time.Second),
		DrainWait:    envDur("EXTRACTD_DRAIN_WAIT", 2*time.Second),
		DecodeBudget: envInt("EXTRACTD_DECODE_BUDGET", 10),
		NoNewStreak:  envInt("EXTRACTD_NO_NEW_STREAK", 3),
		EndMargin:    envInt("EXTRACTD_END_MARGIN", 2),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
