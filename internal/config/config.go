package config

import (
	"flag"
	"os"
	"time"
)

type Config struct {
	ListenAddr   string
	DBPath       string
	StaticDir    string
	FetchTimeout time.Duration
}

func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", ":8000"), "HTTP listen address")
	flag.StringVar(&cfg.DBPath, "db-path", getEnv("DB_PATH", "chat.db"), "Path to the SQLite database file")
	flag.StringVar(&cfg.StaticDir, "static-dir", getEnv("STATIC_DIR", "static"), "Directory served for the browser UI")

	timeoutStr := getEnv("FETCH_TIMEOUT", "30s")
	defaultTimeout, _ := time.ParseDuration(timeoutStr)
	if defaultTimeout == 0 {
		defaultTimeout = 30 * time.Second
	}
	flag.DurationVar(&cfg.FetchTimeout, "fetch-timeout", defaultTimeout, "Timeout for fetching images linked in messages")

	flag.Parse()
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
