/*
Package config loads server configuration from the environment.

PURPOSE:
  One place for every knob. A .env file is honored when present (local
  dev); real deployments set the variables directly.

VARIABLES:
  NUKKI_DB_DRIVER        sqlite | postgres | memory (default sqlite)
  NUKKI_DB_PATH          SQLite path (default presale.db, ":memory:" ok)
  NUKKI_DATABASE_URL     Postgres DSN (required for the postgres driver)
  NUKKI_PORT             HTTP listen port (default 8080)
  NUKKI_TON_RECEIVER     Project TON address shown to buyers (required)
  NUKKI_REDIS_ADDR       Optional: enables the balance-proxy cache
  NUKKI_NATS_URL         Optional: enables purchase event publishing
  NUKKI_FIXED_BONUS      Referral FOOD bonus (default 50)
  NUKKI_PRICE_SHARE_BPS  Referral price share in basis points (default 200)
*/
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DBDriver      string
	DBPath        string
	DatabaseURL   string
	Port          int
	TonReceiver   string
	RedisAddr     string
	NatsURL       string
	FixedBonus    int64
	PriceShareBps int
}

// New loads and validates configuration from environment variables.
// Redis and NATS are optional: empty addresses simply disable the balance
// cache and event publishing.
func New() (*Config, error) {
	_ = godotenv.Load()

	port, err := getEnvInt("NUKKI_PORT", 8080)
	if err != nil {
		return nil, err
	}
	fixedBonus, err := getEnvInt("NUKKI_FIXED_BONUS", 50)
	if err != nil {
		return nil, err
	}
	priceShareBps, err := getEnvInt("NUKKI_PRICE_SHARE_BPS", 200)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBDriver:      getEnv("NUKKI_DB_DRIVER", "sqlite"),
		DBPath:        getEnv("NUKKI_DB_PATH", "presale.db"),
		DatabaseURL:   os.Getenv("NUKKI_DATABASE_URL"),
		Port:          port,
		TonReceiver:   os.Getenv("NUKKI_TON_RECEIVER"),
		RedisAddr:     os.Getenv("NUKKI_REDIS_ADDR"),
		NatsURL:       os.Getenv("NUKKI_NATS_URL"),
		FixedBonus:    int64(fixedBonus),
		PriceShareBps: priceShareBps,
	}

	switch cfg.DBDriver {
	case "sqlite", "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("NUKKI_DATABASE_URL is required for the postgres driver")
		}
	default:
		return nil, fmt.Errorf("invalid db driver %q, must be sqlite, postgres or memory", cfg.DBDriver)
	}

	if cfg.TonReceiver == "" {
		return nil, fmt.Errorf("missing required env: NUKKI_TON_RECEIVER")
	}
	if cfg.FixedBonus < 0 || cfg.PriceShareBps < 0 {
		return nil, fmt.Errorf("referral bonus settings must be non-negative")
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %q", key, v)
	}
	return n, nil
}
