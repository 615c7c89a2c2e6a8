// Package config содержит логику чтения конфигурации шлюза магазина.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации шлюза магазина.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	MarketAPIAddress string        `env:"MARKET_API_ADDRESS"`
	AuthSecret       string        `env:"AUTH_SECRET"`
	CatalogCacheTTL  time.Duration `env:"CATALOG_CACHE_TTL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envMarketAddress := cfg.MarketAPIAddress
	envAuthSecret := cfg.AuthSecret
	envCacheTTL := cfg.CatalogCacheTTL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.MarketAPIAddress, "r", "", "market API address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for signing session cookies")
	flag.DurationVar(&cfg.CatalogCacheTTL, "t", 5*time.Minute, "catalog cache TTL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envMarketAddress != "" {
		cfg.MarketAPIAddress = envMarketAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envCacheTTL != 0 {
		cfg.CatalogCacheTTL = envCacheTTL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.CatalogCacheTTL <= 0 {
		cfg.CatalogCacheTTL = 5 * time.Minute
	}

	return cfg, nil
}
