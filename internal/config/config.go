// Package config содержит логику чтения конфигурации сервиса благотворительной помощи.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса благотворительной помощи.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	AuthSecret          string `env:"AUTH_SECRET"`
	VerificationAddress string `env:"VERIFICATION_ADDRESS"`
	AdminRoleEnforced   bool   `env:"ADMIN_ROLE_ENFORCED" envDefault:"true"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret
	envVerificationAddress := cfg.VerificationAddress
	envAdminRoleEnforced := cfg.AdminRoleEnforced
	_, adminRoleEnforcedSet := os.LookupEnv("ADMIN_ROLE_ENFORCED")

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AuthSecret, "s", "", "shared secret of the identity provider tokens")
	flag.StringVar(&cfg.VerificationAddress, "v", "", "bank verification provider address (empty enables the simulated verifier)")
	flag.BoolVar(&cfg.AdminRoleEnforced, "e", true, "require the admin role on admin routes")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envVerificationAddress != "" {
		cfg.VerificationAddress = envVerificationAddress
	}
	if adminRoleEnforcedSet {
		cfg.AdminRoleEnforced = envAdminRoleEnforced
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
