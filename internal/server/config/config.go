// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Gatehouse server
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Provision ProvisionConfig
	Features  FeaturesConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	URL string
}

// ProvisionConfig holds workspace provisioning configuration
type ProvisionConfig struct {
	TemplateDir     string
	DeploymentsDir  string
	StartTimeout    time.Duration
	MigrateTimeout  time.Duration
	TeardownTimeout time.Duration
}

// FeaturesConfig holds feature flags
type FeaturesConfig struct {
	MetricsEnabled bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:   getEnv("LISTEN_ADDR", ":8080"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getDuration("IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Provision: ProvisionConfig{
			TemplateDir:     getEnv("TEMPLATE_DIR", "/opt/gatehouse/template"),
			DeploymentsDir:  getEnv("DEPLOYMENTS_DIR", "/var/lib/gatehouse/deployments"),
			StartTimeout:    getDuration("START_TIMEOUT", 10*time.Minute),
			MigrateTimeout:  getDuration("MIGRATE_TIMEOUT", 2*time.Minute),
			TeardownTimeout: getDuration("TEARDOWN_TIMEOUT", 60*time.Second),
		},
		Features: FeaturesConfig{
			MetricsEnabled: getBool("METRICS_ENABLED", true),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
