// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the gateway configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/validation"
	"github.com/AleutianAI/AleutianChat/services/gateway/tenants"
)

// PathEnv names the config file when no path is passed to Load.
const PathEnv = "GATEWAY_CONFIG"

// Config is the complete gateway configuration.
type Config struct {
	Server       ServerConfig           `yaml:"server"`
	OpenAI       OpenAIConfig           `yaml:"openai"`
	Retrieval    RetrievalConfig        `yaml:"retrieval"`
	Tenants      []tenants.TenantConfig `yaml:"tenants" validate:"dive"`
	Redis        RedisConfig            `yaml:"redis"`
	Session      SessionConfig          `yaml:"session"`
	Auth         AuthConfig             `yaml:"auth"`
	Limits       LimitsConfig           `yaml:"limits"`
	Catalog      CatalogConfig          `yaml:"catalog"`
	Usage        UsageConfig            `yaml:"usage"`
	Instructions InstructionsConfig     `yaml:"instructions"`
	RateLimit    RateLimitConfig        `yaml:"ratelimit"`
	Telemetry    TelemetryConfig        `yaml:"telemetry"`
	Logging      logging.Config         `yaml:"logging"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
	// SecureCookies sets the Secure flag on conversation cookies.
	SecureCookies bool `yaml:"secure_cookies"`
}

type OpenAIConfig struct {
	// APIKey is usually left empty in the file and supplied by
	// OPENAI_API_KEY or the secret file.
	APIKey       string `yaml:"api_key"`
	SecretPath   string `yaml:"secret_path"`
	BaseURL      string `yaml:"base_url" validate:"omitempty,url"`
	Model        string `yaml:"model" validate:"required"`
	AssistantID  string `yaml:"assistant_id"`
	StrictEvents bool   `yaml:"strict_events"`
}

type RetrievalConfig struct {
	MaxResults int `yaml:"max_results" validate:"min=1,max=50"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" validate:"required,hostname_port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"min=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

type SessionConfig struct {
	// Secret signs conversation cookies.
	Secret   string        `yaml:"secret" validate:"required,min=32"`
	TTL      time.Duration `yaml:"ttl" validate:"min=0"`
	MaxBytes int           `yaml:"max_bytes" validate:"min=0"`
	// Cookie is the dashboard session cookie name.
	Cookie string `yaml:"cookie"`
	// LivePlanChecks asks the identity backend on every plan check instead of
	// reading the metadata snapshot.
	LivePlanChecks bool `yaml:"live_plan_checks"`
}

type AuthConfig struct {
	ScanPageSize int  `yaml:"scan_page_size" validate:"min=1"`
	ScanMaxPages int  `yaml:"scan_max_pages" validate:"min=1"`
	KeyIndex     bool `yaml:"key_index"`
}

type LimitsConfig struct {
	RequiredPlan        string `yaml:"required_plan" validate:"required"`
	DefaultFileQuota    int    `yaml:"default_file_quota" validate:"min=0"`
	DefaultStorageBytes int64  `yaml:"default_storage_bytes" validate:"min=0"`
	SniffBytes          int    `yaml:"sniff_bytes" validate:"min=1"`
	MaxUploadBytes      int64  `yaml:"max_upload_bytes" validate:"min=1"`
	MaxToolRounds       int    `yaml:"max_tool_rounds" validate:"min=1"`
}

type CatalogConfig struct {
	URL      string        `yaml:"url" validate:"omitempty,url"`
	Timeout  time.Duration `yaml:"timeout" validate:"min=0"`
	MaxBytes int64         `yaml:"max_bytes" validate:"min=0"`
}

type UsageConfig struct {
	// SQLitePath is the usage database. Empty disables the usage log.
	SQLitePath string `yaml:"sqlite_path"`
	// EstimateTokens fills missing upstream counts by local tokenization.
	EstimateTokens bool `yaml:"estimate_tokens"`
}

type InstructionsConfig struct {
	CacheEntries int64         `yaml:"cache_entries" validate:"min=1"`
	CacheTTL     time.Duration `yaml:"cache_ttl" validate:"min=0"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" validate:"min=0"`
	Burst int     `yaml:"burst" validate:"min=0"`
}

type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC collector address. Empty disables tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            12210,
			RequestTimeout:  5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			SecureCookies:   true,
		},
		OpenAI:    OpenAIConfig{Model: "gpt-4o-mini"},
		Retrieval: RetrievalConfig{MaxResults: 8},
		Redis:     RedisConfig{Addr: "localhost:6379", KeyPrefix: "aleutian:"},
		Session: SessionConfig{
			TTL:      30 * 24 * time.Hour,
			MaxBytes: 3800,
		},
		Auth: AuthConfig{ScanPageSize: 100, ScanMaxPages: 50, KeyIndex: true},
		Limits: LimitsConfig{
			RequiredPlan:        "pro",
			DefaultFileQuota:    20,
			DefaultStorageBytes: 100 << 20,
			SniffBytes:          3072,
			MaxUploadBytes:      20 << 20,
			MaxToolRounds:       4,
		},
		Catalog:      CatalogConfig{Timeout: 10 * time.Second, MaxBytes: 1 << 20},
		Usage:        UsageConfig{SQLitePath: "usage.db", EstimateTokens: true},
		Instructions: InstructionsConfig{CacheEntries: 10000, CacheTTL: 5 * time.Minute},
		RateLimit:    RateLimitConfig{RPS: 2, Burst: 10},
		Telemetry:    TelemetryConfig{ServiceName: "aleutian-gateway"},
		Logging:      logging.Config{Level: "info", JSON: true, Service: "gateway"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, t := range c.Tenants {
		if err := validation.ValidateResourceIDs(t.RetrievalCollectionIDs); err != nil {
			return fmt.Errorf("invalid config: tenant %q: %w", t.TenantID, err)
		}
	}
	return nil
}

// =============================================================================
// Loading
// =============================================================================

// Load reads the config file at path, applies environment overrides and
// validates the result.
//
// # Description
//
// An empty path falls back to $GATEWAY_CONFIG; when that is empty too only
// defaults and environment are used. Fields the file omits keep their
// defaults.
//
// # Inputs
//
//   - path: YAML file path, or "".
//
// # Outputs
//
//   - *Config: The validated configuration.
//   - error: Read, parse, override or validation failure.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(PathEnv)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := sanitizeTenants(cfg.Tenants); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// sanitizeTenants trims hand-edited collection ids in place.
func sanitizeTenants(ts []tenants.TenantConfig) error {
	for i := range ts {
		for j, id := range ts[i].RetrievalCollectionIDs {
			clean, err := validation.SanitizeResourceID(id)
			if err != nil {
				return fmt.Errorf("invalid config: tenant %q: collection %q: %w", ts[i].TenantID, id, err)
			}
			ts[i].RetrievalCollectionIDs[j] = clean
		}
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("OPENAI_API_KEY", &cfg.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &cfg.OpenAI.BaseURL)
	str("OPENAI_MODEL", &cfg.OpenAI.Model)
	str("OPENAI_ASSISTANT_ID", &cfg.OpenAI.AssistantID)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("SESSION_SECRET", &cfg.Session.Secret)
	str("CATALOG_URL", &cfg.Catalog.URL)
	str("USAGE_DB_PATH", &cfg.Usage.SQLitePath)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("LOG_LEVEL", &cfg.Logging.Level)

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	return nil
}
