// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package portfolio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianPortfolio/services/llm"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/quant"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/telemetry"
)

// Config holds portfolio service configuration.
//
// Values come from three layers, later ones winning: DefaultConfig, an
// optional YAML file and environment variables. See LoadConfig.
type Config struct {
	// Port is the HTTP server port. Default: 12215
	Port int `yaml:"port"`

	// GinMode is "debug", "release" or "test". Default: GIN_MODE or "release".
	GinMode string `yaml:"gin_mode"`

	// DataDir holds the BadgerDB files. Empty runs in memory.
	DataDir string `yaml:"data_dir"`

	// WeaviateURL is the vector database. Empty disables retrieval; /ask
	// then fails with 502 and /rag/health reports degraded.
	WeaviateURL string `yaml:"weaviate_url"`

	// CompaniesFile overlays the built-in company directory and is watched
	// for changes.
	CompaniesFile string `yaml:"companies_file"`

	// VaultKeyEnv and VaultKeyFile locate the base64 key that seals
	// integration credentials.
	VaultKeyEnv  string `yaml:"vault_key_env"`
	VaultKeyFile string `yaml:"vault_key_file"`

	LLM       llm.Config       `yaml:"llm"`
	Quant     quant.Config     `yaml:"quant"`
	Cache     CacheConfig      `yaml:"cache"`
	Answers   AnswerConfig     `yaml:"answer_cache"`
	Import    ImportConfig     `yaml:"import"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Log       LogConfig        `yaml:"log"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CacheConfig configures the session resource cache and its sweeper.
type CacheConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	BuildTimeout  time.Duration `yaml:"build_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxIdle       time.Duration `yaml:"max_idle"`
}

// AnswerConfig configures the semantic answer cache.
type AnswerConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Certainty float32 `yaml:"certainty"`
}

// ImportConfig bounds integration imports.
type ImportConfig struct {
	Workers   int     `yaml:"workers"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// LogConfig is read by cmd/portfolio when it builds the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	sweep := rescache.DefaultSweeperConfig()
	return Config{
		Port:        12215,
		VaultKeyEnv: "PORTFOLIO_VAULT_KEY",
		LLM:         llm.Config{Backend: llm.BackendOllama},
		Quant:       quant.Config{RateLimit: 5, Burst: 5},
		Cache: CacheConfig{
			MaxEntries:    rescache.DefaultMaxEntries,
			BuildTimeout:  rescache.DefaultBuildTimeout,
			SweepInterval: sweep.Interval,
			MaxIdle:       sweep.MaxIdle,
		},
		Answers:         AnswerConfig{Enabled: true},
		Import:          ImportConfig{Workers: 4, RateLimit: 10, Burst: 5},
		Telemetry:       telemetry.DefaultConfig(),
		Log:             LogConfig{Level: "info", Format: "auto"},
		ShutdownTimeout: 15 * time.Second,
	}
}

// LoadConfig builds a Config from DefaultConfig, the YAML file at path
// (skipped when path is empty) and the process environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := decodeConfig(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return applyConfigDefaults(cfg), nil
}

// decodeConfig unmarshals data onto cfg, rejecting unknown keys so that
// typos in the file surface at startup.
func decodeConfig(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Marshal renders cfg as YAML. Secrets tagged yaml:"-" are omitted.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

type lookupFunc func(key string) (string, bool)

// applyEnv overlays environment variables on cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	integer("PORTFOLIO_PORT", &cfg.Port)
	str("GIN_MODE", &cfg.GinMode)
	str("PORTFOLIO_DATA_DIR", &cfg.DataDir)
	str("PORTFOLIO_COMPANIES_FILE", &cfg.CompaniesFile)
	str("PORTFOLIO_VAULT_KEY_FILE", &cfg.VaultKeyFile)
	str("WEAVIATE_SERVICE_URL", &cfg.WeaviateURL)

	str("LLM_BACKEND_TYPE", &cfg.LLM.Backend)
	str("LLM_MODEL", &cfg.LLM.Model)
	str("LLM_EMBEDDING_MODEL", &cfg.LLM.EmbeddingModel)
	str("LLM_BASE_URL", &cfg.LLM.BaseURL)

	str("QUANT_SERVICE_URL", &cfg.Quant.BaseURL)

	integer("PORTFOLIO_CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	duration("PORTFOLIO_CACHE_BUILD_TIMEOUT", &cfg.Cache.BuildTimeout)
	duration("PORTFOLIO_CACHE_SWEEP_INTERVAL", &cfg.Cache.SweepInterval)
	duration("PORTFOLIO_CACHE_MAX_IDLE", &cfg.Cache.MaxIdle)
	boolean("PORTFOLIO_ANSWER_CACHE", &cfg.Answers.Enabled)

	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("OTEL_TRACES_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("OTEL_METRICS_EXPORTER", &cfg.Telemetry.MetricExporter)

	str("PORTFOLIO_LOG_LEVEL", &cfg.Log.Level)
	str("PORTFOLIO_LOG_FORMAT", &cfg.Log.Format)
	str("PORTFOLIO_LOG_DIR", &cfg.Log.Dir)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

// applyConfigDefaults fills zero values left by the file and environment.
func applyConfigDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = d.Port
	}
	if cfg.GinMode == "" {
		cfg.GinMode = getEnvOr("GIN_MODE", "release")
	}
	if cfg.VaultKeyEnv == "" {
		cfg.VaultKeyEnv = d.VaultKeyEnv
	}
	cfg.WeaviateURL = strings.TrimSpace(cfg.WeaviateURL)
	if cfg.LLM.Backend == "" {
		cfg.LLM.Backend = d.LLM.Backend
	}
	if cfg.Cache.MaxEntries < 0 {
		cfg.Cache.MaxEntries = 0
	}
	if cfg.Cache.BuildTimeout <= 0 {
		cfg.Cache.BuildTimeout = d.Cache.BuildTimeout
	}
	if cfg.Cache.SweepInterval <= 0 {
		cfg.Cache.SweepInterval = d.Cache.SweepInterval
	}
	if cfg.Cache.MaxIdle <= 0 {
		cfg.Cache.MaxIdle = d.Cache.MaxIdle
	}
	if cfg.Import.Workers <= 0 {
		cfg.Import.Workers = d.Import.Workers
	}
	if cfg.Import.RateLimit <= 0 {
		cfg.Import.RateLimit = d.Import.RateLimit
	}
	if cfg.Import.Burst <= 0 {
		cfg.Import.Burst = d.Import.Burst
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
	if cfg.Telemetry.TraceExporter == "" {
		cfg.Telemetry.TraceExporter = "none"
	}
	if cfg.Telemetry.MetricExporter == "" {
		cfg.Telemetry.MetricExporter = "none"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	return cfg
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
