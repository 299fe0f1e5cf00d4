/*
Copyright 2026 The Codeguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the environment variables listed
// in spec.md §6. Loading happens once at boot; a missing required
// variable fails fast rather than surfacing as a runtime nil pointer.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-faster/errors"
)

// StoreConfig configures the Object Store connection.
type StoreConfig struct {
	URL string
	Key string
}

// CacheConfig configures the optional Cache connection. Enabled is
// false when CACHE_URL is unset, per spec.md §6 ("absent disables cache").
type CacheConfig struct {
	URL     string
	Enabled bool
}

// QueueConfig configures the Job Queue connection.
type QueueConfig struct {
	URL string
}

// ModelConfig configures the generative-model backend used by C6.
type ModelConfig struct {
	APIKey   string
	Provider string // "anthropic" (default) | "bedrock"
}

// WebhookConfig configures repository webhook intake.
type WebhookConfig struct {
	DefaultSecret string
}

// OrchestratorConfig holds the tunables of the §4.4 pipeline.
type OrchestratorConfig struct {
	AutoApplyThreshold float64
	AutoApplyRiskCap   float64
	MonitorWindow      time.Duration
}

// CrawlConfig holds the tunables of the §4.5 crawler.
type CrawlConfig struct {
	FileBudget int
	// WorkspaceRoot is where each project's checkout lives, at
	// WorkspaceRoot/<project id>; not one of spec.md §6's named
	// variables, since it names an implementation detail (where the
	// crawl worker's local mirror of a remote repository sits) rather
	// than a behavior the spec describes.
	WorkspaceRoot string
}

// Config is the top-level, process-wide configuration object. It is
// constructed once at boot and threaded through constructors
// (spec.md §9: "dependency-injected context"); nothing reads os.Getenv
// after Load returns.
type Config struct {
	Store          StoreConfig
	Cache          CacheConfig
	Queue          QueueConfig
	Model          ModelConfig
	Webhook        WebhookConfig
	Orchestrator   OrchestratorConfig
	Crawl          CrawlConfig
	LogLevel       string
	WorkerConcurrency int
}

// Load reads and validates every variable from spec.md §6. Required
// variables that are missing return a wrapped error naming the
// variable; this is a "configuration error" in the CLI collaborator's
// exit-code taxonomy (exit code 2).
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:          getenv("LOG_LEVEL", "info"),
		WorkerConcurrency: getenvInt("WORKER_CONCURRENCY", 8),
		Crawl: CrawlConfig{
			FileBudget:    getenvInt("CRAWL_FILE_BUDGET", 2000),
			WorkspaceRoot: getenv("CRAWL_WORKSPACE_ROOT", "/var/lib/codeguard/workspace"),
		},
		Orchestrator: OrchestratorConfig{
			AutoApplyThreshold: getenvFloat("AUTO_APPLY_THRESHOLD", 0.80),
			AutoApplyRiskCap:   getenvFloat("AUTO_APPLY_RISK_CAP", 0.70),
			MonitorWindow:      time.Duration(getenvInt("MONITOR_WINDOW_SECONDS", 86400)) * time.Second,
		},
		Webhook: WebhookConfig{
			DefaultSecret: os.Getenv("WEBHOOK_SECRET_DEFAULT"),
		},
		Model: ModelConfig{
			Provider: getenv("MODEL_PROVIDER", "anthropic"),
		},
	}

	var missing []string

	cfg.Store.URL = os.Getenv("OBJECT_STORE_URL")
	if cfg.Store.URL == "" {
		missing = append(missing, "OBJECT_STORE_URL")
	}
	cfg.Store.Key = os.Getenv("OBJECT_STORE_KEY")
	if cfg.Store.Key == "" {
		missing = append(missing, "OBJECT_STORE_KEY")
	}

	cfg.Queue.URL = os.Getenv("QUEUE_URL")
	if cfg.Queue.URL == "" {
		missing = append(missing, "QUEUE_URL")
	}

	cfg.Model.APIKey = os.Getenv("MODEL_API_KEY")
	if cfg.Model.APIKey == "" {
		missing = append(missing, "MODEL_API_KEY")
	}

	if cacheURL := os.Getenv("CACHE_URL"); cacheURL != "" {
		cfg.Cache.URL = cacheURL
		cfg.Cache.Enabled = true
	}

	if len(missing) > 0 {
		return nil, errors.Wrapf(ErrMissingRequired, "missing env vars: %v", missing)
	}

	if cfg.Orchestrator.AutoApplyThreshold < 0 || cfg.Orchestrator.AutoApplyThreshold > 1 {
		return nil, errors.Wrap(ErrInvalidValue, "AUTO_APPLY_THRESHOLD must be in [0,1]")
	}
	if cfg.Orchestrator.AutoApplyRiskCap < 0 || cfg.Orchestrator.AutoApplyRiskCap > 1 {
		return nil, errors.Wrap(ErrInvalidValue, "AUTO_APPLY_RISK_CAP must be in [0,1]")
	}

	return cfg, nil
}

// ErrMissingRequired is returned when a required env var is absent.
var ErrMissingRequired = errors.New("missing required configuration")

// ErrInvalidValue is returned when a present env var fails validation.
var ErrInvalidValue = errors.New("invalid configuration value")

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
