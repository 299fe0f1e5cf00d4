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

// Command api-service runs the API / Webhook Front (C11): the HTTP
// ingress of spec.md §6, backed by the same Object Store, Cache, and
// Job Queue the crawl worker uses. It never runs a crawl or generates
// a fix itself — it only validates requests, reads/writes the stores,
// and enqueues work for cmd/crawler-worker to pick up.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codeguard-dev/codeguard/internal/config"
	"github.com/codeguard-dev/codeguard/internal/database"
	"github.com/codeguard-dev/codeguard/internal/logging"
	"github.com/codeguard-dev/codeguard/pkg/api"
	"github.com/codeguard-dev/codeguard/pkg/cache"
	"github.com/codeguard-dev/codeguard/pkg/metrics"
	"github.com/codeguard-dev/codeguard/pkg/queue"
	"github.com/codeguard-dev/codeguard/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "api-service:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel)

	if err := api.ValidateSchema(); err != nil {
		return fmt.Errorf("validate embedded OpenAPI document: %w", err)
	}

	db, err := database.Open(ctx, cfg.Store.URL)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	defer db.Close()

	reg := metrics.New(prometheus.NewRegistry())

	queueRDB, err := newRedisClient(cfg.Queue.URL)
	if err != nil {
		return fmt.Errorf("connect to job queue: %w", err)
	}
	defer queueRDB.Close()
	jobs := queue.New(queueRDB, logger, reg)

	var statusStore *cache.Cache
	if cfg.Cache.Enabled {
		cacheRDB, err := newRedisClient(cfg.Cache.URL)
		if err != nil {
			return fmt.Errorf("connect to cache: %w", err)
		}
		defer cacheRDB.Close()
		statusStore = cache.New(cacheRDB, logger, reg)
	}

	issues := store.NewIssueRepository(db, logger)
	fixRecords := store.NewFixRecordRepository(db, logger)
	projects := store.NewProjectRepository(db, logger)
	tenants := store.NewTenantRepository(db, logger)
	health := store.NewHealthSnapshotRepository(db, logger)

	apiCfg := api.DefaultConfig()
	apiCfg.WebhookDefaultSecret = cfg.Webhook.DefaultSecret
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		apiCfg.CORSAllowedOrigins = []string{origins}
	}

	server := api.New(issues, fixRecords, projects, tenants, health, jobs, statusStore, nil, logger, apiCfg)

	addr := ":" + getenvOr("HTTP_PORT", "8080")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api-service listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newRedisClient(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func getenvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
