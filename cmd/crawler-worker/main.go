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

// Command crawler-worker runs the crawl queue consumer (C9), its fix
// orchestrator (C8), and the notification worker (the pkg/notify
// collaborator) as WorkerConcurrency-many goroutines each, per spec.md
// §5's "N worker processes, each hosting W concurrent tasks" — this
// binary is one such N, started once per desired worker process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/codeguard-dev/codeguard/internal/config"
	"github.com/codeguard-dev/codeguard/internal/database"
	"github.com/codeguard-dev/codeguard/internal/logging"
	"github.com/codeguard-dev/codeguard/pkg/cache"
	"github.com/codeguard-dev/codeguard/pkg/crawler"
	"github.com/codeguard-dev/codeguard/pkg/detect"
	"github.com/codeguard-dev/codeguard/pkg/detect/detectors"
	"github.com/codeguard-dev/codeguard/pkg/eventbus"
	"github.com/codeguard-dev/codeguard/pkg/experts"
	"github.com/codeguard-dev/codeguard/pkg/fixgen"
	"github.com/codeguard-dev/codeguard/pkg/learning"
	"github.com/codeguard-dev/codeguard/pkg/metrics"
	"github.com/codeguard-dev/codeguard/pkg/notify"
	"github.com/codeguard-dev/codeguard/pkg/orchestrator"
	"github.com/codeguard-dev/codeguard/pkg/policy"
	"github.com/codeguard-dev/codeguard/pkg/queue"
	"github.com/codeguard-dev/codeguard/pkg/store"
	"github.com/codeguard-dev/codeguard/pkg/verify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "crawler-worker:", err)
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

	db, err := database.Open(ctx, cfg.Store.URL)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	defer db.Close()
	if err := database.Migrate(db.DB); err != nil {
		return fmt.Errorf("migrate object store: %w", err)
	}

	reg := metrics.New(prometheus.NewRegistry())

	queueRDB, err := newRedisClient(cfg.Queue.URL)
	if err != nil {
		return fmt.Errorf("connect to job queue: %w", err)
	}
	defer queueRDB.Close()
	jobs := queue.New(queueRDB, logger, reg)

	var c *cache.Cache
	if cfg.Cache.Enabled {
		cacheRDB, err := newRedisClient(cfg.Cache.URL)
		if err != nil {
			return fmt.Errorf("connect to cache: %w", err)
		}
		defer cacheRDB.Close()
		c = cache.New(cacheRDB, logger, reg)
	}

	issues := store.NewIssueRepository(db, logger)
	snapshots := store.NewFileSnapshotRepository(db, logger)
	health := store.NewHealthSnapshotRepository(db, logger)
	projects := store.NewProjectRepository(db, logger)
	patterns := store.NewPatternRepository(db, logger)
	calibration := store.NewCalibrationRepository(db, logger)
	fixRecords := store.NewFixRecordRepository(db, logger)
	guides := store.NewExpertGuideRepository(db, logger)

	policyEval, err := policy.NewEvaluator(ctx)
	if err != nil {
		return fmt.Errorf("compile policy deny-list: %w", err)
	}

	registry := detect.NewRegistry()
	detectors.RegisterAll(registry, policyEval)

	model, err := newModelClient(ctx, cfg.Model)
	if err != nil {
		return fmt.Errorf("construct model client: %w", err)
	}

	bus := eventbus.New(logger)
	learning.New(patterns, calibration, guides, bus, logger)

	onboard := experts.New(guides, model, logger, experts.Config{WorkspaceRoot: cfg.Crawl.WorkspaceRoot})
	generator := fixgen.New(patterns, guides, model, logger)
	verifier := verify.NewVerifier(policyEval)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.MonitorWindow = cfg.Orchestrator.MonitorWindow
	orchCfg.AutoApplyThreshold = cfg.Orchestrator.AutoApplyThreshold
	orchCfg.AutoApplyRiskCap = cfg.Orchestrator.AutoApplyRiskCap

	orch := orchestrator.New(
		issues, fixRecords, patterns, calibration, health,
		registry, generator, verifier, c, jobs, bus, reg, logger, orchCfg,
	)

	crawlCfg := crawler.DefaultConfig()
	crawlCfg.WorkspaceRoot = cfg.Crawl.WorkspaceRoot
	crawlCfg.FileBudget = cfg.Crawl.FileBudget
	crawlCfg.WorkerConcurrency = cfg.WorkerConcurrency

	crawl := crawler.New(
		issues, snapshots, health, projects, onboard, c,
		registry, orch, jobs, nil, onboard, reg, logger, crawlCfg,
	)

	notifyWorker := notify.New(jobs, notify.NewSlackSender(os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_CHANNEL")), logger, notify.DefaultConfig())

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return crawl.Run(gctx) })
	}
	g.Go(func() error { return notifyWorker.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newRedisClient(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func newModelClient(ctx context.Context, mcfg config.ModelConfig) (fixgen.ModelClient, error) {
	switch mcfg.Provider {
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config for bedrock: %w", err)
		}
		return fixgen.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), ""), nil
	default:
		return fixgen.NewAnthropicClient(mcfg.APIKey, ""), nil
	}
}
