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

package config_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codeguard-dev/codeguard/internal/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

func clearEnv() {
	for _, k := range []string{
		"OBJECT_STORE_URL", "OBJECT_STORE_KEY", "CACHE_URL", "QUEUE_URL",
		"MODEL_API_KEY", "WEBHOOK_SECRET_DEFAULT", "LOG_LEVEL",
		"AUTO_APPLY_THRESHOLD", "AUTO_APPLY_RISK_CAP", "MONITOR_WINDOW_SECONDS",
		"CRAWL_FILE_BUDGET", "WORKER_CONCURRENCY", "MODEL_PROVIDER",
	} {
		GinkgoT().Setenv(k, "")
	}
}

var _ = Describe("Load", func() {
	BeforeEach(clearEnv)

	Context("when required variables are present", func() {
		BeforeEach(func() {
			GinkgoT().Setenv("OBJECT_STORE_URL", "postgres://localhost/codeguard")
			GinkgoT().Setenv("OBJECT_STORE_KEY", "secret")
			GinkgoT().Setenv("QUEUE_URL", "redis://localhost:6379/0")
			GinkgoT().Setenv("MODEL_API_KEY", "sk-test")
		})

		It("loads defaults for everything else", func() {
			cfg, err := config.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Orchestrator.AutoApplyThreshold).To(Equal(0.80))
			Expect(cfg.Orchestrator.AutoApplyRiskCap).To(Equal(0.70))
			Expect(cfg.Crawl.FileBudget).To(Equal(2000))
			Expect(cfg.WorkerConcurrency).To(Equal(8))
			Expect(cfg.Cache.Enabled).To(BeFalse())
		})

		It("enables the cache only when CACHE_URL is set", func() {
			GinkgoT().Setenv("CACHE_URL", "redis://localhost:6379/1")
			cfg, err := config.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Cache.Enabled).To(BeTrue())
			Expect(cfg.Cache.URL).To(Equal("redis://localhost:6379/1"))
		})

		It("honors an overridden threshold", func() {
			GinkgoT().Setenv("AUTO_APPLY_THRESHOLD", "0.9")
			cfg, err := config.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Orchestrator.AutoApplyThreshold).To(Equal(0.9))
		})
	})

	Context("when a required variable is missing", func() {
		It("fails fast naming the variable", func() {
			GinkgoT().Setenv("OBJECT_STORE_KEY", "secret")
			GinkgoT().Setenv("QUEUE_URL", "redis://localhost:6379/0")
			GinkgoT().Setenv("MODEL_API_KEY", "sk-test")

			_, err := config.Load()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("OBJECT_STORE_URL"))
		})
	})

	Context("when a numeric variable is out of range", func() {
		It("rejects an out-of-range threshold", func() {
			GinkgoT().Setenv("OBJECT_STORE_URL", "postgres://localhost/codeguard")
			GinkgoT().Setenv("OBJECT_STORE_KEY", "secret")
			GinkgoT().Setenv("QUEUE_URL", "redis://localhost:6379/0")
			GinkgoT().Setenv("MODEL_API_KEY", "sk-test")
			GinkgoT().Setenv("AUTO_APPLY_THRESHOLD", "1.5")

			_, err := config.Load()
			Expect(err).To(HaveOccurred())
		})
	})
})
