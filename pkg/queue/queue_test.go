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

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codeguard-dev/codeguard/internal/logging"
	"github.com/codeguard-dev/codeguard/pkg/metrics"
)

func TestQueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Queue Suite")
}

var _ = Describe("Queue", func() {
	var (
		mr  *miniredis.Miniredis
		q   *Queue
		ctx context.Context
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		reg := metrics.New(prometheus.NewRegistry())
		q = New(rdb, logging.NoOp(), reg)
		ctx = context.Background()
	})

	AfterEach(func() {
		mr.Close()
	})

	Describe("Enqueue/Dequeue", func() {
		It("returns nil on an empty queue", func() {
			lease, err := q.Dequeue(ctx, "crawl", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(lease).To(BeNil())
		})

		It("delivers higher-priority jobs first", func() {
			_, err := q.Enqueue(ctx, "crawl", []byte(`{"n":1}`), 1, 0)
			Expect(err).NotTo(HaveOccurred())
			_, err = q.Enqueue(ctx, "crawl", []byte(`{"n":2}`), 10, 0)
			Expect(err).NotTo(HaveOccurred())

			lease, err := q.Dequeue(ctx, "crawl", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(lease).NotTo(BeNil())
			Expect(string(lease.Job.Payload)).To(Equal(`{"n":2}`))
			Expect(lease.Job.Attempt).To(Equal(1))
		})

		It("is not redelivered to a second dequeue while leased", func() {
			_, err := q.Enqueue(ctx, "crawl", []byte(`{}`), 0, 0)
			Expect(err).NotTo(HaveOccurred())

			_, err = q.Dequeue(ctx, "crawl", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			again, err := q.Dequeue(ctx, "crawl", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(BeNil())
		})
	})

	Describe("Ack", func() {
		It("removes the job entirely", func() {
			_, err := q.Enqueue(ctx, "crawl", []byte(`{}`), 0, 0)
			Expect(err).NotTo(HaveOccurred())
			lease, err := q.Dequeue(ctx, "crawl", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			Expect(lease.Ack(ctx)).To(Succeed())
		})
	})

	Describe("Nack", func() {
		Context("when attempts remain", func() {
			It("requeues the job for a later retry", func() {
				_, err := q.Enqueue(ctx, "crawl", []byte(`{}`), 0, 2)
				Expect(err).NotTo(HaveOccurred())
				lease, err := q.Dequeue(ctx, "crawl", time.Minute)
				Expect(err).NotTo(HaveOccurred())

				Expect(lease.Nack(ctx, errors.New("boom"))).To(Succeed())

				// Still queued, just not ready immediately (backoff).
				mr.FastForward(10 * time.Minute)
				redelivered, err := q.Dequeue(ctx, "crawl", time.Minute)
				Expect(err).NotTo(HaveOccurred())
				Expect(redelivered).NotTo(BeNil())
				Expect(redelivered.Job.Attempt).To(Equal(2))
			})
		})

		Context("when max attempts are exhausted", func() {
			It("moves the job to the dead-letter queue", func() {
				_, err := q.Enqueue(ctx, "crawl", []byte(`{}`), 0, 1)
				Expect(err).NotTo(HaveOccurred())
				lease, err := q.Dequeue(ctx, "crawl", time.Minute)
				Expect(err).NotTo(HaveOccurred())
				Expect(lease.Job.Attempt).To(Equal(1))

				Expect(lease.Nack(ctx, errors.New("permanent failure"))).To(Succeed())

				mr.FastForward(10 * time.Minute)
				redelivered, err := q.Dequeue(ctx, "crawl", time.Minute)
				Expect(err).NotTo(HaveOccurred())
				Expect(redelivered).To(BeNil())
			})
		})
	})

	Describe("Renew", func() {
		It("fails once the lease has been lost", func() {
			_, err := q.Enqueue(ctx, "crawl", []byte(`{}`), 0, 0)
			Expect(err).NotTo(HaveOccurred())
			lease, err := q.Dequeue(ctx, "crawl", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			mr.Del(leaseKey("crawl"))
			Expect(lease.Renew(ctx, time.Minute)).To(HaveOccurred())
		})
	})
})
