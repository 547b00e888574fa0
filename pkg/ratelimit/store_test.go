package ratelimit_test

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/AletheiaFact/ai-task-processor/pkg/config"
	"github.com/AletheiaFact/ai-task-processor/pkg/ratelimit"
)

var _ = Describe("Store", func() {
	var (
		ctx context.Context
		t0  time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		t0 = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	})

	It("opens an in-memory database", func() {
		store, err := ratelimit.OpenStore(":memory:", zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()

		n, err := store.CompletionsBetween(ctx, t0.Add(-time.Hour), t0)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
	})

	It("prunes only records older than the retention cutoff", func() {
		path := filepath.Join(GinkgoT().TempDir(), "prune.db")
		store, err := ratelimit.OpenStore(path, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()

		clk := clocktesting.NewFakePassiveClock(t0.Add(-40 * 24 * time.Hour))
		cfg := config.RateLimitConfig{Enabled: true, Strategy: "rolling", PerMonth: 100, StoragePath: path}
		old := ratelimit.New(cfg, store, clk, zap.NewNop(), nil)
		Expect(old.Record(ctx, 2, "text-embedding", nil)).To(Succeed())

		clk.SetTime(t0)
		fresh := ratelimit.New(cfg, store, clk, zap.NewNop(), nil)
		Expect(fresh.Record(ctx, 3, "text-embedding", nil)).To(Succeed())

		deleted, err := store.Prune(ctx, t0.Add(-35*24*time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(deleted).To(Equal(int64(2)))

		n, err := store.CompletionsBetween(ctx, t0.Add(-45*24*time.Hour), t0)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(3))
	})
})
