// Package scheduler drives the poll/dispatch loop: claim pending tasks from
// the control plane, admit them through the rate limiter, fan them out to
// the processing pipelines under a concurrency bound, and report results.
package scheduler

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/AletheiaFact/ai-task-processor/pkg/apiclient"
	"github.com/AletheiaFact/ai-task-processor/pkg/metrics"
	"github.com/AletheiaFact/ai-task-processor/pkg/models"
	"github.com/AletheiaFact/ai-task-processor/pkg/processor"
	"github.com/AletheiaFact/ai-task-processor/pkg/ratelimit"
	"github.com/AletheiaFact/ai-task-processor/pkg/shutdown"
)

// Config bounds the loop.
type Config struct {
	PollInterval time.Duration
	Concurrency  int
}

// Deps carries the collaborators the scheduler coordinates.
type Deps struct {
	API      *apiclient.Client
	Registry *processor.Registry
	Limiter  *ratelimit.Limiter
	Shutdown *shutdown.Coordinator
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Scheduler owns the polling loop. One instance runs per worker process;
// ticks never overlap.
type Scheduler struct {
	cfg      Config
	api      *apiclient.Client
	registry *processor.Registry
	limiter  *ratelimit.Limiter
	coord    *shutdown.Coordinator
	metrics  *metrics.Metrics
	sem      *semaphore.Weighted
	tracer   trace.Tracer
	log      *zap.Logger
}

func New(cfg Config, deps Deps) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Scheduler{
		cfg:      cfg,
		api:      deps.API,
		registry: deps.Registry,
		limiter:  deps.Limiter,
		coord:    deps.Shutdown,
		metrics:  deps.Metrics,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		tracer:   otel.Tracer("ai-task-processor/scheduler"),
		log:      deps.Logger.Named("scheduler"),
	}
}

// Run polls on the configured cadence until ctx is canceled or shutdown
// begins. Ticks run serially; a long batch delays the next poll rather than
// overlapping it.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("concurrency_limit", s.cfg.Concurrency))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped", zap.String("reason", "context canceled"))
			return
		case <-s.coord.Done():
			s.log.Info("scheduler stopped", zap.String("reason", "shutdown requested"))
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one poll/dispatch cycle. The batch is clamped to the smaller of
// the concurrency limit and the rate limiter's headroom, so a tick near a
// budget boundary still processes the remainder instead of stalling.
func (s *Scheduler) Tick(ctx context.Context) {
	release, ok := s.coord.Track()
	if !ok {
		s.log.Debug("shutdown in progress, skipping poll")
		return
	}
	defer release()

	admit := s.cfg.Concurrency
	if s.limiter.Enabled() {
		headroom, err := s.headroom(ctx)
		if err != nil {
			s.log.Error("rate limit inspection failed", zap.Error(err))
			return
		}
		if err := s.limiter.PublishUsage(ctx); err != nil {
			s.log.Debug("publishing rate limit usage failed", zap.Error(err))
		}
		if headroom <= 0 {
			// Re-run the full check so the denial is logged and counted.
			if _, err := s.limiter.Check(ctx, s.cfg.Concurrency); err != nil {
				s.log.Error("rate limit check failed", zap.Error(err))
			}
			return
		}
		if headroom < admit {
			admit = headroom
		}
	}

	// Claim beyond the admission cap so a capped tick still sees work.
	tasks, err := s.api.GetPendingTasks(ctx, 2*s.cfg.Concurrency)
	if err != nil {
		s.log.Error("failed to fetch pending tasks", zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		return
	}

	batch := tasks
	if len(batch) > admit {
		s.log.Info("clamping batch to rate limit headroom",
			zap.Int("pending", len(tasks)),
			zap.Int("admitted", admit))
		batch = batch[:admit]
	}

	if s.limiter.Enabled() {
		decision, err := s.limiter.Check(ctx, len(batch))
		if err != nil {
			s.log.Error("rate limit check failed", zap.Error(err))
			return
		}
		if !decision.Allowed {
			return
		}
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded = make(map[models.Kind][]string)
	)
	for _, task := range batch {
		taskRelease, ok := s.coord.Track()
		if !ok {
			s.log.Info("shutdown requested, leaving remaining tasks pending")
			break
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			taskRelease()
			break
		}

		wg.Add(1)
		go func(task models.Task) {
			defer wg.Done()
			defer s.sem.Release(1)
			defer taskRelease()

			if s.processTask(ctx, &task) {
				mu.Lock()
				succeeded[task.Kind] = append(succeeded[task.Kind], task.ID)
				mu.Unlock()
			}
		}(task)
	}
	wg.Wait()

	if s.limiter.Enabled() {
		for kind, ids := range succeeded {
			if err := s.limiter.Record(ctx, len(ids), string(kind), ids); err != nil {
				s.log.Warn("failed to record completed tasks",
					zap.String("kind", string(kind)),
					zap.Error(err))
			}
		}
	}
}

// headroom returns the smallest remaining budget across enabled tiers.
func (s *Scheduler) headroom(ctx context.Context) (int, error) {
	snapshot, err := s.limiter.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	if len(snapshot) == 0 {
		return s.cfg.Concurrency, nil
	}
	headroom := math.MaxInt
	for _, usage := range snapshot {
		if usage.Remaining < headroom {
			headroom = usage.Remaining
		}
	}
	return headroom, nil
}

// processTask runs one claimed task through its pipeline and reports the
// outcome. The return value says whether a model budget was spent, which is
// what the rate limiter meters.
func (s *Scheduler) processTask(ctx context.Context, task *models.Task) bool {
	if s.coord.ShuttingDown() {
		s.log.Info("shutdown in progress, leaving task for a later poll",
			zap.String("task_id", task.ID))
		return false
	}

	proc, ok := s.registry.Get(task.Kind)
	if !ok {
		s.log.Error("no processor available",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)))
		result := models.Failedf(task.ID, "No processor available for task type: %s", task.Kind)
		s.api.UpdateTaskStatus(ctx, task.ID, result)
		return false
	}

	ctx, span := s.tracer.Start(ctx, "task.process", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.kind", string(task.Kind)),
	))
	defer span.End()

	s.metrics.TaskStarted()
	started := time.Now()
	result := s.registry.Execute(ctx, proc, task)
	s.metrics.TaskFinished()
	s.metrics.ObserveTaskDuration(string(task.Kind), time.Since(started).Seconds())
	s.metrics.RecordTaskProcessed(string(task.Kind), string(result.Status))
	span.SetAttributes(attribute.String("task.status", string(result.Status)))

	s.api.UpdateTaskStatus(ctx, task.ID, result)
	return result.Status == models.StatusSucceeded
}
