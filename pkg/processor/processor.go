// Package processor routes claimed tasks to their processing pipelines.
// Each pipeline validates the task content, drives the model gateway, and
// shapes the output the control plane callback expects.
package processor

import (
	"context"

	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/llm"
	"github.com/AletheiaFact/ai-task-processor/pkg/models"
	"github.com/AletheiaFact/ai-task-processor/pkg/wikidata"
)

// Processor is one task pipeline. Process never returns an error: every
// outcome, including validation failures, becomes a result the scheduler
// reports back to the control plane.
type Processor interface {
	Kind() models.Kind
	CanProcess(task *models.Task) bool
	Process(ctx context.Context, task *models.Task) *models.TaskResult
}

// Enricher is the knowledge-graph surface the pipelines consume.
type Enricher interface {
	EnrichMentions(ctx context.Context, mentions []wikidata.Mention) []*wikidata.EntityRef
	LookupFirst(ctx context.Context, name string) (*wikidata.EntityRef, error)
	Entities(ctx context.Context, ids []string) []*wikidata.KGEntity
}

// Deps carries the shared dependencies every pipeline draws on.
type Deps struct {
	Gateway  llm.Gateway
	Enricher Enricher
	// DefaultModel serves legacy tasks whose content is a bare string.
	DefaultModel string
	Logger       *zap.Logger
}

// Registry holds one pipeline per task kind.
type Registry struct {
	log   *zap.Logger
	procs map[models.Kind]Processor
}

// NewRegistry wires every known pipeline.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		log:   deps.Logger.Named("processor"),
		procs: make(map[models.Kind]Processor),
	}
	for _, p := range []Processor{
		NewTextEmbedding(deps),
		NewIdentifyingData(deps),
		NewDefiningTopics(deps),
		NewDefiningImpactArea(deps),
		NewDefiningSeverity(deps),
	} {
		r.procs[p.Kind()] = p
	}
	return r
}

// Get returns the pipeline for kind.
func (r *Registry) Get(kind models.Kind) (Processor, bool) {
	p, ok := r.procs[kind]
	return p, ok
}

// Kinds lists the registered task kinds in canonical order.
func (r *Registry) Kinds() []models.Kind {
	out := make([]models.Kind, 0, len(r.procs))
	for _, kind := range models.Kinds() {
		if _, ok := r.procs[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}

// Execute runs p on task, converting panics into failed results so one
// malformed payload cannot take the worker down.
func (r *Registry) Execute(ctx context.Context, p Processor, task *models.Task) (result *models.TaskResult) {
	log := r.log.With(zap.String("task_id", task.ID), zap.String("kind", string(task.Kind)))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("processor panicked", zap.Any("panic", rec))
			result = models.Failedf(task.ID, "%s processor error: %v", task.Kind, rec)
		}
	}()

	log.Info("processing task")
	result = p.Process(ctx, task)
	if result.Status == models.StatusSucceeded {
		log.Info("task succeeded")
	} else {
		log.Warn("task failed", zap.String("error", result.Error))
	}
	return result
}
