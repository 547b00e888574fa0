package processor

import (
	"context"

	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/llm"
	"github.com/AletheiaFact/ai-task-processor/pkg/models"
)

// TextEmbedding turns claim text into an embedding vector the control
// plane stores for similarity search.
type TextEmbedding struct {
	gateway      llm.Gateway
	defaultModel string
	log          *zap.Logger
}

func NewTextEmbedding(deps Deps) *TextEmbedding {
	return &TextEmbedding{
		gateway:      deps.Gateway,
		defaultModel: deps.DefaultModel,
		log:          deps.Logger.Named("text-embedding"),
	}
}

func (p *TextEmbedding) Kind() models.Kind { return models.KindTextEmbedding }

func (p *TextEmbedding) CanProcess(task *models.Task) bool { return task.Kind == p.Kind() }

func (p *TextEmbedding) Process(ctx context.Context, task *models.Task) *models.TaskResult {
	const operation = "Text embedding"

	in, err := decodeInput(task, p.defaultModel, true, p.log)
	if err != nil {
		return failure(task, operation, err)
	}
	if err := checkModel(ctx, p.gateway, in.Model); err != nil {
		return failure(task, operation, err)
	}

	p.log.Info("creating text embedding",
		zap.String("task_id", task.ID),
		zap.String("model", in.Model),
		zap.Int("text_length", len(in.Text)))

	embedding, err := p.gateway.CreateEmbedding(ctx, in.Text, in.Model)
	if err != nil {
		return failure(task, operation, err)
	}

	return models.Succeeded(task.ID, map[string]any{
		"embedding": embedding.Vector,
		"model":     embedding.Model,
		"usage":     embedding.Usage,
	})
}
