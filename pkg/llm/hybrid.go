package llm

import (
	"context"

	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/resilience"
)

// hybridGateway prefers the local backend for models it claims and falls
// back to the cloud backend on any local failure.
type hybridGateway struct {
	local Gateway
	cloud Gateway
	log   *zap.Logger
}

func newHybridGateway(local, cloud Gateway, log *zap.Logger) *hybridGateway {
	return &hybridGateway{local: local, cloud: cloud, log: log.Named("llm.hybrid")}
}

func (g *hybridGateway) SupportsModel(ctx context.Context, model string) bool {
	return g.local.SupportsModel(ctx, model) || g.cloud.SupportsModel(ctx, model)
}

func (g *hybridGateway) CreateEmbedding(ctx context.Context, text, model string) (*Embedding, error) {
	if g.local.SupportsModel(ctx, model) {
		out, err := g.local.CreateEmbedding(ctx, text, model)
		if err == nil {
			return out, nil
		}
		g.logFallback("create_embedding", model, err)
	}
	if g.cloud.SupportsModel(ctx, model) {
		return g.cloud.CreateEmbedding(ctx, text, model)
	}
	return nil, errNoProvider(model)
}

func (g *hybridGateway) ChatCompletion(ctx context.Context, messages []Message, model string) (*Completion, error) {
	if g.local.SupportsModel(ctx, model) {
		out, err := g.local.ChatCompletion(ctx, messages, model)
		if err == nil {
			return out, nil
		}
		g.logFallback("chat_completion", model, err)
	}
	if g.cloud.SupportsModel(ctx, model) {
		return g.cloud.ChatCompletion(ctx, messages, model)
	}
	return nil, errNoProvider(model)
}

func (g *hybridGateway) Generate(ctx context.Context, prompt, model string) (*Completion, error) {
	if g.local.SupportsModel(ctx, model) {
		out, err := g.local.Generate(ctx, prompt, model)
		if err == nil {
			return out, nil
		}
		g.logFallback("generate", model, err)
	}
	if g.cloud.SupportsModel(ctx, model) {
		return g.cloud.Generate(ctx, prompt, model)
	}
	return nil, errNoProvider(model)
}

func (g *hybridGateway) logFallback(operation, model string, err error) {
	g.log.Warn("local model call failed, falling back to cloud",
		zap.String("operation", operation),
		zap.String("model", model),
		zap.Error(err))
}

func errNoProvider(model string) error {
	return resilience.Permanentf("no provider supports model: %s", model)
}
