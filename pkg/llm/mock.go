package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"

	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/metrics"
)

const mockChatContent = "Mock response: This is a simulated AI response for testing purposes."

// mockGateway synthesizes deterministic outputs so the worker runs end to
// end without upstream credentials. Embeddings are seeded from the input,
// making repeated calls stable for downstream similarity checks.
type mockGateway struct {
	dimensions int
	log        *zap.Logger
	metrics    *metrics.Metrics
}

func newMockGateway(dimensions int, log *zap.Logger, m *metrics.Metrics) *mockGateway {
	if dimensions <= 0 {
		dimensions = 1024
	}
	return &mockGateway{dimensions: dimensions, log: log.Named("llm.mock"), metrics: m}
}

func (g *mockGateway) SupportsModel(context.Context, string) bool { return true }

func (g *mockGateway) CreateEmbedding(_ context.Context, text, model string) (*Embedding, error) {
	seed := fnv.New64a()
	fmt.Fprint(seed, model)
	seed.Write([]byte{0})
	fmt.Fprint(seed, text)

	//nolint:gosec
	rng := rand.New(rand.NewSource(int64(seed.Sum64())))
	vector := make([]float32, g.dimensions)
	for i := range vector {
		vector[i] = float32(rng.Float64()*2 - 1)
	}

	usage := estimateUsage(text)
	g.record(model, usage)
	g.log.Debug("served mock embedding", zap.String("model", model), zap.Int("dimensions", g.dimensions))
	return &Embedding{Vector: vector, Model: model, Usage: usage}, nil
}

func (g *mockGateway) ChatCompletion(_ context.Context, messages []Message, model string) (*Completion, error) {
	prompt := 0
	for _, msg := range messages {
		prompt += estimateUsage(msg.Content).PromptTokens
	}
	usage := Usage{PromptTokens: prompt, CompletionTokens: 10, TotalTokens: prompt + 10}
	g.record(model, usage)
	g.log.Debug("served mock completion", zap.String("model", model), zap.Int("messages", len(messages)))
	return &Completion{Content: mockChatContent, Model: model, Usage: usage}, nil
}

func (g *mockGateway) Generate(ctx context.Context, prompt, model string) (*Completion, error) {
	return g.ChatCompletion(ctx, []Message{{Role: RoleUser, Content: prompt}}, model)
}

func (g *mockGateway) record(model string, u Usage) {
	if g.metrics == nil {
		return
	}
	g.metrics.RecordModelRequest("mock", model, "success")
	g.metrics.AddModelTokens("mock", model, "prompt", u.PromptTokens)
	g.metrics.AddModelTokens("mock", model, "completion", u.CompletionTokens)
}
