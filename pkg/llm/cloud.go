package llm

import (
	"context"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/config"
	"github.com/AletheiaFact/ai-task-processor/pkg/metrics"
	"github.com/AletheiaFact/ai-task-processor/pkg/resilience"
)

const cloudProvider = "openai"

// cloudGateway forwards to the hosted OpenAI-compatible API through the SDK.
// The SDK fixes the model at construction time, so one client is built and
// cached per model.
type cloudGateway struct {
	cfg     config.CloudConfig
	policy  resilience.Policy
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	clients  map[string]languageModel
	newModel func(model string) (languageModel, error)
}

func newCloudGateway(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *cloudGateway {
	g := &cloudGateway{
		cfg:     cfg.Cloud,
		policy:  resilience.Policy{MaxRetries: cfg.MaxRetries, BackoffFactor: cfg.RetryBackoffFactor},
		timeout: cfg.ModelTimeout(),
		log:     log.Named("llm.openai"),
		metrics: m,
		clients: map[string]languageModel{},
	}
	g.newModel = g.dial
	return g
}

func (g *cloudGateway) dial(model string) (languageModel, error) {
	opts := []openai.Option{
		openai.WithToken(g.cfg.APIKey),
		openai.WithModel(model),
		openai.WithEmbeddingModel(model),
	}
	if g.cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(g.cfg.BaseURL))
	}
	return openai.New(opts...)
}

func (g *cloudGateway) client(model string) (languageModel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[model]; ok {
		return c, nil
	}
	c, err := g.newModel(model)
	if err != nil {
		return nil, resilience.Permanentf("building client for model %s: %v", model, err)
	}
	g.clients[model] = c
	return c, nil
}

// SupportsModel always claims the model: the hosted API is the catch-all
// backend and rejects unknown models itself.
func (g *cloudGateway) SupportsModel(context.Context, string) bool { return true }

func (g *cloudGateway) CreateEmbedding(ctx context.Context, text, model string) (*Embedding, error) {
	client, err := g.client(model)
	if err != nil {
		g.record(model, "error")
		return nil, err
	}

	var vectors [][]float32
	err = callWithRetry(ctx, g.log, g.policy, g.timeout, "openai:create_embedding", func(ctx context.Context) error {
		v, callErr := client.CreateEmbedding(ctx, []string{text})
		if callErr != nil {
			return classifyModelErr(callErr)
		}
		vectors = v
		return nil
	})
	if err != nil {
		g.record(model, "error")
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		g.record(model, "error")
		return nil, resilience.Permanentf("model %s returned an empty embedding", model)
	}

	usage := estimateUsage(text)
	g.record(model, "success")
	g.tokens(model, usage)
	return &Embedding{Vector: vectors[0], Model: model, Usage: usage}, nil
}

func (g *cloudGateway) ChatCompletion(ctx context.Context, messages []Message, model string) (*Completion, error) {
	client, err := g.client(model)
	if err != nil {
		g.record(model, "error")
		return nil, err
	}

	var resp *llms.ContentResponse
	err = callWithRetry(ctx, g.log, g.policy, g.timeout, "openai:chat_completion", func(ctx context.Context) error {
		r, callErr := client.GenerateContent(ctx, toContent(messages))
		if callErr != nil {
			return classifyModelErr(callErr)
		}
		if len(r.Choices) == 0 {
			return resilience.Permanentf("model %s returned no choices", model)
		}
		resp = r
		return nil
	})
	if err != nil {
		g.record(model, "error")
		return nil, err
	}

	choice := resp.Choices[0]
	usage := usageFromInfo(choice.GenerationInfo)
	g.record(model, "success")
	g.tokens(model, usage)
	return &Completion{Content: choice.Content, Model: model, Usage: usage}, nil
}

func (g *cloudGateway) Generate(ctx context.Context, prompt, model string) (*Completion, error) {
	return g.ChatCompletion(ctx, []Message{{Role: RoleUser, Content: prompt}}, model)
}

func (g *cloudGateway) record(model, status string) {
	if g.metrics == nil {
		return
	}
	g.metrics.RecordModelRequest(cloudProvider, model, status)
}

func (g *cloudGateway) tokens(model string, u Usage) {
	if g.metrics == nil {
		return
	}
	g.metrics.AddModelTokens(cloudProvider, model, "prompt", u.PromptTokens)
	g.metrics.AddModelTokens(cloudProvider, model, "completion", u.CompletionTokens)
}
