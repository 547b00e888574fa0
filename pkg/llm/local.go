package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/config"
	"github.com/AletheiaFact/ai-task-processor/pkg/metrics"
	"github.com/AletheiaFact/ai-task-processor/pkg/resilience"
)

const localProvider = "ollama"

// localGateway drives a local inference server. Model availability is
// managed through the server's admin endpoints: the inventory is consulted
// before a model's first use and missing models are pulled, blocking until
// the download finishes.
type localGateway struct {
	cfg             config.LocalConfig
	admin           *resilience.Client
	policy          resilience.Policy
	timeout         time.Duration
	downloadTimeout time.Duration
	log             *zap.Logger
	metrics         *metrics.Metrics

	mu       sync.Mutex
	models   map[string]languageModel
	ready    map[string]bool
	newModel func(model string) (languageModel, error)
}

func newLocalGateway(cfg *config.Config, admin *resilience.Client, log *zap.Logger, m *metrics.Metrics) *localGateway {
	g := &localGateway{
		cfg:             cfg.Local,
		admin:           admin,
		policy:          resilience.Policy{MaxRetries: cfg.MaxRetries, BackoffFactor: cfg.RetryBackoffFactor},
		timeout:         cfg.ModelTimeout(),
		downloadTimeout: cfg.ModelDownloadTimeout(),
		log:             log.Named("llm.ollama"),
		metrics:         m,
		models:          map[string]languageModel{},
		ready:           map[string]bool{},
	}
	g.newModel = func(model string) (languageModel, error) {
		return ollama.New(ollama.WithServerURL(g.cfg.BaseURL), ollama.WithModel(model))
	}
	return g
}

// SupportsModel consults the configured allow-list; the local backend never
// guesses about models it was not told to serve.
func (g *localGateway) SupportsModel(_ context.Context, model string) bool {
	return lo.Contains(g.cfg.SupportedModels, model)
}

func (g *localGateway) CreateEmbedding(ctx context.Context, text, model string) (*Embedding, error) {
	client, err := g.ensureModel(ctx, model)
	if err != nil {
		g.record(model, "error")
		return nil, err
	}

	var vectors [][]float32
	err = callWithRetry(ctx, g.log, g.policy, g.timeout, "ollama:create_embedding", func(ctx context.Context) error {
		v, callErr := client.CreateEmbedding(ctx, []string{text})
		if callErr != nil {
			return g.classify(callErr)
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
		return nil, resilience.Permanentf("empty embedding received from Ollama for model %s", model)
	}

	usage := estimateUsage(text)
	g.record(model, "success")
	g.tokens(model, usage)
	return &Embedding{Vector: vectors[0], Model: model, Usage: usage}, nil
}

// ChatCompletion renders the conversation as a role-prefixed transcript;
// the local backend exposes single-prompt generation only.
func (g *localGateway) ChatCompletion(ctx context.Context, messages []Message, model string) (*Completion, error) {
	return g.Generate(ctx, transcript(messages), model)
}

func (g *localGateway) Generate(ctx context.Context, prompt, model string) (*Completion, error) {
	client, err := g.ensureModel(ctx, model)
	if err != nil {
		g.record(model, "error")
		return nil, err
	}

	var resp *llms.ContentResponse
	err = callWithRetry(ctx, g.log, g.policy, g.timeout, "ollama:generate", func(ctx context.Context) error {
		r, callErr := client.GenerateContent(ctx, []llms.MessageContent{llms.TextParts(schema.ChatMessageTypeHuman, prompt)})
		if callErr != nil {
			return g.classify(callErr)
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
	if usage.TotalTokens == 0 {
		usage = estimateUsage(prompt)
	}
	g.record(model, "success")
	g.tokens(model, usage)
	return &Completion{Content: choice.Content, Model: model, Usage: usage}, nil
}

// classify maps SDK errors, pinning the empty-response sentinels to
// permanent before the generic status scan runs.
func (g *localGateway) classify(err error) error {
	if errors.Is(err, ollama.ErrEmptyResponse) || errors.Is(err, ollama.ErrIncompleteEmbedding) {
		return resilience.Permanent(err)
	}
	return classifyModelErr(err)
}

// ensureModel returns the SDK client for model, installing the model on
// first use. Present models are remembered so the inventory is consulted
// once per model per process.
func (g *localGateway) ensureModel(ctx context.Context, model string) (languageModel, error) {
	g.mu.Lock()
	if g.ready[model] {
		client := g.models[model]
		g.mu.Unlock()
		return client, nil
	}
	g.mu.Unlock()

	present, err := g.modelPresent(ctx, model)
	if err != nil {
		return nil, err
	}
	if !present {
		if err := g.pullModel(ctx, model); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	client, ok := g.models[model]
	if !ok {
		client, err = g.newModel(model)
		if err != nil {
			return nil, resilience.Permanentf("building client for model %s: %v", model, err)
		}
		g.models[model] = client
	}
	g.ready[model] = true
	return client, nil
}

// modelPresent checks the local inventory. A bare model name matches any
// installed tag of that model.
func (g *localGateway) modelPresent(ctx context.Context, model string) (bool, error) {
	resp, err := g.admin.Do(ctx, &resilience.Request{
		Method:   http.MethodGet,
		URL:      g.cfg.BaseURL + "/api/tags",
		Endpoint: "/api/tags",
	})
	if err != nil {
		return false, err
	}
	var inventory struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := resp.DecodeJSON(&inventory); err != nil {
		return false, err
	}
	for _, m := range inventory.Models {
		if m.Name == model || strings.SplitN(m.Name, ":", 2)[0] == model {
			return true, nil
		}
	}
	return false, nil
}

// pullModel streams a registry pull and blocks until the final status line.
// The stream runs under the download budget, not the per-call timeout.
func (g *localGateway) pullModel(ctx context.Context, model string) error {
	g.log.Info("model not installed locally, pulling", zap.String("model", model))
	start := time.Now()

	var lastStatus string
	err := g.admin.Stream(ctx, &resilience.Request{
		Method:   http.MethodPost,
		URL:      g.cfg.BaseURL + "/api/pull",
		Body:     map[string]string{"name": model},
		Endpoint: "/api/pull",
		Timeout:  g.downloadTimeout,
	}, func(line []byte) error {
		var progress struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(line, &progress); err != nil {
			return nil // progress lines are advisory
		}
		if progress.Error != "" {
			return resilience.Permanentf("pulling model %s: %s", model, progress.Error)
		}
		if progress.Status != "" && progress.Status != lastStatus {
			lastStatus = progress.Status
			g.log.Debug("model pull progress", zap.String("model", model), zap.String("status", progress.Status))
		}
		return nil
	})
	if err != nil {
		return err
	}

	g.log.Info("model pulled", zap.String("model", model), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (g *localGateway) record(model, status string) {
	if g.metrics == nil {
		return
	}
	g.metrics.RecordModelRequest(localProvider, model, status)
}

func (g *localGateway) tokens(model string, u Usage) {
	if g.metrics == nil {
		return
	}
	g.metrics.AddModelTokens(localProvider, model, "prompt", u.PromptTokens)
	g.metrics.AddModelTokens(localProvider, model, "completion", u.CompletionTokens)
}
