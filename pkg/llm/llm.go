// Package llm routes embedding and completion calls to the configured
// model backends: the hosted OpenAI-compatible API, a local inference
// server, a hybrid of the two, or deterministic mocks when no credentials
// are present.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/config"
	"github.com/AletheiaFact/ai-task-processor/pkg/metrics"
	"github.com/AletheiaFact/ai-task-processor/pkg/resilience"
)

// placeholderAPIKey is the value shipped in example configuration files.
// Treat it the same as no key at all.
const placeholderAPIKey = "your_openai_api_key_here"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage carries the token accounting a call consumed. Backends that do not
// report usage get a whitespace-token estimate instead.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Embedding is the result of an embedding call.
type Embedding struct {
	Vector []float32
	Model  string
	Usage  Usage
}

// Completion is the result of a chat or single-prompt call.
type Completion struct {
	Content string
	Model   string
	Usage   Usage
}

// Gateway is the model surface the task pipelines consume. Errors carry the
// transient/permanent classification the pipelines rely on.
type Gateway interface {
	CreateEmbedding(ctx context.Context, text, model string) (*Embedding, error)
	ChatCompletion(ctx context.Context, messages []Message, model string) (*Completion, error)
	Generate(ctx context.Context, prompt, model string) (*Completion, error)
	SupportsModel(ctx context.Context, model string) bool
}

// New selects the gateway for the configured processing mode. The admin
// client carries the local backend's inventory and pull traffic.
func New(cfg *config.Config, admin *resilience.Client, log *zap.Logger, m *metrics.Metrics) (Gateway, error) {
	switch cfg.ProcessingMode {
	case "cloud":
		return newCloudOrMock(cfg, log, m), nil
	case "local":
		return newLocalGateway(cfg, admin, log, m), nil
	case "hybrid":
		local := newLocalGateway(cfg, admin, log, m)
		return newHybridGateway(local, newCloudOrMock(cfg, log, m), log), nil
	default:
		return nil, fmt.Errorf("unknown processing mode %q", cfg.ProcessingMode)
	}
}

func newCloudOrMock(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) Gateway {
	if cfg.Cloud.APIKey == "" || cfg.Cloud.APIKey == placeholderAPIKey {
		log.Info("cloud API key absent or placeholder, serving mock model outputs")
		return newMockGateway(cfg.Cloud.EmbeddingDimensions, log, m)
	}
	return newCloudGateway(cfg, log, m)
}

// languageModel is the slice of the SDK client both real backends rely on.
// Kept narrow so tests can substitute the SDK.
type languageModel interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// callWithRetry runs one SDK call through the retry runner, bounding each
// attempt with its own timeout.
func callWithRetry(ctx context.Context, log *zap.Logger, p resilience.Policy, timeout time.Duration, operation string, fn func(ctx context.Context) error) error {
	return resilience.Retry(ctx, log, p, operation, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(attemptCtx)
	})
}

// statusPattern finds an HTTP status code inside an SDK error message. The
// SDK flattens upstream responses into text, so this is the only signal.
var statusPattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// classifyModelErr maps an SDK error onto the transient/permanent taxonomy:
// 429 and 5xx are worth retrying, other 4xx are not, and anything without a
// recognizable status (timeouts, refused connections) is assumed transient.
func classifyModelErr(err error) error {
	if err == nil {
		return nil
	}
	if resilience.IsTransient(err) || resilience.IsPermanent(err) {
		return err
	}
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return resilience.Transient(err)
		}
		return resilience.Permanent(err)
	}
	return resilience.Transient(err)
}

// toContent converts chat messages into the SDK's content form.
func toContent(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		role := schema.ChatMessageTypeHuman
		switch msg.Role {
		case RoleSystem:
			role = schema.ChatMessageTypeSystem
		case RoleAssistant:
			role = schema.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, msg.Content))
	}
	return out
}

// transcript flattens chat messages into the role-prefixed form understood
// by single-prompt backends.
func transcript(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			parts = append(parts, "System: "+msg.Content)
		case RoleAssistant:
			parts = append(parts, "Assistant: "+msg.Content)
		default:
			parts = append(parts, "User: "+msg.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// usageFromInfo reads token accounting out of a generation-info map. The
// SDK reports ints, but the concrete type varies by backend.
func usageFromInfo(info map[string]any) Usage {
	u := Usage{
		PromptTokens:     infoInt(info, "PromptTokens"),
		CompletionTokens: infoInt(info, "CompletionTokens"),
		TotalTokens:      infoInt(info, "TotalTokens"),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func infoInt(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// estimateUsage approximates token usage by whitespace tokens, for backends
// that return vectors without accounting.
func estimateUsage(text string) Usage {
	n := len(strings.Fields(text))
	return Usage{PromptTokens: n, TotalTokens: n}
}
