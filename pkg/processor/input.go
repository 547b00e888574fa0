package processor

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/llm"
	"github.com/AletheiaFact/ai-task-processor/pkg/models"
	"github.com/AletheiaFact/ai-task-processor/pkg/resilience"
)

const languagePT = "pt"

var (
	errMissingContent = resilience.Permanentf("Task content is missing")
	errMissingModel   = resilience.Permanentf("Model is required in task content")
)

// taskInput is the common content shape: the text to analyze and the model
// that must process it.
type taskInput struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// decodeInput parses task content into the common shape. A bare JSON string
// is accepted only when legacyString is set; embedding tasks predating the
// tagged format carried the raw text that way.
func decodeInput(task *models.Task, defaultModel string, legacyString bool, log *zap.Logger) (taskInput, error) {
	if !task.HasContent() {
		return taskInput{}, errMissingContent
	}

	var legacy string
	if err := json.Unmarshal(task.Content, &legacy); err == nil {
		if !legacyString {
			return taskInput{}, resilience.Permanentf("unsupported content for %s: expected an object", task.Kind)
		}
		log.Warn("task content is a bare string, assuming the default model",
			zap.String("task_id", task.ID),
			zap.String("model", defaultModel))
		return taskInput{Text: legacy, Model: defaultModel}, nil
	}

	var in taskInput
	if err := json.Unmarshal(task.Content, &in); err != nil {
		return taskInput{}, resilience.Permanentf("unsupported content: %v", err)
	}
	if in.Model == "" {
		return taskInput{}, errMissingModel
	}
	return in, nil
}

// decodeContent parses task content into a pipeline-specific shape.
func decodeContent(task *models.Task, dst any) error {
	if !task.HasContent() {
		return errMissingContent
	}
	if err := json.Unmarshal(task.Content, dst); err != nil {
		return resilience.Permanentf("unsupported content: %v", err)
	}
	return nil
}

// checkModel rejects models no configured backend claims, before any
// tokens are spent.
func checkModel(ctx context.Context, gw llm.Gateway, model string) error {
	if !gw.SupportsModel(ctx, model) {
		return resilience.Permanentf("Requested model '%s' is not supported", model)
	}
	return nil
}

// failure maps an error onto the failed-result contract: transient errors
// are prefixed so the control plane knows the task is worth re-emitting,
// permanent ones carry the pipeline name.
func failure(task *models.Task, operation string, err error) *models.TaskResult {
	if resilience.IsTransient(err) {
		return models.Failedf(task.ID, "Retryable error: %v", err)
	}
	return models.Failedf(task.ID, "%s failed: %v", operation, err)
}

// stripCodeFence unwraps a fenced code block; models add fences even when
// told not to.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// decodeModelJSON parses a model reply that was instructed to be pure JSON.
func decodeModelJSON(content string, dst any) error {
	if err := json.Unmarshal([]byte(stripCodeFence(content)), dst); err != nil {
		return resilience.Permanentf("model returned invalid JSON: %v", err)
	}
	return nil
}
