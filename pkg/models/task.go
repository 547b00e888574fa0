// Package models holds the task shapes exchanged with the AletheiaFact
// control plane. Tasks arrive as JSON from the pending-tasks endpoint and
// results go back through a status PATCH; the field tags below follow the
// control plane's wire names.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the processing pipeline a task is routed to.
type Kind string

const (
	KindTextEmbedding      Kind = "text-embedding"
	KindIdentifyingData    Kind = "identifying-data"
	KindDefiningTopics     Kind = "defining-topics"
	KindDefiningImpactArea Kind = "defining-impact-area"
	KindDefiningSeverity   Kind = "defining-severity"
)

// Kinds lists every task kind the worker understands, in routing order.
func Kinds() []Kind {
	return []Kind{
		KindTextEmbedding,
		KindIdentifyingData,
		KindDefiningTopics,
		KindDefiningImpactArea,
		KindDefiningSeverity,
	}
}

// Status is the lifecycle state of a task on the control plane. Workers only
// ever observe pending tasks and report succeeded or failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Task is one unit of work claimed from the control plane.
//
// Content stays raw here: its shape depends on Kind and each processor
// decodes it into its own input type. CallbackRoute and CallbackParams are
// opaque to the worker and echoed back unmodified.
type Task struct {
	ID             string          `json:"_id"`
	Kind           Kind            `json:"type"`
	Status         Status          `json:"state"`
	Content        json.RawMessage `json:"content,omitempty"`
	CallbackRoute  string          `json:"callbackRoute,omitempty"`
	CallbackParams json.RawMessage `json:"callbackParams,omitempty"`
	CreatedAt      *time.Time      `json:"createdAt,omitempty"`
	UpdatedAt      *time.Time      `json:"updatedAt,omitempty"`
}

// HasContent reports whether the task carries a non-empty content payload.
// The control plane occasionally emits tasks with literal JSON null content.
func (t *Task) HasContent() bool {
	if len(t.Content) == 0 {
		return false
	}
	return string(t.Content) != "null"
}

// TaskResult is the outcome of processing one task. Exactly one of Output or
// Error is populated, matching Status: succeeded carries output, failed
// carries an error message.
type TaskResult struct {
	TaskID string
	Status Status
	Output map[string]any
	Error  string
}

// Succeeded builds a successful result carrying output data.
func Succeeded(taskID string, output map[string]any) *TaskResult {
	return &TaskResult{
		TaskID: taskID,
		Status: StatusSucceeded,
		Output: output,
	}
}

// Failed builds a failed result carrying an explanatory message.
func Failed(taskID string, message string) *TaskResult {
	return &TaskResult{
		TaskID: taskID,
		Status: StatusFailed,
		Error:  message,
	}
}

// Failedf builds a failed result from a format string.
func Failedf(taskID string, format string, args ...any) *TaskResult {
	return Failed(taskID, fmt.Sprintf(format, args...))
}
