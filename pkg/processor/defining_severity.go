package processor

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/llm"
	"github.com/AletheiaFact/ai-task-processor/pkg/models"
)

// severityLevels is the closed scale, ordered from most to least severe.
// Parsing scans in this order, so the strongest level mentioned wins.
var severityLevels = []string{
	"critical",
	"high_3", "high_2", "high_1",
	"medium_3", "medium_2", "medium_1",
	"low_3", "low_2", "low_1",
}

// severityDefault is assigned when the model reply names no level at all.
const severityDefault = "medium_2"

// severityInput carries the references the control plane already knows
// about. PersonalityWikidataID is the legacy scalar form.
type severityInput struct {
	Model                 string           `json:"model"`
	Text                  string           `json:"text"`
	Personalities         []severityEntity `json:"personalities"`
	PersonalityWikidataID string           `json:"personalityWikidataId"`
	PersonalityName       string           `json:"personalityName"`
	Topics                []severityEntity `json:"topics"`
	ImpactArea            *severityEntity  `json:"impactArea"`
}

type severityEntity struct {
	WikidataID string `json:"wikidataId"`
	Name       string `json:"name"`
}

// normalize coerces the legacy scalar personality fields into list form.
func (in *severityInput) normalize() {
	if len(in.Personalities) == 0 && in.PersonalityWikidataID != "" {
		in.Personalities = []severityEntity{{
			WikidataID: in.PersonalityWikidataID,
			Name:       in.PersonalityName,
		}}
	}
}

// DefiningSeverity grades how damaging a claim could be. The grade leans on
// knowledge-graph reach signals for the entities involved; entities that
// cannot be fetched degrade to the label the caller provided.
type DefiningSeverity struct {
	gateway  llm.Gateway
	enricher Enricher
	log      *zap.Logger
}

func NewDefiningSeverity(deps Deps) *DefiningSeverity {
	return &DefiningSeverity{
		gateway:  deps.Gateway,
		enricher: deps.Enricher,
		log:      deps.Logger.Named("defining-severity"),
	}
}

func (p *DefiningSeverity) Kind() models.Kind { return models.KindDefiningSeverity }

func (p *DefiningSeverity) CanProcess(task *models.Task) bool { return task.Kind == p.Kind() }

func (p *DefiningSeverity) Process(ctx context.Context, task *models.Task) *models.TaskResult {
	const operation = "Defining severity"

	var in severityInput
	if err := decodeContent(task, &in); err != nil {
		return failure(task, operation, err)
	}
	if in.Model == "" {
		return failure(task, operation, errMissingModel)
	}
	in.normalize()
	if err := checkModel(ctx, p.gateway, in.Model); err != nil {
		return failure(task, operation, err)
	}

	personalities := p.signals(ctx, in.Personalities)
	topics := p.signals(ctx, in.Topics)
	var impactArea any
	if in.ImpactArea != nil {
		impactArea = p.signals(ctx, []severityEntity{*in.ImpactArea})[0]
	}

	prompt := severityPrompt(in.Text, personalities, topics, impactArea)
	completion, err := p.gateway.ChatCompletion(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}, in.Model)
	if err != nil {
		return failure(task, operation, err)
	}

	level, matched := parseSeverityLevel(completion.Content)
	if !matched {
		p.log.Warn("model reply named no severity level, using the default",
			zap.String("task_id", task.ID),
			zap.String("level", level))
	}

	return models.Succeeded(task.ID, map[string]any{
		"severity": map[string]any{
			"level":         level,
			"personalities": personalities,
			"topics":        topics,
			"impactArea":    impactArea,
		},
		"model": completion.Model,
		"usage": completion.Usage,
	})
}

// signals assembles the knowledge-graph view for each referenced entity,
// falling back per entity to the caller-provided label.
func (p *DefiningSeverity) signals(ctx context.Context, entities []severityEntity) []any {
	out := make([]any, len(entities))
	if len(entities) == 0 {
		return out
	}

	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.WikidataID
	}
	views := p.enricher.Entities(ctx, ids)

	for i, e := range entities {
		if views[i] != nil {
			out[i] = views[i]
			continue
		}
		p.log.Warn("entity fetch failed, using the provided label",
			zap.String("wikidata_id", e.WikidataID),
			zap.String("name", e.Name))
		out[i] = map[string]string{"label": e.Name, "source": "user_provided"}
	}
	return out
}

func severityPrompt(text string, personalities, topics []any, impactArea any) string {
	var b strings.Builder
	b.WriteString("Assess the severity of the following claim for a fact-checking platform.\n\n")
	if text != "" {
		b.WriteString("Claim: \"")
		b.WriteString(text)
		b.WriteString("\"\n\n")
	}
	b.WriteString("Signals about the entities involved:\n")
	b.WriteString("Personalities: ")
	b.WriteString(compactJSON(personalities))
	b.WriteString("\nTopics: ")
	b.WriteString(compactJSON(topics))
	b.WriteString("\nImpact area: ")
	b.WriteString(compactJSON(impactArea))
	b.WriteString("\n\nWeigh the public reach of the personalities (sitelinks, statements, inbound links, pageviews, followers) together with the sensitivity of the topics and the breadth of the impact area.\n\n")
	b.WriteString("Severity scale, from most to least severe:\n")
	b.WriteString(strings.Join(severityLevels, ", "))
	b.WriteString("\n\nRespond with exactly one value from the scale and nothing else.")
	return b.String()
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

// parseSeverityLevel scans the reply for the first level in scale order, so
// a reply like "between high_2 and medium_1" resolves to high_2.
func parseSeverityLevel(reply string) (string, bool) {
	lowered := strings.ToLower(reply)
	for _, level := range severityLevels {
		if strings.Contains(lowered, level) {
			return level, true
		}
	}
	return severityDefault, false
}
