package processor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/llm"
	"github.com/AletheiaFact/ai-task-processor/pkg/models"
	"github.com/AletheiaFact/ai-task-processor/pkg/wikidata"
)

const identifyPrompt = `Analyze the following text and identify any personalities (people) mentioned in it.
Return the result as a JSON array with the following structure for each personality found:
[
    {
        "name": "Full name of the person",
        "mentioned_as": "How they are mentioned in the text",
        "confidence": 0.95,
        "context": "Brief context of how they are mentioned"
    }
]

Text to analyze: "%s"

If no personalities are found, return an empty array [].
Only return the JSON array, no additional text.`

// identifiedEntity is one extracted personality, optionally linked to its
// knowledge-graph record.
type identifiedEntity struct {
	Name        string              `json:"name"`
	MentionedAs string              `json:"mentioned_as"`
	Confidence  float64             `json:"confidence"`
	Context     string              `json:"context"`
	Wikidata    *wikidata.EntityRef `json:"wikidata"`
}

// IdentifyingData extracts the personalities a claim mentions and enriches
// each with a knowledge-graph reference. Enrichment is advisory: a lookup
// miss leaves the reference null and the task still succeeds.
type IdentifyingData struct {
	gateway  llm.Gateway
	enricher Enricher
	log      *zap.Logger
}

func NewIdentifyingData(deps Deps) *IdentifyingData {
	return &IdentifyingData{
		gateway:  deps.Gateway,
		enricher: deps.Enricher,
		log:      deps.Logger.Named("identifying-data"),
	}
}

func (p *IdentifyingData) Kind() models.Kind { return models.KindIdentifyingData }

func (p *IdentifyingData) CanProcess(task *models.Task) bool { return task.Kind == p.Kind() }

func (p *IdentifyingData) Process(ctx context.Context, task *models.Task) *models.TaskResult {
	const operation = "Identifying data"

	in, err := decodeInput(task, "", false, p.log)
	if err != nil {
		return failure(task, operation, err)
	}
	if err := checkModel(ctx, p.gateway, in.Model); err != nil {
		return failure(task, operation, err)
	}

	completion, err := p.gateway.ChatCompletion(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(identifyPrompt, in.Text)},
	}, in.Model)
	if err != nil {
		return failure(task, operation, err)
	}

	var entities []identifiedEntity
	if err := decodeModelJSON(completion.Content, &entities); err != nil {
		return failure(task, operation, err)
	}
	if entities == nil {
		entities = []identifiedEntity{}
	}

	if len(entities) > 0 {
		mentions := make([]wikidata.Mention, len(entities))
		for i, e := range entities {
			mentions[i] = wikidata.Mention{Name: e.Name, MentionedAs: e.MentionedAs}
		}
		refs := p.enricher.EnrichMentions(ctx, mentions)

		matched := 0
		for i := range entities {
			entities[i].Wikidata = refs[i]
			if refs[i] != nil {
				matched++
			}
		}
		p.log.Info("knowledge graph enrichment finished",
			zap.String("task_id", task.ID),
			zap.Int("entities", len(entities)),
			zap.Int("matched", matched))
	}

	return models.Succeeded(task.ID, map[string]any{
		"entities": entities,
		"model":    completion.Model,
		"usage":    completion.Usage,
	})
}
