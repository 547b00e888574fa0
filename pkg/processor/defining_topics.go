package processor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/llm"
	"github.com/AletheiaFact/ai-task-processor/pkg/models"
)

const topicsPrompt = `Analise o texto a seguir e identifique os principais tópicos discutidos.
Retorne o resultado como um array JSON com a seguinte estrutura para cada tópico encontrado:
[
    {
        "name": "Nome do tópico",
        "confidence": 0.95,
        "context": "Breve contexto do tópico no texto"
    }
]

Texto para análise: "%s"

Se nenhum tópico claro for encontrado, retorne um array vazio [].
Responda somente com o array JSON, sem texto adicional.`

// modelTopic is the shape the model is instructed to emit.
type modelTopic struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Context    string  `json:"context"`
}

// topicAttachment is the shape the control plane attaches to the claim.
type topicAttachment struct {
	Name       string  `json:"name"`
	WikidataID *string `json:"wikidataId"`
	Language   string  `json:"language"`
}

// DefiningTopics extracts discussion topics from claim text and pins each
// to a knowledge-graph id when one can be found.
type DefiningTopics struct {
	gateway  llm.Gateway
	enricher Enricher
	log      *zap.Logger
}

func NewDefiningTopics(deps Deps) *DefiningTopics {
	return &DefiningTopics{
		gateway:  deps.Gateway,
		enricher: deps.Enricher,
		log:      deps.Logger.Named("defining-topics"),
	}
}

func (p *DefiningTopics) Kind() models.Kind { return models.KindDefiningTopics }

func (p *DefiningTopics) CanProcess(task *models.Task) bool { return task.Kind == p.Kind() }

func (p *DefiningTopics) Process(ctx context.Context, task *models.Task) *models.TaskResult {
	const operation = "Defining topics"

	in, err := decodeInput(task, "", false, p.log)
	if err != nil {
		return failure(task, operation, err)
	}
	if err := checkModel(ctx, p.gateway, in.Model); err != nil {
		return failure(task, operation, err)
	}

	completion, err := p.gateway.ChatCompletion(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(topicsPrompt, in.Text)},
	}, in.Model)
	if err != nil {
		return failure(task, operation, err)
	}

	var raw []modelTopic
	if err := decodeModelJSON(completion.Content, &raw); err != nil {
		return failure(task, operation, err)
	}

	topics := make([]topicAttachment, 0, len(raw))
	for _, topic := range raw {
		att := topicAttachment{Name: topic.Name, Language: languagePT}
		if topic.Name != "" {
			ref, err := p.enricher.LookupFirst(ctx, topic.Name)
			switch {
			case err != nil:
				p.log.Warn("topic lookup failed",
					zap.String("task_id", task.ID),
					zap.String("topic", topic.Name),
					zap.Error(err))
			case ref != nil:
				att.WikidataID = &ref.ID
			}
		}
		topics = append(topics, att)
	}

	return models.Succeeded(task.ID, map[string]any{
		"topics": topics,
		"model":  completion.Model,
		"usage":  completion.Usage,
	})
}
