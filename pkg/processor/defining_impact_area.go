package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/llm"
	"github.com/AletheiaFact/ai-task-processor/pkg/models"
	"github.com/AletheiaFact/ai-task-processor/pkg/resilience"
)

const impactAreaPrompt = `Analise o texto a seguir e identifique a principal área de impacto da alegação.
Retorne o resultado como um único objeto JSON com a seguinte estrutura:
{
    "name": "Nome da área de impacto",
    "description": "Descrição de como a área é impactada",
    "confidence": 0.95
}

Texto para análise: "%s"

Responda somente com o objeto JSON, sem texto adicional.`

type modelImpactArea struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// impactAreaAttachment is the shape the control plane attaches to the claim.
type impactAreaAttachment struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	WikidataID  *string `json:"wikidataId"`
	Language    string  `json:"language"`
}

// DefiningImpactArea names the single area a claim impacts. The model must
// return exactly one object; a list is a contract violation because the
// claim review schema holds one impact area.
type DefiningImpactArea struct {
	gateway  llm.Gateway
	enricher Enricher
	log      *zap.Logger
}

func NewDefiningImpactArea(deps Deps) *DefiningImpactArea {
	return &DefiningImpactArea{
		gateway:  deps.Gateway,
		enricher: deps.Enricher,
		log:      deps.Logger.Named("defining-impact-area"),
	}
}

func (p *DefiningImpactArea) Kind() models.Kind { return models.KindDefiningImpactArea }

func (p *DefiningImpactArea) CanProcess(task *models.Task) bool { return task.Kind == p.Kind() }

func (p *DefiningImpactArea) Process(ctx context.Context, task *models.Task) *models.TaskResult {
	const operation = "Defining impact area"

	in, err := decodeInput(task, "", false, p.log)
	if err != nil {
		return failure(task, operation, err)
	}
	if err := checkModel(ctx, p.gateway, in.Model); err != nil {
		return failure(task, operation, err)
	}

	completion, err := p.gateway.ChatCompletion(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(impactAreaPrompt, in.Text)},
	}, in.Model)
	if err != nil {
		return failure(task, operation, err)
	}

	reply := stripCodeFence(completion.Content)
	if strings.HasPrefix(reply, "[") {
		return failure(task, operation,
			resilience.Permanentf("model returned a list of impact areas, expected a single object"))
	}
	var area modelImpactArea
	if err := json.Unmarshal([]byte(reply), &area); err != nil {
		return failure(task, operation, resilience.Permanentf("model returned invalid JSON: %v", err))
	}

	att := impactAreaAttachment{
		Name:        area.Name,
		Description: area.Description,
		Language:    languagePT,
	}
	if area.Name != "" {
		ref, err := p.enricher.LookupFirst(ctx, area.Name)
		switch {
		case err != nil:
			p.log.Warn("impact area lookup failed",
				zap.String("task_id", task.ID),
				zap.String("impact_area", area.Name),
				zap.Error(err))
		case ref != nil:
			att.WikidataID = &ref.ID
		}
	}

	return models.Succeeded(task.ID, map[string]any{
		"impactArea": att,
		"model":      completion.Model,
		"usage":      completion.Usage,
	})
}
