package processor

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/AletheiaFact/ai-task-processor/pkg/models"
	"github.com/AletheiaFact/ai-task-processor/pkg/wikidata"
)

var _ = Describe("DefiningImpactArea", func() {
	var (
		ctx      context.Context
		gw       *scriptedGateway
		enricher *scriptedEnricher
		proc     *DefiningImpactArea
	)

	BeforeEach(func() {
		ctx = context.Background()
		gw = &scriptedGateway{}
		enricher = &scriptedEnricher{refs: map[string]*wikidata.EntityRef{}}
		proc = NewDefiningImpactArea(newTestDeps(gw, enricher))
	})

	newAreaTask := func() *models.Task {
		return newTask(models.KindDefiningImpactArea, `{"text": "A medida afeta hospitais.", "model": "o3-mini"}`)
	}

	It("names a single impact area with its knowledge-graph id", func() {
		gw.reply = `{"name": "Saúde", "description": "Afeta o atendimento hospitalar", "confidence": 0.9}`
		enricher.refs["Saúde"] = &wikidata.EntityRef{ID: "Q12147", Label: "saúde"}

		result := proc.Process(ctx, newAreaTask())
		Expect(result.Status).To(Equal(models.StatusSucceeded))

		area, ok := result.Output["impactArea"].(impactAreaAttachment)
		Expect(ok).To(BeTrue())
		Expect(area.Name).To(Equal("Saúde"))
		Expect(area.Description).To(Equal("Afeta o atendimento hospitalar"))
		Expect(area.Language).To(Equal("pt"))
		Expect(area.WikidataID).NotTo(BeNil())
		Expect(*area.WikidataID).To(Equal("Q12147"))
	})

	It("leaves the id null on a lookup miss", func() {
		gw.reply = `{"name": "Política fiscal", "description": "d", "confidence": 0.7}`
		result := proc.Process(ctx, newAreaTask())

		Expect(result.Status).To(Equal(models.StatusSucceeded))
		area := result.Output["impactArea"].(impactAreaAttachment)
		Expect(area.WikidataID).To(BeNil())
	})

	It("rejects a list reply as a contract violation", func() {
		gw.reply = `[{"name": "Saúde", "description": "d", "confidence": 0.9}]`
		result := proc.Process(ctx, newAreaTask())

		Expect(result.Status).To(Equal(models.StatusFailed))
		Expect(result.Error).To(ContainSubstring("expected a single object"))
		Expect(result.Error).To(HavePrefix("Defining impact area failed: "))
	})

	It("rejects a fenced list reply too", func() {
		gw.reply = "```json\n[{\"name\": \"Saúde\"}]\n```"
		result := proc.Process(ctx, newAreaTask())

		Expect(result.Status).To(Equal(models.StatusFailed))
		Expect(result.Error).To(ContainSubstring("expected a single object"))
	})

	It("accepts a fenced object reply", func() {
		gw.reply = "```json\n{\"name\": \"Meio ambiente\", \"description\": \"d\", \"confidence\": 0.8}\n```"
		result := proc.Process(ctx, newAreaTask())

		Expect(result.Status).To(Equal(models.StatusSucceeded))
		area := result.Output["impactArea"].(impactAreaAttachment)
		Expect(area.Name).To(Equal("Meio ambiente"))
	})

	It("fails fatally on a non-JSON reply", func() {
		gw.reply = `the impact area is health`
		result := proc.Process(ctx, newAreaTask())

		Expect(result.Status).To(Equal(models.StatusFailed))
		Expect(result.Error).To(ContainSubstring("model returned invalid JSON"))
	})
})
