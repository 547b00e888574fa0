package llm_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/config"
	"github.com/AletheiaFact/ai-task-processor/pkg/llm"
)

// The mock gateway is what New returns in cloud mode without credentials,
// so these specs drive it through the public factory.
var _ = Describe("Mock gateway", func() {
	var (
		ctx context.Context
		gw  llm.Gateway
	)

	newGateway := func(apiKey string) llm.Gateway {
		cfg := config.Default()
		cfg.ProcessingMode = "cloud"
		cfg.Cloud.APIKey = apiKey
		g, err := llm.New(cfg, nil, zap.NewNop(), nil)
		Expect(err).NotTo(HaveOccurred())
		return g
	}

	BeforeEach(func() {
		ctx = context.Background()
		gw = newGateway("")
	})

	It("is selected when the API key is the shipped placeholder", func() {
		g := newGateway("your_openai_api_key_here")
		out, err := g.ChatCompletion(ctx, []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, "o3-mini")
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Content).To(HavePrefix("Mock response:"))
	})

	It("claims every model", func() {
		Expect(gw.SupportsModel(ctx, "anything-at-all")).To(BeTrue())
	})

	Describe("embeddings", func() {
		It("returns a deterministic 1024-dimension vector in [-1, 1]", func() {
			first, err := gw.CreateEmbedding(ctx, "hello world", "text-embedding-3-small")
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Vector).To(HaveLen(1024))
			for _, v := range first.Vector {
				Expect(v).To(BeNumerically(">=", -1))
				Expect(v).To(BeNumerically("<=", 1))
			}

			second, err := gw.CreateEmbedding(ctx, "hello world", "text-embedding-3-small")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Vector).To(Equal(first.Vector))

			other, err := gw.CreateEmbedding(ctx, "different text", "text-embedding-3-small")
			Expect(err).NotTo(HaveOccurred())
			Expect(other.Vector).NotTo(Equal(first.Vector))
		})

		It("estimates usage from whitespace tokens", func() {
			out, err := gw.CreateEmbedding(ctx, "hello world", "text-embedding-3-small")
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Usage.PromptTokens).To(Equal(2))
			Expect(out.Usage.TotalTokens).To(Equal(2))
		})
	})

	Describe("completions", func() {
		It("returns the canned reply with summed prompt usage", func() {
			out, err := gw.ChatCompletion(ctx, []llm.Message{
				{Role: llm.RoleSystem, Content: "a b c"},
				{Role: llm.RoleUser, Content: "d e"},
			}, "o3-mini")
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Content).To(Equal("Mock response: This is a simulated AI response for testing purposes."))
			Expect(out.Usage.PromptTokens).To(Equal(5))
			Expect(out.Usage.CompletionTokens).To(Equal(10))
			Expect(out.Usage.TotalTokens).To(Equal(15))
		})

		It("serves Generate as a single-turn chat", func() {
			out, err := gw.Generate(ctx, "hello world", "o3-mini")
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Content).To(HavePrefix("Mock response:"))
			Expect(out.Usage.PromptTokens).To(Equal(2))
			Expect(out.Usage.TotalTokens).To(Equal(12))
		})
	})
})
