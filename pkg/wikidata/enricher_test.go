package wikidata_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gstruct"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/AletheiaFact/ai-task-processor/pkg/config"
	"github.com/AletheiaFact/ai-task-processor/pkg/resilience"
	"github.com/AletheiaFact/ai-task-processor/pkg/wikidata"
)

// fakeGraph is an in-process stand-in for the Wikidata action API, the
// SPARQL endpoint, and the pageview API, with per-endpoint call accounting.
type fakeGraph struct {
	mu            sync.Mutex
	searchQueries []string
	entityBatches [][]string
	sparqlIDs     []string
	pageviewPaths []string

	searches map[string][]map[string]any
	entities map[string]map[string]any
	inbound  map[string]int
	views    map[string][]int
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		searches: map[string][]map[string]any{},
		entities: map[string]map[string]any{},
		inbound:  map[string]int{},
		views:    map[string][]int{},
	}
}

var sparqlEntity = regexp.MustCompile(`wd:(Q\d+)`)

func (f *fakeGraph) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/w/api.php", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "wbsearchentities":
			q := r.URL.Query().Get("search")
			f.mu.Lock()
			f.searchQueries = append(f.searchQueries, q)
			f.mu.Unlock()
			writeJSON(w, map[string]any{"search": f.searches[q]})
		case "wbgetentities":
			ids := strings.Split(r.URL.Query().Get("ids"), "|")
			f.mu.Lock()
			f.entityBatches = append(f.entityBatches, ids)
			f.mu.Unlock()
			out := map[string]any{}
			for _, id := range ids {
				if ent, ok := f.entities[id]; ok {
					out[id] = ent
				} else {
					out[id] = map[string]any{"id": id, "missing": ""}
				}
			}
			writeJSON(w, map[string]any{"entities": out, "success": 1})
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/sparql", func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if m := sparqlEntity.FindStringSubmatch(r.URL.Query().Get("query")); m != nil {
			id = m[1]
		}
		f.mu.Lock()
		f.sparqlIDs = append(f.sparqlIDs, id)
		f.mu.Unlock()
		writeJSON(w, map[string]any{
			"results": map[string]any{
				"bindings": []any{
					map[string]any{"count": map[string]any{"type": "literal", "value": strconv.Itoa(f.inbound[id])}},
				},
			},
		})
	})
	mux.HandleFunc("/metrics/pageviews/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.pageviewPaths = append(f.pageviewPaths, r.URL.Path)
		f.mu.Unlock()
		// .../per-article/{project}/all-access/user/{article}/daily/{start}/{end}
		parts := strings.Split(r.URL.Path, "/")
		article := parts[len(parts)-4]
		daily, ok := f.views[article]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"type":"about:blank","title":"Not found."}`))
			return
		}
		items := make([]any, 0, len(daily))
		for _, v := range daily {
			items = append(items, map[string]any{"views": v})
		}
		writeJSON(w, map[string]any{"items": items})
	})
	return mux
}

func (f *fakeGraph) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searchQueries)
}

func (f *fakeGraph) entityCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entityBatches)
}

func (f *fakeGraph) seenQueries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.searchQueries...)
}

func (f *fakeGraph) seenBatches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.entityBatches...)
}

func (f *fakeGraph) seenPageviewPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pageviewPaths...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func searchHit(id, label, description string, aliases ...string) map[string]any {
	if aliases == nil {
		aliases = []string{}
	}
	return map[string]any{
		"id":          id,
		"label":       label,
		"description": description,
		"url":         "//www.wikidata.org/wiki/" + id,
		"aliases":     aliases,
	}
}

func itemClaim(target string) map[string]any {
	return map[string]any{
		"mainsnak": map[string]any{
			"datavalue": map[string]any{
				"type":  "wikibase-entityid",
				"value": map[string]any{"entity-type": "item", "id": target},
			},
		},
	}
}

func quantityClaim(amount string) map[string]any {
	return map[string]any{
		"mainsnak": map[string]any{
			"datavalue": map[string]any{
				"type":  "quantity",
				"value": map[string]any{"amount": amount, "unit": "1"},
			},
		},
	}
}

func typedEntity(id, label, instanceOf string) map[string]any {
	return map[string]any{
		"id":     id,
		"labels": map[string]any{"en": map[string]any{"language": "en", "value": label}},
		"descriptions": map[string]any{
			"en": map[string]any{"language": "en", "value": label + " description"},
		},
		"claims": map[string]any{"P31": []any{itemClaim(instanceOf)}},
	}
}

func testConfig(base string) config.WikidataConfig {
	return config.WikidataConfig{
		APIURL:       base + "/w/api.php",
		SPARQLURL:    base + "/sparql",
		PageviewsURL: base + "/metrics/pageviews",
		UserAgent:    "enrichment-test/1.0",
		Language:     "en",
		SearchLimit:  5,
	}
}

func buildEnricher(cfg config.WikidataConfig, cache *wikidata.Cache, clk clock.PassiveClock) *wikidata.Enricher {
	httpc := resilience.NewClient(resilience.ClientConfig{
		Timeout: 5 * time.Second,
		Policy:  resilience.Policy{MaxRetries: 0, BackoffFactor: 1},
	}, zap.NewNop(), nil)
	client := wikidata.NewClient(httpc, cfg, clk, zap.NewNop())
	return wikidata.NewEnricher(client, cache, cfg, zap.NewNop())
}

var _ = Describe("Enricher", func() {
	var (
		fake     *fakeGraph
		server   *httptest.Server
		enricher *wikidata.Enricher
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		fake = newFakeGraph()
		server = httptest.NewServer(fake.handler())
		DeferCleanup(server.Close)
		enricher = buildEnricher(testConfig(server.URL), nil, clock.RealClock{})
	})

	Describe("EnrichMentions", func() {
		BeforeEach(func() {
			fake.searches["Ada Quill"] = []map[string]any{
				searchHit("Q101", "Ada Quill (novel)", "novel"),
				searchHit("Q102", "Ada Quill", "mathematician"),
			}
			fake.searches["Gazette Online"] = []map[string]any{
				searchHit("Q201", "Gazette Online", "news site"),
				searchHit("Q202", "Gazette Holdings", "company"),
				searchHit("Q203", "Gazette Media Group", "listed company"),
			}
			fake.searches["Mystery Rock"] = []map[string]any{
				searchHit("Q301", "Mystery Rock", "formation"),
				searchHit("Q302", "Mystery Rock (film)", "film"),
				searchHit("Q303", "Mystery Rock Trail", "trail"),
			}

			fake.entities["Q101"] = typedEntity("Q101", "Ada Quill (novel)", "Q7725634")
			fake.entities["Q102"] = typedEntity("Q102", "Ada Quill", "Q5")
			fake.entities["Q201"] = typedEntity("Q201", "Gazette Online", "Q1153191")
			fake.entities["Q202"] = typedEntity("Q202", "Gazette Holdings", "Q4830453")
			fake.entities["Q203"] = typedEntity("Q203", "Gazette Media Group", "Q891723")
			fake.entities["Q301"] = typedEntity("Q301", "Mystery Rock", "Q8502")
			fake.entities["Q302"] = typedEntity("Q302", "Mystery Rock (film)", "Q11424")
			fake.entities["Q303"] = typedEntity("Q303", "Mystery Rock Trail", "Q2143825")
		})

		It("resolves a batch with one search per mention and one bulk fetch", func() {
			refs := enricher.EnrichMentions(ctx, []wikidata.Mention{
				{Name: "Ada Quill"},
				{Name: "Gazette Online"},
				{Name: "Mystery Rock"},
			})

			Expect(refs).To(HaveLen(3))
			Expect(fake.searchCount()).To(Equal(3))
			Expect(fake.entityCallCount()).To(Equal(1))
			Expect(fake.seenBatches()[0]).To(HaveLen(8))

			Expect(refs[0]).NotTo(BeNil())
			Expect(refs[0].ID).To(Equal("Q102"))
			Expect(refs[0].Label).To(Equal("Ada Quill"))
			Expect(refs[0].URL).To(Equal("https://www.wikidata.org/wiki/Q102"))
			Expect(refs[0].Description).To(Equal("Ada Quill description"))
			Expect(refs[0].Aliases).NotTo(BeNil())
		})

		It("picks the first candidate in rank order that passes the type filter", func() {
			refs := enricher.EnrichMentions(ctx, []wikidata.Mention{{Name: "Gazette Online"}})

			// Q203 is a public company and would qualify, but Q201 ranks first.
			Expect(refs[0]).NotTo(BeNil())
			Expect(refs[0].ID).To(Equal("Q201"))
		})

		It("leaves mentions without an acceptable candidate unresolved", func() {
			refs := enricher.EnrichMentions(ctx, []wikidata.Mention{
				{Name: "Mystery Rock"},
				{Name: "Ada Quill"},
			})

			Expect(refs[0]).To(BeNil())
			Expect(refs[1]).NotTo(BeNil())
		})

		It("retries the surface form only when the canonical name finds nothing", func() {
			fake.searches["V. Singh"] = []map[string]any{}
			fake.searches["Vikram Singh"] = []map[string]any{
				searchHit("Q401", "Vikram Singh", "politician"),
			}
			fake.entities["Q401"] = typedEntity("Q401", "Vikram Singh", "Q5")

			refs := enricher.EnrichMentions(ctx, []wikidata.Mention{
				{Name: "V. Singh", MentionedAs: "Vikram Singh"},
			})

			Expect(fake.seenQueries()).To(Equal([]string{"V. Singh", "Vikram Singh"}))
			Expect(refs[0]).NotTo(BeNil())
			Expect(refs[0].ID).To(Equal("Q401"))
		})

		It("tolerates a failing search and resolves the rest of the batch", func() {
			refs := enricher.EnrichMentions(ctx, []wikidata.Mention{
				{Name: "Ada Quill"},
				{Name: "No Fixture Either"},
			})

			// The unknown name returns an empty hit list, not an error, so it
			// simply stays unresolved.
			Expect(refs[0]).NotTo(BeNil())
			Expect(refs[1]).To(BeNil())
		})

		It("returns an empty aligned slice for an empty batch without calling out", func() {
			refs := enricher.EnrichMentions(ctx, nil)

			Expect(refs).To(BeEmpty())
			Expect(fake.searchCount()).To(BeZero())
			Expect(fake.entityCallCount()).To(BeZero())
		})

		It("serves repeat batches from the entity cache", func() {
			cache, err := wikidata.NewCache(ctx, config.KGCacheConfig{TTLSeconds: 60}, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(cache.Close)
			enricher = buildEnricher(testConfig(server.URL), cache, clock.RealClock{})

			first := enricher.EnrichMentions(ctx, []wikidata.Mention{{Name: "Ada Quill"}})
			Expect(first[0]).NotTo(BeNil())
			Expect(fake.entityCallCount()).To(Equal(1))

			second := enricher.EnrichMentions(ctx, []wikidata.Mention{{Name: "Ada Quill"}})
			Expect(second[0]).NotTo(BeNil())
			Expect(second[0].ID).To(Equal("Q102"))
			Expect(fake.entityCallCount()).To(Equal(1))
		})
	})

	Describe("LookupFirst", func() {
		It("returns the top hit built from the search response alone", func() {
			fake.searches["Aletheia"] = []map[string]any{
				searchHit("Q901", "Aletheia", "fact-checking platform", "AletheiaFact"),
				searchHit("Q902", "Aletheia (philosophy)", "concept"),
			}

			ref, err := enricher.LookupFirst(ctx, "Aletheia")
			Expect(err).NotTo(HaveOccurred())
			Expect(ref).NotTo(BeNil())
			Expect(ref.ID).To(Equal("Q901"))
			Expect(ref.URL).To(Equal("https://www.wikidata.org/wiki/Q901"))
			Expect(ref.Description).To(Equal("fact-checking platform"))
			Expect(ref.Aliases).To(ConsistOf("AletheiaFact"))
			Expect(fake.entityCallCount()).To(BeZero())
		})

		It("returns nil without error on a clean miss", func() {
			fake.searches["Nobody"] = []map[string]any{}

			ref, err := enricher.LookupFirst(ctx, "Nobody")
			Expect(err).NotTo(HaveOccurred())
			Expect(ref).To(BeNil())
		})
	})

	Describe("Entity", func() {
		BeforeEach(func() {
			fake.entities["Q500"] = map[string]any{
				"id": "Q500",
				"labels": map[string]any{
					"en": map[string]any{"language": "en", "value": "Jane Observer"},
				},
				"descriptions": map[string]any{
					"en": map[string]any{"language": "en", "value": "investigative journalist"},
				},
				"aliases": map[string]any{
					"en": []any{map[string]any{"language": "en", "value": "J. Observer"}},
				},
				"claims": map[string]any{
					"P31":   []any{itemClaim("Q5")},
					"P106":  []any{itemClaim("Q1930187")},
					"P39":   []any{itemClaim("Q294414")},
					"P166":  []any{itemClaim("Q35637")},
					"P8687": []any{quantityClaim("+1200"), quantityClaim("+90000")},
				},
				"sitelinks": map[string]any{
					"enwiki": map[string]any{"site": "enwiki", "title": "Jane Observer"},
					"ptwiki": map[string]any{"site": "ptwiki", "title": "Jane Observer"},
				},
			}
			fake.entities["Q1930187"] = typedEntity("Q1930187", "journalist", "Q28640")
			fake.entities["Q294414"] = typedEntity("Q294414", "public office", "Q4164871")
			fake.entities["Q35637"] = typedEntity("Q35637", "Nobel Peace Prize", "Q618779")
			fake.inbound["Q500"] = 42
			fake.views["Jane_Observer"] = []int{10, 20, 30}
		})

		It("assembles recognition, centrality, and engagement signals", func() {
			ent, err := enricher.Entity(ctx, "Q500")
			Expect(err).NotTo(HaveOccurred())

			Expect(ent.ID).To(Equal("Q500"))
			Expect(ent.Label).To(Equal("Jane Observer"))
			Expect(ent.Description).To(Equal("investigative journalist"))
			Expect(ent.Aliases).To(ConsistOf("J. Observer"))
			Expect(ent.Sitelinks).To(Equal(2))
			Expect(ent.Statements).To(Equal(6))
			Expect(ent.InboundLinks).To(Equal(42))
			Expect(ent.Pageviews).To(Equal(60))
			Expect(ent.Followers).To(gstruct.PointTo(BeEquivalentTo(90000)))
			Expect(ent.Occupations).To(ConsistOf("journalist"))
			Expect(ent.Positions).To(ConsistOf("public office"))
			Expect(ent.Awards).To(ConsistOf("Nobel Peace Prize"))
			Expect(ent.InstanceOf).To(ConsistOf("Q5"))
		})

		It("requests the trailing thirty day pageview window", func() {
			clk := clocktesting.NewFakePassiveClock(time.Date(2026, 8, 25, 12, 0, 30, 0, time.UTC))
			enricher = buildEnricher(testConfig(server.URL), nil, clk)

			_, err := enricher.Entity(ctx, "Q500")
			Expect(err).NotTo(HaveOccurred())

			paths := fake.seenPageviewPaths()
			Expect(paths).To(HaveLen(1))
			Expect(paths[0]).To(HaveSuffix("/daily/2026072600/2026082500"))
			Expect(paths[0]).To(ContainSubstring("/per-article/en.wikipedia/all-access/user/Jane_Observer/"))
		})

		It("defaults advisory signals to zero when their lookups fail", func() {
			delete(fake.views, "Jane_Observer")
			fake.inbound["Q500"] = 0

			ent, err := enricher.Entity(ctx, "Q500")
			Expect(err).NotTo(HaveOccurred())
			Expect(ent.Pageviews).To(BeZero())
			Expect(ent.InboundLinks).To(BeZero())
			Expect(ent.Label).To(Equal("Jane Observer"))
		})

		It("fails when the entity itself does not exist", func() {
			_, err := enricher.Entity(ctx, "Q999999")
			Expect(err).To(MatchError(ContainSubstring("not found")))
		})

		It("serves repeat lookups from the cache", func() {
			cache, err := wikidata.NewCache(ctx, config.KGCacheConfig{TTLSeconds: 60}, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(cache.Close)
			enricher = buildEnricher(testConfig(server.URL), cache, clock.RealClock{})

			first, err := enricher.Entity(ctx, "Q500")
			Expect(err).NotTo(HaveOccurred())
			calls := fake.entityCallCount()

			second, err := enricher.Entity(ctx, "Q500")
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
			Expect(fake.entityCallCount()).To(Equal(calls))
		})
	})

	Describe("Entities", func() {
		It("gathers signal views and leaves unresolvable IDs nil", func() {
			fake.entities["Q500"] = typedEntity("Q500", "Jane Observer", "Q5")
			fake.inbound["Q500"] = 7

			ents := enricher.Entities(ctx, []string{"Q500", "Q999999"})

			Expect(ents).To(HaveLen(2))
			Expect(ents[0]).NotTo(BeNil())
			Expect(ents[0].Label).To(Equal("Jane Observer"))
			Expect(ents[1]).To(BeNil())
		})
	})
})
