// Package wikidata resolves named entities against the Wikidata knowledge
// graph. It serves two pipelines: batch mention enrichment for identify-style
// outputs (search, then one bulk entity fetch, then type filtering) and the
// per-entity signal view consumed by severity scoring (statements, sitelinks,
// inbound links, pageviews, followers).
package wikidata

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AletheiaFact/ai-task-processor/pkg/config"
	"github.com/AletheiaFact/ai-task-processor/pkg/resilience"
)

const (
	// searchStagger spaces concurrent search calls to stay polite to the
	// shared API.
	searchStagger = 200 * time.Millisecond
	// gatherConcurrency bounds parallel signal assembly in Entities.
	gatherConcurrency = 5
)

// Mention is one model-extracted entity reference awaiting resolution.
// MentionedAs carries the surface form when it differs from the canonical
// name and is tried as a fallback search term.
type Mention struct {
	Name        string `json:"name"`
	MentionedAs string `json:"mentioned_as,omitempty"`
}

// Enricher coordinates searches, batch fetches, and signal assembly on top
// of the raw client and the entity cache. The cache may be nil.
type Enricher struct {
	client *Client
	cache  *Cache
	lang   string
	tracer trace.Tracer
	log    *zap.Logger
}

func NewEnricher(client *Client, cache *Cache, cfg config.WikidataConfig, log *zap.Logger) *Enricher {
	return &Enricher{
		client: client,
		cache:  cache,
		lang:   cfg.Language,
		tracer: otel.Tracer("ai-task-processor/wikidata"),
		log:    log.Named("enricher"),
	}
}

// EnrichMentions resolves mentions to typed entity attachments. The result
// slice is index-aligned with mentions; entries stay nil when no candidate
// passes the instance-of filter or an upstream call fails. Per-mention
// failures never fail the batch.
//
// Searches run concurrently with a stagger; all candidate IDs are then
// deduplicated and fetched in bulk so each entity is retrieved once no
// matter how many mentions share it.
func (e *Enricher) EnrichMentions(ctx context.Context, mentions []Mention) []*EntityRef {
	results := make([]*EntityRef, len(mentions))
	if len(mentions) == 0 {
		return results
	}

	ctx, span := e.tracer.Start(ctx, "wikidata.enrich_mentions",
		trace.WithAttributes(attribute.Int("mentions.count", len(mentions))))
	defer span.End()

	candidates := make([][]string, len(mentions))
	var wg sync.WaitGroup
	for i, m := range mentions {
		wg.Add(1)
		go func(i int, m Mention) {
			defer wg.Done()
			if !sleepCtx(ctx, time.Duration(i)*searchStagger) {
				return
			}
			candidates[i] = e.searchCandidates(ctx, m)
		}(i, m)
	}
	wg.Wait()

	unique := lo.Uniq(lo.Flatten(candidates))
	entities := e.fetchEntities(ctx, unique)

	matched := 0
	for i, m := range mentions {
		for _, id := range candidates[i] {
			ent, ok := entities[id]
			if !ok || !ent.instanceOfAllowed() {
				continue
			}
			results[i] = refFromEntity(ent, e.lang, m.Name)
			matched++
			break
		}
	}
	span.SetAttributes(attribute.Int("mentions.matched", matched))
	e.log.Info("mention enrichment completed",
		zap.Int("mentions", len(mentions)),
		zap.Int("candidates", len(unique)),
		zap.Int("matched", matched))
	return results
}

// LookupFirst returns the top search hit for a name with no type filtering,
// built from the search response alone. A clean miss returns (nil, nil).
func (e *Enricher) LookupFirst(ctx context.Context, name string) (*EntityRef, error) {
	hits, err := e.client.SearchEntities(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	return refFromSearch(hits[0], name), nil
}

// Entity assembles the full signal view for one entity ID. The entity fetch
// itself must succeed; inbound links, pageviews, and label resolution are
// advisory and default to zero values when unavailable.
func (e *Enricher) Entity(ctx context.Context, id string) (*KGEntity, error) {
	if e.cache != nil {
		cached := &KGEntity{}
		if e.cache.Get(ctx, detailCacheKey(id), cached) {
			return cached, nil
		}
	}

	ents, err := e.client.GetEntities(ctx, []string{id}, detailProps)
	if err != nil {
		return nil, err
	}
	ent, ok := ents[id]
	if !ok {
		return nil, resilience.Permanentf("wikidata entity %s not found", id)
	}

	kg := &KGEntity{
		ID:          id,
		Label:       ent.label(e.lang),
		Description: ent.description(e.lang),
		Aliases:     ent.aliasValues(e.lang),
		Sitelinks:   len(ent.Sitelinks),
		Statements:  ent.statementCount(),
		InstanceOf:  ent.claimEntityIDs(propInstanceOf),
	}
	if followers, found := ent.maxQuantity(propFollowers); found {
		kg.Followers = &followers
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		n, err := e.client.InboundLinkCount(ctx, id)
		if err != nil {
			e.log.Debug("inbound link count unavailable", zap.String("entity", id), zap.Error(err))
			return
		}
		kg.InboundLinks = n
	}()
	go func() {
		defer wg.Done()
		project, title, found := ent.wikipediaSitelink(e.lang)
		if !found {
			return
		}
		n, err := e.client.MonthlyPageviews(ctx, project, title)
		if err != nil {
			e.log.Debug("pageviews unavailable", zap.String("entity", id), zap.Error(err))
			return
		}
		kg.Pageviews = n
	}()
	go func() {
		defer wg.Done()
		labels := e.resolveLabels(ctx, lo.Uniq(lo.Flatten([][]string{
			ent.claimEntityIDs(propOccupation),
			ent.claimEntityIDs(propPosition),
			ent.claimEntityIDs(propAward),
		})))
		kg.Occupations = mapLabels(ent.claimEntityIDs(propOccupation), labels)
		kg.Positions = mapLabels(ent.claimEntityIDs(propPosition), labels)
		kg.Awards = mapLabels(ent.claimEntityIDs(propAward), labels)
	}()
	wg.Wait()

	if e.cache != nil {
		e.cache.Set(ctx, detailCacheKey(id), kg)
	}
	return kg, nil
}

// Entities gathers signal views for several IDs with bounded concurrency.
// The result is index-aligned; entries are nil for IDs that could not be
// resolved.
func (e *Enricher) Entities(ctx context.Context, ids []string) []*KGEntity {
	out := make([]*KGEntity, len(ids))
	var g errgroup.Group
	g.SetLimit(gatherConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			ent, err := e.Entity(ctx, id)
			if err != nil {
				e.log.Warn("entity signals unavailable", zap.String("entity", id), zap.Error(err))
				return nil
			}
			out[i] = ent
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Enricher) searchCandidates(ctx context.Context, m Mention) []string {
	hits, err := e.client.SearchEntities(ctx, m.Name)
	if err == nil && len(hits) == 0 && m.MentionedAs != "" && m.MentionedAs != m.Name {
		hits, err = e.client.SearchEntities(ctx, m.MentionedAs)
	}
	if err != nil {
		e.log.Warn("mention search failed", zap.String("name", m.Name), zap.Error(err))
		return nil
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	return ids
}

// fetchEntities resolves candidate payloads, serving from cache where
// possible and fetching the rest in chunks of at most maxBatchIDs. Failed
// chunks are skipped so partial results still flow.
func (e *Enricher) fetchEntities(ctx context.Context, ids []string) map[string]*entityPayload {
	out := make(map[string]*entityPayload, len(ids))
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		ent := &entityPayload{}
		if e.cache != nil && e.cache.Get(ctx, entityCacheKey(id), ent) {
			out[id] = ent
			continue
		}
		missing = append(missing, id)
	}
	for _, chunk := range lo.Chunk(missing, maxBatchIDs) {
		fetched, err := e.client.GetEntities(ctx, chunk, batchProps)
		if err != nil {
			e.log.Warn("candidate batch fetch failed", zap.Int("batch", len(chunk)), zap.Error(err))
			continue
		}
		for id, ent := range fetched {
			out[id] = ent
			if e.cache != nil {
				e.cache.Set(ctx, entityCacheKey(id), ent)
			}
		}
	}
	return out
}

func (e *Enricher) resolveLabels(ctx context.Context, ids []string) map[string]string {
	labels := make(map[string]string, len(ids))
	for _, chunk := range lo.Chunk(ids, maxBatchIDs) {
		fetched, err := e.client.GetEntities(ctx, chunk, "labels")
		if err != nil {
			e.log.Debug("label resolution failed", zap.Int("batch", len(chunk)), zap.Error(err))
			continue
		}
		for id, ent := range fetched {
			if l := ent.label(e.lang); l != "" {
				labels[id] = l
			}
		}
	}
	return labels
}

// mapLabels substitutes resolved labels for IDs, falling back to the raw ID.
func mapLabels(ids []string, labels map[string]string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if l, ok := labels[id]; ok {
			out = append(out, l)
		} else {
			out = append(out, id)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
