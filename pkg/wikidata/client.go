package wikidata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/AletheiaFact/ai-task-processor/pkg/config"
	"github.com/AletheiaFact/ai-task-processor/pkg/resilience"
)

const (
	// batchProps is requested when resolving candidate entities in bulk.
	batchProps = "claims|labels|descriptions"
	// detailProps is requested when assembling the full signal view.
	detailProps = "claims|labels|descriptions|aliases|sitelinks"
	// maxBatchIDs is the wbgetentities per-call ceiling.
	maxBatchIDs = 50
	// pageviewDays is the trailing window summed for the engagement signal.
	pageviewDays = 30
)

// Client wraps the Wikidata action API, the SPARQL endpoint, and the
// Wikimedia pageview API behind the shared retry/breaker transport.
type Client struct {
	http  *resilience.Client
	cfg   config.WikidataConfig
	clock clock.PassiveClock
	log   *zap.Logger
}

func NewClient(httpc *resilience.Client, cfg config.WikidataConfig, clk clock.PassiveClock, log *zap.Logger) *Client {
	return &Client{http: httpc, cfg: cfg, clock: clk, log: log.Named("wikidata")}
}

// SearchEntities runs wbsearchentities for one name and returns the raw hits
// in rank order.
func (c *Client) SearchEntities(ctx context.Context, query string) ([]SearchResult, error) {
	res, err := c.http.Do(ctx, &resilience.Request{
		Method: http.MethodGet,
		URL:    c.cfg.APIURL,
		Query: url.Values{
			"action":   {"wbsearchentities"},
			"search":   {query},
			"language": {c.cfg.Language},
			"limit":    {strconv.Itoa(c.cfg.SearchLimit)},
			"format":   {"json"},
			"type":     {"item"},
		},
		Endpoint: "wikidata:search",
	})
	if err != nil {
		return nil, fmt.Errorf("wikidata search %q: %w", query, err)
	}

	var body struct {
		Search []SearchResult `json:"search"`
	}
	if err := res.DecodeJSON(&body); err != nil {
		return nil, fmt.Errorf("wikidata search %q: %w", query, err)
	}
	c.log.Debug("entity search completed",
		zap.String("query", query),
		zap.Int("hits", len(body.Search)))
	return body.Search, nil
}

// GetEntities fetches up to maxBatchIDs entities in one wbgetentities call.
// Entities the API reports as missing are dropped from the result map.
func (c *Client) GetEntities(ctx context.Context, ids []string, props string) (map[string]*entityPayload, error) {
	if len(ids) == 0 {
		return map[string]*entityPayload{}, nil
	}
	if len(ids) > maxBatchIDs {
		return nil, resilience.Permanentf("wikidata entity fetch: %d ids exceeds the %d per-call limit", len(ids), maxBatchIDs)
	}

	languages := c.cfg.Language
	if languages != "en" {
		// English terms back-fill gaps in the configured language.
		languages += "|en"
	}
	res, err := c.http.Do(ctx, &resilience.Request{
		Method: http.MethodGet,
		URL:    c.cfg.APIURL,
		Query: url.Values{
			"action":    {"wbgetentities"},
			"ids":       {strings.Join(ids, "|")},
			"props":     {props},
			"languages": {languages},
			"format":    {"json"},
		},
		Endpoint: "wikidata:entities",
	})
	if err != nil {
		return nil, fmt.Errorf("wikidata entity fetch: %w", err)
	}

	var body struct {
		Entities map[string]*entityPayload `json:"entities"`
	}
	if err := res.DecodeJSON(&body); err != nil {
		return nil, fmt.Errorf("wikidata entity fetch: %w", err)
	}

	out := make(map[string]*entityPayload, len(body.Entities))
	for id, ent := range body.Entities {
		if ent == nil || ent.Missing != nil {
			continue
		}
		if ent.ID == "" {
			ent.ID = id
		}
		out[id] = ent
	}
	c.log.Debug("entity batch fetched",
		zap.Int("requested", len(ids)),
		zap.Int("resolved", len(out)))
	return out, nil
}

// InboundLinkCount counts statements across the graph that point at the
// entity, a centrality signal for severity scoring.
func (c *Client) InboundLinkCount(ctx context.Context, id string) (int, error) {
	query := fmt.Sprintf("SELECT (COUNT(?s) AS ?count) WHERE { ?s ?p wd:%s . }", id)
	res, err := c.http.Do(ctx, &resilience.Request{
		Method:   http.MethodGet,
		URL:      c.cfg.SPARQLURL,
		Query:    url.Values{"query": {query}, "format": {"json"}},
		Endpoint: "wikidata:sparql",
	})
	if err != nil {
		return 0, fmt.Errorf("wikidata inbound links for %s: %w", id, err)
	}

	var body struct {
		Results struct {
			Bindings []map[string]struct {
				Value string `json:"value"`
			} `json:"bindings"`
		} `json:"results"`
	}
	if err := res.DecodeJSON(&body); err != nil {
		return 0, fmt.Errorf("wikidata inbound links for %s: %w", id, err)
	}
	if len(body.Results.Bindings) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(body.Results.Bindings[0]["count"].Value)
	if err != nil {
		return 0, resilience.Permanentf("wikidata inbound links for %s: unparseable count %q", id, body.Results.Bindings[0]["count"].Value)
	}
	return n, nil
}

// MonthlyPageviews sums daily user pageviews for one article over the
// trailing thirty days. Articles without pageview data count as zero.
func (c *Client) MonthlyPageviews(ctx context.Context, project, title string) (int, error) {
	end := c.clock.Now().UTC()
	start := end.AddDate(0, 0, -pageviewDays)
	article := url.PathEscape(strings.ReplaceAll(title, " ", "_"))
	endpoint := fmt.Sprintf("%s/per-article/%s/all-access/user/%s/daily/%s00/%s00",
		c.cfg.PageviewsURL, project, article,
		start.Format("20060102"), end.Format("20060102"))

	res, err := c.http.Do(ctx, &resilience.Request{
		Method:   http.MethodGet,
		URL:      endpoint,
		Endpoint: "wikidata:pageviews",
		Classify: func(status int, err error) resilience.Classification {
			if err == nil && status == http.StatusNotFound {
				return resilience.ClassOK
			}
			return resilience.DefaultClassifier(status, err)
		},
	})
	if err != nil {
		return 0, fmt.Errorf("pageviews for %s/%s: %w", project, title, err)
	}
	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}

	var body struct {
		Items []struct {
			Views int `json:"views"`
		} `json:"items"`
	}
	if err := res.DecodeJSON(&body); err != nil {
		return 0, fmt.Errorf("pageviews for %s/%s: %w", project, title, err)
	}
	total := 0
	for _, item := range body.Items {
		total += item.Views
	}
	return total, nil
}
