package wikidata

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Properties and types referenced by the enrichment pipelines.
const (
	propInstanceOf  = "P31"
	propOccupation  = "P106"
	propPosition    = "P39"
	propAward       = "P166"
	propFollowers   = "P8687"
	typeHuman       = "Q5"
	typeCompany     = "Q891723"
	typeOnlinePaper = "Q1153191"
)

// allowedInstanceOf is the closed set of entity types the identify pipeline
// accepts: humans, public companies, and online newspapers.
var allowedInstanceOf = map[string]struct{}{
	typeHuman:       {},
	typeCompany:     {},
	typeOnlinePaper: {},
}

// SearchResult is one wbsearchentities hit.
type SearchResult struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Aliases     []string `json:"aliases"`
}

// EntityRef is the enrichment attachment carried back to the control plane
// on identify/topics/impact-area outputs.
type EntityRef struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Aliases     []string `json:"aliases"`
}

// KGEntity is the full signal-bearing view of one entity, assembled for the
// severity pipeline: recognition (statements, sitelinks), centrality
// (inbound links), engagement (pageviews, followers), and qualitative
// context (occupations, positions, awards).
type KGEntity struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	Description  string   `json:"description,omitempty"`
	Aliases      []string `json:"aliases,omitempty"`
	Sitelinks    int      `json:"sitelinks"`
	Statements   int      `json:"statements"`
	InboundLinks int      `json:"inbound_links"`
	Pageviews    int      `json:"pageviews"`
	Followers    *int64   `json:"followers,omitempty"`
	Occupations  []string `json:"occupations,omitempty"`
	Positions    []string `json:"positions,omitempty"`
	Awards       []string `json:"awards,omitempty"`
	InstanceOf   []string `json:"instance_of,omitempty"`
}

// entityPayload mirrors the wbgetentities wire shape for one entity.
type entityPayload struct {
	ID           string                    `json:"id"`
	Missing      *string                   `json:"missing,omitempty"`
	Labels       map[string]termValue      `json:"labels"`
	Descriptions map[string]termValue      `json:"descriptions"`
	Aliases      map[string][]termValue    `json:"aliases"`
	Claims       map[string][]entityClaim  `json:"claims"`
	Sitelinks    map[string]sitelinkRecord `json:"sitelinks"`
}

type termValue struct {
	Language string `json:"language"`
	Value    string `json:"value"`
}

type sitelinkRecord struct {
	Site  string `json:"site"`
	Title string `json:"title"`
}

type entityClaim struct {
	Mainsnak struct {
		Datavalue struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"datavalue"`
	} `json:"mainsnak"`
}

type entityIDValue struct {
	ID string `json:"id"`
}

type quantityValue struct {
	Amount string `json:"amount"`
}

func (e *entityPayload) label(lang string) string {
	if t, ok := e.Labels[lang]; ok {
		return t.Value
	}
	if t, ok := e.Labels["en"]; ok {
		return t.Value
	}
	return ""
}

func (e *entityPayload) description(lang string) string {
	if t, ok := e.Descriptions[lang]; ok {
		return t.Value
	}
	if t, ok := e.Descriptions["en"]; ok {
		return t.Value
	}
	return ""
}

func (e *entityPayload) aliasValues(lang string) []string {
	terms := e.Aliases[lang]
	if len(terms) == 0 {
		terms = e.Aliases["en"]
	}
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		out = append(out, t.Value)
	}
	return out
}

// claimEntityIDs extracts the item IDs referenced by every statement of one
// property.
func (e *entityPayload) claimEntityIDs(prop string) []string {
	claims := e.Claims[prop]
	out := make([]string, 0, len(claims))
	for _, c := range claims {
		var v entityIDValue
		if err := json.Unmarshal(c.Mainsnak.Datavalue.Value, &v); err != nil || v.ID == "" {
			continue
		}
		out = append(out, v.ID)
	}
	return out
}

// maxQuantity returns the largest quantity value across a property's
// statements. Follower counts carry one statement per platform.
func (e *entityPayload) maxQuantity(prop string) (int64, bool) {
	var best int64
	found := false
	for _, c := range e.Claims[prop] {
		var v quantityValue
		if err := json.Unmarshal(c.Mainsnak.Datavalue.Value, &v); err != nil {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimPrefix(v.Amount, "+"), 64)
		if err != nil {
			continue
		}
		if n := int64(f); !found || n > best {
			best = n
			found = true
		}
	}
	return best, found
}

func (e *entityPayload) statementCount() int {
	n := 0
	for _, claims := range e.Claims {
		n += len(claims)
	}
	return n
}

// instanceOfAllowed reports whether any P31 value falls in the allowed set.
func (e *entityPayload) instanceOfAllowed() bool {
	for _, id := range e.claimEntityIDs(propInstanceOf) {
		if _, ok := allowedInstanceOf[id]; ok {
			return true
		}
	}
	return false
}

// wikipediaSitelink picks the sitelink to use for pageview lookups:
// the configured language's wiki, then English, then any plain wiki.
func (e *entityPayload) wikipediaSitelink(lang string) (project, title string, ok bool) {
	if sl, found := e.Sitelinks[lang+"wiki"]; found {
		return projectForSite(lang + "wiki"), sl.Title, true
	}
	if sl, found := e.Sitelinks["enwiki"]; found {
		return projectForSite("enwiki"), sl.Title, true
	}
	for site, sl := range e.Sitelinks {
		if strings.HasSuffix(site, "wiki") && !strings.Contains(site, "wikiquote") {
			return projectForSite(site), sl.Title, true
		}
	}
	return "", "", false
}

// projectForSite maps a sitelink key like "enwiki" to the pageview API's
// project form "en.wikipedia".
func projectForSite(site string) string {
	return strings.TrimSuffix(site, "wiki") + ".wikipedia"
}

func entityURL(id string) string {
	return "https://www.wikidata.org/wiki/" + id
}

// refFromSearch builds an attachment from a raw search hit. fallbackLabel is
// used when the hit came back without a label.
func refFromSearch(hit SearchResult, fallbackLabel string) *EntityRef {
	label := hit.Label
	if label == "" {
		label = fallbackLabel
	}
	u := hit.URL
	switch {
	case u == "":
		u = entityURL(hit.ID)
	case strings.HasPrefix(u, "//"):
		u = "https:" + u
	}
	aliases := hit.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	return &EntityRef{ID: hit.ID, URL: u, Label: label, Description: hit.Description, Aliases: aliases}
}

// refFromEntity builds an attachment from a fetched entity payload.
func refFromEntity(ent *entityPayload, lang, fallbackLabel string) *EntityRef {
	label := ent.label(lang)
	if label == "" {
		label = fallbackLabel
	}
	aliases := ent.aliasValues(lang)
	if aliases == nil {
		aliases = []string{}
	}
	return &EntityRef{
		ID:          ent.ID,
		URL:         entityURL(ent.ID),
		Label:       label,
		Description: ent.description(lang),
		Aliases:     aliases,
	}
}
