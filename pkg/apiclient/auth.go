package apiclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/AletheiaFact/ai-task-processor/pkg/config"
	"github.com/AletheiaFact/ai-task-processor/pkg/resilience"
)

// refreshMargin renews cached tokens this long before they expire, so a
// token never goes stale mid-request.
const refreshMargin = 60 * time.Second

// NewTokenSource builds a cached client-credentials token source, or nil
// when OAuth2 is not configured. Token traffic flows through the supplied
// envelope client, sharing the worker's retry, breaker and request metrics.
func NewTokenSource(cfg config.OAuth2Config, httpc *resilience.Client, log *zap.Logger) oauth2.TokenSource {
	if !cfg.Enabled() {
		return nil
	}
	src := &clientCredentialsSource{cfg: cfg, httpc: httpc, log: log.Named("oauth2")}
	return oauth2.ReuseTokenSourceWithExpiry(nil, src, refreshMargin)
}

// Authorizer adapts a token source into the envelope's per-request hook.
// A nil source yields a nil hook, which runs the worker unauthenticated.
func Authorizer(src oauth2.TokenSource) func(*http.Request) error {
	if src == nil {
		return nil
	}
	return func(req *http.Request) error {
		tok, err := src.Token()
		if err != nil {
			return fmt.Errorf("acquiring access token: %w", err)
		}
		tok.SetAuthHeader(req)
		return nil
	}
}

// clientCredentialsSource performs the client-credentials grant. The
// oauth2 package's own grant client would bypass the envelope, so the POST
// is issued here instead.
type clientCredentialsSource struct {
	cfg   config.OAuth2Config
	httpc *resilience.Client
	log   *zap.Logger
}

// Token fetches a fresh access token. The TokenSource interface carries no
// context; each attempt is bounded by the envelope's request timeout.
func (s *clientCredentialsSource) Token() (*oauth2.Token, error) {
	form := url.Values{"grant_type": []string{"client_credentials"}}
	if len(s.cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(s.cfg.Scopes, " "))
	}

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("Authorization", "Basic "+basicCredentials(s.cfg.ClientID, s.cfg.ClientSecret))

	resp, err := s.httpc.Do(context.Background(), &resilience.Request{
		Method:   http.MethodPost,
		URL:      s.cfg.TokenURL,
		Header:   header,
		RawBody:  []byte(form.Encode()),
		Endpoint: "/oauth2/token",
	})
	if err != nil {
		return nil, fmt.Errorf("requesting access token: %w", err)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := resp.DecodeJSON(&payload); err != nil {
		return nil, err
	}
	if payload.AccessToken == "" {
		return nil, resilience.Permanentf("token endpoint returned no access token")
	}

	tok := &oauth2.Token{AccessToken: payload.AccessToken, TokenType: payload.TokenType}
	if payload.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	s.log.Debug("access token refreshed", zap.Time("expiry", tok.Expiry))
	return tok, nil
}

func basicCredentials(id, secret string) string {
	return base64.StdEncoding.EncodeToString([]byte(id + ":" + secret))
}
