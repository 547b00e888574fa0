package apiclient_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/apiclient"
	"github.com/AletheiaFact/ai-task-processor/pkg/config"
	"github.com/AletheiaFact/ai-task-processor/pkg/resilience"
)

// grantRecord captures what one token request carried.
type grantRecord struct {
	id      string
	secret  string
	basicOK bool
	grant   string
	scope   string
}

var _ = Describe("Token source", func() {
	// newAuthorizer starts a token endpoint stub and returns the per-request
	// hook backed by it. The handler is fixed before the server starts.
	newAuthorizer := func(fn http.HandlerFunc) func(*http.Request) error {
		server := httptest.NewServer(fn)
		DeferCleanup(server.Close)

		cfg := config.OAuth2Config{
			TokenURL:     server.URL + "/oauth2/token",
			ClientID:     "worker",
			ClientSecret: "hunter2",
			Scopes:       []string{"tasks:read", "tasks:write"},
		}
		httpc := resilience.NewClient(resilience.ClientConfig{}, zap.NewNop(), nil)
		return apiclient.Authorizer(apiclient.NewTokenSource(cfg, httpc, zap.NewNop()))
	}

	// tokenHandler serves sequentially numbered bearer tokens and records
	// each grant request on the channel when one is supplied.
	tokenHandler := func(hits *atomic.Int32, expiresIn int, grants chan<- grantRecord) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			n := hits.Add(1)
			if grants != nil {
				var rec grantRecord
				rec.id, rec.secret, rec.basicOK = r.BasicAuth()
				_ = r.ParseForm()
				rec.grant = r.PostForm.Get("grant_type")
				rec.scope = r.PostForm.Get("scope")
				grants <- rec
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":%d}`, n, expiresIn)
		}
	}

	It("is disabled without a client id", func() {
		Expect(apiclient.NewTokenSource(config.OAuth2Config{}, nil, zap.NewNop())).To(BeNil())
		Expect(apiclient.Authorizer(nil)).To(BeNil())
	})

	It("performs the client-credentials grant with basic auth", func() {
		var hits atomic.Int32
		grants := make(chan grantRecord, 1)
		authorize := newAuthorizer(tokenHandler(&hits, 3600, grants))

		req := httptest.NewRequest(http.MethodGet, "http://api.example/api/ai-tasks/pending", nil)
		Expect(authorize(req)).To(Succeed())

		rec := <-grants
		Expect(rec.basicOK).To(BeTrue(), "token request must carry HTTP basic credentials")
		Expect(rec.id).To(Equal("worker"))
		Expect(rec.secret).To(Equal("hunter2"))
		Expect(rec.grant).To(Equal("client_credentials"))
		Expect(rec.scope).To(Equal("tasks:read tasks:write"))
		Expect(req.Header.Get("Authorization")).To(Equal("Bearer tok-1"))
	})

	It("reuses a live token across requests", func() {
		var hits atomic.Int32
		authorize := newAuthorizer(tokenHandler(&hits, 3600, nil))

		for range 3 {
			req := httptest.NewRequest(http.MethodGet, "http://api.example/", nil)
			Expect(authorize(req)).To(Succeed())
			Expect(req.Header.Get("Authorization")).To(Equal("Bearer tok-1"))
		}
		Expect(hits.Load()).To(Equal(int32(1)))
	})

	It("refreshes a token that is inside the expiry margin", func() {
		var hits atomic.Int32
		// 30s is under the 60s refresh margin, so the cached token is
		// always considered stale.
		authorize := newAuthorizer(tokenHandler(&hits, 30, nil))

		first := httptest.NewRequest(http.MethodGet, "http://api.example/", nil)
		Expect(authorize(first)).To(Succeed())
		second := httptest.NewRequest(http.MethodGet, "http://api.example/", nil)
		Expect(authorize(second)).To(Succeed())

		Expect(hits.Load()).To(Equal(int32(2)))
		Expect(second.Header.Get("Authorization")).To(Equal("Bearer tok-2"))
	})

	It("propagates a token endpoint failure", func() {
		authorize := newAuthorizer(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusBadRequest)
		})

		req := httptest.NewRequest(http.MethodGet, "http://api.example/", nil)
		err := authorize(req)
		Expect(err).To(MatchError(ContainSubstring("acquiring access token")))
	})

	It("rejects a token payload without an access token", func() {
		authorize := newAuthorizer(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"token_type":"Bearer"}`)
		})

		req := httptest.NewRequest(http.MethodGet, "http://api.example/", nil)
		err := authorize(req)
		Expect(err).To(MatchError(ContainSubstring("no access token")))
	})
})
