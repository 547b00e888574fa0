package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/resilience"
)

var _ = Describe("Client", func() {
	var hits atomic.Int32

	BeforeEach(func() {
		hits.Store(0)
	})

	newServer := func(fn http.HandlerFunc) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			fn(w, r)
		}))
		DeferCleanup(srv.Close)
		return srv
	}

	newClient := func(cfg resilience.ClientConfig) *resilience.Client {
		return resilience.NewClient(cfg, zap.NewNop(), nil)
	}

	Describe("Do", func() {
		It("retries server errors and returns the eventual success", func() {
			srv := newServer(func(w http.ResponseWriter, r *http.Request) {
				if hits.Load() == 1 {
					http.Error(w, "boom", http.StatusInternalServerError)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"ok":true}`)
			})
			client := newClient(resilience.ClientConfig{Policy: resilience.Policy{MaxRetries: 1, BackoffFactor: 1}})

			resp, err := client.Do(context.Background(), &resilience.Request{Method: http.MethodGet, URL: srv.URL + "/things"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var out struct {
				OK bool `json:"ok"`
			}
			Expect(resp.DecodeJSON(&out)).To(Succeed())
			Expect(out.OK).To(BeTrue())
			Expect(hits.Load()).To(Equal(int32(2)))
		})

		It("retries rate-limited responses", func() {
			srv := newServer(func(w http.ResponseWriter, r *http.Request) {
				if hits.Load() == 1 {
					http.Error(w, "slow down", http.StatusTooManyRequests)
					return
				}
				w.WriteHeader(http.StatusOK)
			})
			client := newClient(resilience.ClientConfig{Policy: resilience.Policy{MaxRetries: 1, BackoffFactor: 1}})

			resp, err := client.Do(context.Background(), &resilience.Request{Method: http.MethodGet, URL: srv.URL})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(hits.Load()).To(Equal(int32(2)))
		})

		It("fails fast on client errors", func() {
			srv := newServer(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "no such task", http.StatusNotFound)
			})
			client := newClient(resilience.ClientConfig{Policy: resilience.Policy{MaxRetries: 3, BackoffFactor: 1}})

			_, err := client.Do(context.Background(), &resilience.Request{Method: http.MethodGet, URL: srv.URL + "/things/42"})
			Expect(err).To(HaveOccurred())
			Expect(resilience.IsPermanent(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("upstream returned 404"))
			Expect(hits.Load()).To(Equal(int32(1)))
		})

		It("keeps the transient mark when the retry budget runs out", func() {
			srv := newServer(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
			})
			client := newClient(resilience.ClientConfig{Policy: resilience.Policy{MaxRetries: 1, BackoffFactor: 1}})

			_, err := client.Do(context.Background(), &resilience.Request{Method: http.MethodGet, URL: srv.URL})
			Expect(err).To(HaveOccurred())
			Expect(resilience.IsTransient(err)).To(BeTrue())
			Expect(hits.Load()).To(Equal(int32(2)))
		})

		It("bounds each attempt with the request timeout", func() {
			srv := newServer(func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
				w.WriteHeader(http.StatusOK)
			})
			client := newClient(resilience.ClientConfig{Policy: resilience.Policy{MaxRetries: 0, BackoffFactor: 1}})

			started := time.Now()
			_, err := client.Do(context.Background(), &resilience.Request{
				Method:  http.MethodGet,
				URL:     srv.URL,
				Timeout: 50 * time.Millisecond,
			})
			Expect(err).To(HaveOccurred())
			Expect(resilience.IsTransient(err)).To(BeTrue())
			Expect(time.Since(started)).To(BeNumerically("<", time.Second))
		})

		It("opens the circuit after repeated failures and recovers after the timeout", func() {
			var failing atomic.Bool
			failing.Store(true)
			srv := newServer(func(w http.ResponseWriter, r *http.Request) {
				if failing.Load() {
					http.Error(w, "down", http.StatusBadGateway)
					return
				}
				w.WriteHeader(http.StatusOK)
			})
			client := newClient(resilience.ClientConfig{
				Policy:  resilience.Policy{MaxRetries: 0, BackoffFactor: 1},
				Breaker: resilience.BreakerConfig{Threshold: 5, RecoveryTimeout: 150 * time.Millisecond},
			})
			ping := func() (*resilience.Response, error) {
				return client.Do(context.Background(), &resilience.Request{Method: http.MethodGet, URL: srv.URL + "/ping"})
			}

			for range 5 {
				_, err := ping()
				Expect(err).To(HaveOccurred())
				Expect(resilience.IsTransient(err)).To(BeTrue())
			}
			Expect(hits.Load()).To(Equal(int32(5)))

			_, err := ping()
			Expect(err).To(HaveOccurred())
			Expect(resilience.IsPermanent(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("circuit breaker is open"))
			Expect(hits.Load()).To(Equal(int32(5)))

			failing.Store(false)
			time.Sleep(200 * time.Millisecond)

			resp, err := ping()
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(hits.Load()).To(Equal(int32(6)))

			_, err = ping()
			Expect(err).NotTo(HaveOccurred())
			Expect(hits.Load()).To(Equal(int32(7)))
		})

		It("honors a caller-supplied classifier", func() {
			srv := newServer(func(w http.ResponseWriter, r *http.Request) {
				if hits.Load() == 1 {
					w.WriteHeader(http.StatusTeapot)
					return
				}
				w.WriteHeader(http.StatusOK)
			})
			client := newClient(resilience.ClientConfig{Policy: resilience.Policy{MaxRetries: 1, BackoffFactor: 1}})

			resp, err := client.Do(context.Background(), &resilience.Request{
				Method: http.MethodGet,
				URL:    srv.URL,
				Classify: func(status int, err error) resilience.Classification {
					switch {
					case err != nil, status == http.StatusTeapot, status >= http.StatusInternalServerError:
						return resilience.ClassRetryable
					case status >= http.StatusBadRequest:
						return resilience.ClassFatal
					default:
						return resilience.ClassOK
					}
				},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(hits.Load()).To(Equal(int32(2)))
		})

		It("rejects unparseable URLs without calling the upstream", func() {
			client := newClient(resilience.ClientConfig{})

			_, err := client.Do(context.Background(), &resilience.Request{Method: http.MethodGet, URL: "http://[::1"})
			Expect(err).To(HaveOccurred())
			Expect(resilience.IsPermanent(err)).To(BeTrue())
			Expect(hits.Load()).To(Equal(int32(0)))
		})

		It("propagates authorizer failures unchanged", func() {
			srv := newServer(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			denied := resilience.Permanentf("token endpoint rejected the refresh")
			client := newClient(resilience.ClientConfig{
				Authorize: func(*http.Request) error { return denied },
			})

			_, err := client.Do(context.Background(), &resilience.Request{Method: http.MethodGet, URL: srv.URL})
			Expect(err).To(MatchError(denied))
			Expect(hits.Load()).To(Equal(int32(0)))
		})
	})

	Describe("request shaping", func() {
		It("stamps identification headers and JSON defaults", func() {
			headers := make(chan http.Header, 1)
			srv := newServer(func(w http.ResponseWriter, r *http.Request) {
				headers <- r.Header.Clone()
				w.WriteHeader(http.StatusOK)
			})
			client := newClient(resilience.ClientConfig{
				UserAgent: "worker-test/1.0",
				Authorize: func(req *http.Request) error {
					req.Header.Set("Authorization", "Bearer sesame")
					return nil
				},
			})

			_, err := client.Do(context.Background(), &resilience.Request{
				Method: http.MethodPost,
				URL:    srv.URL,
				Body:   map[string]string{"status": "in_progress"},
			})
			Expect(err).NotTo(HaveOccurred())

			h := <-headers
			Expect(h.Get("User-Agent")).To(Equal("worker-test/1.0"))
			Expect(h.Get("X-Request-ID")).NotTo(BeEmpty())
			Expect(h.Get("Content-Type")).To(Equal("application/json"))
			Expect(h.Get("Accept")).To(Equal("application/json"))
			Expect(h.Get("Authorization")).To(Equal("Bearer sesame"))
		})

		It("lets callers override the content type for raw bodies", func() {
			headers := make(chan http.Header, 1)
			bodies := make(chan string, 1)
			srv := newServer(func(w http.ResponseWriter, r *http.Request) {
				data, _ := io.ReadAll(r.Body)
				headers <- r.Header.Clone()
				bodies <- string(data)
				w.WriteHeader(http.StatusOK)
			})
			client := newClient(resilience.ClientConfig{})

			_, err := client.Do(context.Background(), &resilience.Request{
				Method:  http.MethodPost,
				URL:     srv.URL + "/oauth/token",
				Header:  http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}},
				RawBody: []byte("grant_type=client_credentials"),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect((<-headers).Get("Content-Type")).To(Equal("application/x-www-form-urlencoded"))
			Expect(<-bodies).To(Equal("grant_type=client_credentials"))
		})

		It("merges query parameters into the URL", func() {
			queries := make(chan url.Values, 1)
			srv := newServer(func(w http.ResponseWriter, r *http.Request) {
				queries <- r.URL.Query()
				w.WriteHeader(http.StatusOK)
			})
			client := newClient(resilience.ClientConfig{})

			_, err := client.Do(context.Background(), &resilience.Request{
				Method: http.MethodGet,
				URL:    srv.URL + "/search?origin=*",
				Query:  url.Values{"limit": []string{"10"}},
			})
			Expect(err).NotTo(HaveOccurred())

			q := <-queries
			Expect(q.Get("origin")).To(Equal("*"))
			Expect(q.Get("limit")).To(Equal("10"))
		})
	})

	Describe("Stream", func() {
		It("delivers each line in order and skips blanks", func() {
			srv := newServer(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/x-ndjson")
				fmt.Fprintln(w, `{"status":"pulling"}`)
				fmt.Fprintln(w)
				fmt.Fprintln(w, `{"status":"verifying"}`)
				fmt.Fprintln(w, `{"status":"success"}`)
			})
			client := newClient(resilience.ClientConfig{})

			var lines []string
			err := client.Stream(context.Background(), &resilience.Request{
				Method: http.MethodPost,
				URL:    srv.URL + "/api/pull",
				Body:   map[string]string{"name": "all-minilm"},
			}, func(line []byte) error {
				lines = append(lines, string(line))
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(lines).To(Equal([]string{
				`{"status":"pulling"}`,
				`{"status":"verifying"}`,
				`{"status":"success"}`,
			}))
		})

		It("classifies upstream errors without invoking the callback", func() {
			srv := newServer(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "busy", http.StatusServiceUnavailable)
			})
			client := newClient(resilience.ClientConfig{Policy: resilience.Policy{MaxRetries: 3, BackoffFactor: 1}})

			called := false
			err := client.Stream(context.Background(), &resilience.Request{Method: http.MethodPost, URL: srv.URL}, func([]byte) error {
				called = true
				return nil
			})
			Expect(err).To(HaveOccurred())
			Expect(resilience.IsTransient(err)).To(BeTrue())
			Expect(called).To(BeFalse())
			// Streams are never retried, whatever the policy says.
			Expect(hits.Load()).To(Equal(int32(1)))
		})

		It("stops when the callback returns an error", func() {
			srv := newServer(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, `{"n":1}`)
				fmt.Fprintln(w, `{"n":2}`)
				fmt.Fprintln(w, `{"n":3}`)
			})
			client := newClient(resilience.ClientConfig{})

			stop := errors.New("enough")
			var n int
			err := client.Stream(context.Background(), &resilience.Request{Method: http.MethodGet, URL: srv.URL}, func([]byte) error {
				n++
				if n == 2 {
					return stop
				}
				return nil
			})
			Expect(err).To(MatchError(stop))
			Expect(n).To(Equal(2))
		})
	})
})
