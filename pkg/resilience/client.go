package resilience

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/AletheiaFact/ai-task-processor/pkg/metrics"
)

// Classification is the envelope's verdict on one attempt.
type Classification int

const (
	ClassOK Classification = iota
	ClassRetryable
	ClassFatal
)

// Classifier maps a response status (err == nil) or a transport error to a
// classification. Each upstream client supplies its own; DefaultClassifier
// covers the common REST contract.
type Classifier func(status int, err error) Classification

// DefaultClassifier treats transport errors, 5xx and 429 as retryable and
// every other 4xx as fatal.
func DefaultClassifier(status int, err error) Classification {
	if err != nil {
		return ClassRetryable
	}
	switch {
	case status >= http.StatusInternalServerError:
		return ClassRetryable
	case status == http.StatusTooManyRequests:
		return ClassRetryable
	case status >= http.StatusBadRequest:
		return ClassFatal
	default:
		return ClassOK
	}
}

// Request describes one outbound call.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header

	// Body is JSON-encoded when non-nil; RawBody takes precedence.
	Body    any
	RawBody []byte

	// Endpoint is the metrics label for this call (a path template, not the
	// concrete URL). Defaults to the URL path.
	Endpoint string

	// Classify overrides DefaultClassifier for this call.
	Classify Classifier

	// Timeout bounds each attempt. Defaults to the client's timeout.
	Timeout time.Duration
}

func (r *Request) buildURL() (*url.URL, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, err
	}
	if len(r.Query) > 0 {
		q := u.Query()
		for k, vs := range r.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func (r *Request) encodeBody() (io.Reader, bool, error) {
	if len(r.RawBody) > 0 {
		return bytes.NewReader(r.RawBody), true, nil
	}
	if r.Body == nil {
		return nil, false, nil
	}
	data, err := json.Marshal(r.Body)
	if err != nil {
		return nil, false, fmt.Errorf("encode request body: %w", err)
	}
	return bytes.NewReader(data), true, nil
}

// Response is a fully buffered HTTP response. Buffering keeps attempts
// repeatable for the retry loop.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the buffered body. Decode failures are permanent:
// the upstream answered, retrying will not change the payload.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return Permanentf("decode response body: %v", err)
	}
	return nil
}

// ClientConfig assembles one envelope client for an upstream family.
type ClientConfig struct {
	// Timeout is the default per-attempt budget.
	Timeout time.Duration
	// Policy bounds the retry loop.
	Policy Policy
	// Breaker bounds the per-host circuit breakers.
	Breaker BreakerConfig
	// UserAgent is sent on every request.
	UserAgent string
	// Authorize, when set, decorates each attempt's request (bearer tokens).
	// Errors it returns pass through the retry loop unchanged, so it decides
	// its own transient/permanent classification.
	Authorize func(req *http.Request) error
	// Transport overrides the default transport, for tests.
	Transport http.RoundTripper
}

// Client is the HTTP envelope: retry with exponential backoff and jitter,
// per-host circuit breaking, classification, and request metrics. Every
// outbound call in the worker flows through one of these.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	policy     Policy
	breakers   *breakerSet
	userAgent  string
	authorize  func(req *http.Request) error
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// NewClient builds an envelope client. The metrics handle may be nil.
func NewClient(cfg ClientConfig, log *zap.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "AletheiaFact-AI-Task-Processor/1.0"
	}
	return &Client{
		// No client-level timeout: per-attempt contexts bound unary calls
		// and streaming pulls carry their own long budget.
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
		policy:     cfg.Policy,
		breakers:   newBreakerSet(cfg.Breaker, log, m),
		userAgent:  userAgent,
		authorize:  cfg.Authorize,
		log:        log,
		metrics:    m,
	}
}

// Do executes req through retry, breaker and classification, returning the
// buffered response on an OK classification.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	u, err := req.buildURL()
	if err != nil {
		return nil, Permanentf("invalid request URL %q: %v", req.URL, err)
	}
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = u.Path
	}
	classify := req.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	br := c.breakers.get(u.Host)

	var out *Response
	err = Retry(ctx, c.log, c.policy, endpoint, func() error {
		res, execErr := br.Execute(func() (any, error) {
			return c.send(ctx, req, u, endpoint, classify)
		})
		if execErr != nil {
			if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
				return Permanentf("%s: circuit breaker is open", u.Host)
			}
			return execErr
		}
		out = res.(*Response)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stream executes req and feeds each response line to fn until EOF. The call
// flows through the host breaker and the classifier but is never retried;
// callers own any retry discipline around a stream.
func (c *Client) Stream(ctx context.Context, req *Request, fn func(line []byte) error) error {
	u, err := req.buildURL()
	if err != nil {
		return Permanentf("invalid request URL %q: %v", req.URL, err)
	}
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = u.Path
	}
	classify := req.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	br := c.breakers.get(u.Host)

	_, err = br.Execute(func() (any, error) {
		return nil, c.stream(ctx, req, u, endpoint, classify, fn)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Permanentf("%s: circuit breaker is open", u.Host)
		}
		return err
	}
	return nil
}

// send performs a single buffered attempt.
func (c *Client) send(ctx context.Context, req *Request, u *url.URL, endpoint string, classify Classifier) (*Response, error) {
	resp, elapsed, err := c.roundTrip(ctx, req, u, endpoint, classify)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		c.observe(endpoint, req.Method, "error", elapsed)
		return nil, Transientf("%s %s: read response: %v", req.Method, endpoint, readErr)
	}
	c.observe(endpoint, req.Method, strconv.Itoa(resp.StatusCode), elapsed)

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	switch classify(resp.StatusCode, nil) {
	case ClassOK:
		return out, nil
	case ClassRetryable:
		return nil, Transientf("%s %s: upstream returned %d: %s", req.Method, endpoint, resp.StatusCode, snippet(data))
	default:
		return nil, Permanentf("%s %s: upstream returned %d: %s", req.Method, endpoint, resp.StatusCode, snippet(data))
	}
}

// stream performs a single streaming attempt, invoking fn per line. Lines
// follow the NDJSON convention used by the local model registry.
func (c *Client) stream(ctx context.Context, req *Request, u *url.URL, endpoint string, classify Classifier, fn func(line []byte) error) error {
	resp, elapsed, err := c.roundTrip(ctx, req, u, endpoint, classify)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.observe(endpoint, req.Method, strconv.Itoa(resp.StatusCode), elapsed)

	switch classify(resp.StatusCode, nil) {
	case ClassOK:
	case ClassRetryable:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Transientf("%s %s: upstream returned %d: %s", req.Method, endpoint, resp.StatusCode, snippet(data))
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Permanentf("%s %s: upstream returned %d: %s", req.Method, endpoint, resp.StatusCode, snippet(data))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return Transientf("%s %s: read stream: %v", req.Method, endpoint, err)
	}
	return nil
}

// roundTrip builds and issues one HTTP request, classifying transport errors.
func (c *Client) roundTrip(ctx context.Context, req *Request, u *url.URL, endpoint string, classify Classifier) (*http.Response, time.Duration, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	body, hasBody, err := req.encodeBody()
	if err != nil {
		cancel()
		return nil, 0, Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, u.String(), body)
	if err != nil {
		cancel()
		return nil, 0, Permanentf("build request: %v", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	// JSON is the default dialect; callers override per request (the token
	// endpoint posts form-encoded bodies).
	if hasBody && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if c.authorize != nil {
		if err := c.authorize(httpReq); err != nil {
			cancel()
			return nil, 0, err
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq) //nolint:bodyclose // closed by callers
	elapsed := time.Since(start)
	if err != nil {
		cancel()
		c.observe(endpoint, req.Method, "error", elapsed)
		if classify(0, err) == ClassFatal {
			return nil, elapsed, Permanentf("%s %s: %v", req.Method, endpoint, err)
		}
		return nil, elapsed, Transientf("%s %s: %v", req.Method, endpoint, err)
	}

	// The attempt context must outlive the body read; tie its cancel to the
	// body so callers release it on Close.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, elapsed, nil
}

func (c *Client) observe(endpoint, method, status string, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordAPIRequest(endpoint, method, status)
	c.metrics.ObserveAPIRequestDuration(endpoint, method, elapsed.Seconds())
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// snippet trims a response body for inclusion in an error message.
func snippet(data []byte) string {
	const max = 200
	s := string(bytes.TrimSpace(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	if s == "" {
		return "<empty body>"
	}
	return s
}
