package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rzbill/harvest/internal/faults"
)

// Caller executes one request against the remote API. Implementations report
// failures through the fault taxonomy; the dispatcher never assumes the
// remote call is idempotent.
type Caller interface {
	Call(ctx context.Context, req Request) (json.RawMessage, error)
}

// TokenSource supplies bearer tokens for outbound calls. The real credential
// flow lives behind this seam.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token. An empty token means
// unauthenticated calls.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// ClientOptions configures the HTTP caller.
type ClientOptions struct {
	BaseURL string
	Tokens  TokenSource
	// RateLimit caps outbound calls per second across all workers; 0 disables.
	RateLimit float64
	Burst     int
	Timeout   time.Duration
	// HTTPClient overrides the underlying client; used in tests.
	HTTPClient *http.Client
}

// Client is an HTTP management-API caller.
type Client struct {
	base     string
	registry *Registry
	tokens   TokenSource
	limiter  *rate.Limiter
	http     *http.Client
}

// NewClient builds a Client against the given registry.
func NewClient(reg *Registry, opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &Client{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		registry: reg,
		tokens:   tokens,
		limiter:  limiter,
		http:     httpClient,
	}
}

// Call implements Caller. One HTTP round trip per invocation; retrying is the
// dispatcher's business.
func (c *Client) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := req.Validate(c.registry); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, faults.Transient(err)
		}
	}

	u, err := c.buildURL(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), u, nil)
	if err != nil {
		return nil, faults.Permanent(err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, faults.Transient(fmt.Errorf("token: %w", err))
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// network errors, timeouts, resets
		return nil, faults.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, faults.Transient(fmt.Errorf("read body: %w", err))
	}
	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// buildURL substitutes path parameters, applies the api-version, and appends
// query params.
func (c *Client) buildURL(req Request) (string, error) {
	path := req.ResourcePath
	for key, value := range req.Parameters {
		path = strings.ReplaceAll(path, "{"+key+"}", url.PathEscape(value))
	}
	if i := strings.IndexByte(path, '{'); i >= 0 {
		return "", faults.Permanentf("unresolved path parameter in %q", path)
	}

	version := req.APIVersion
	if version == "" {
		if e, ok := c.registry.Lookup(req.Service); ok {
			version = e.DefaultVersion
		}
	}

	q := url.Values{}
	q.Set("api-version", version)
	for k, v := range req.QueryParams {
		if k == "api-version" {
			continue
		}
		q.Set(k, v)
	}
	return c.base + path + "?" + q.Encode(), nil
}

// classifyStatus maps HTTP status codes onto the fault taxonomy. Throttling
// and server errors are worth retrying; client errors are not.
func classifyStatus(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return faults.Transientf("status %d: %s", code, truncate(body, 256))
	case code >= 500:
		return faults.Transientf("status %d: %s", code, truncate(body, 256))
	default:
		return faults.Permanentf("status %d: %s", code, truncate(body, 256))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
