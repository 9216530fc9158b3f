package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/resilience"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 5 << 20

// HTTPOptions configures the HTTP client.
type HTTPOptions struct {
	UserAgent  string
	Timeout    time.Duration
	PerHostRPS float64
	Retry      resilience.RetryConfig
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("fetcher: reducing host rate after 429",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// Response is a fully read HTTP response.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte // empty for HEAD
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// HTTPClient performs rate-limited HEAD and GET requests against retailer
// hosts. Transient statuses and network errors are retried in-call and
// surface as *resilience.FetchError when retries run out. Any other status
// is returned to the caller as a Response.
type HTTPClient struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPClient creates an HTTPClient with the given options.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "catalog-ingest/1.0"
	}
	if opts.PerHostRPS <= 0 {
		opts.PerHostRPS = 2
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// Head issues a HEAD request.
func (c *HTTPClient) Head(ctx context.Context, rawURL string) (*Response, error) {
	return c.do(ctx, http.MethodHead, rawURL)
}

// Get issues a GET request and reads the body.
func (c *HTTPClient) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawURL)
}

func (c *HTTPClient) limiterFor(host string) *AdaptiveLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		burst := max(int(c.opts.PerHostRPS), 1)
		lim = NewAdaptiveLimiter(rate.Limit(c.opts.PerHostRPS), burst)
		c.limiters[host] = lim
	}
	return lim
}

func (c *HTTPClient) do(ctx context.Context, method, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, apperr.Validation("fetcher: invalid url %q", rawURL)
	}
	lim := c.limiterFor(u.Host)

	retry := c.opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(method, rawURL)
	}

	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*Response, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: create request")
		}
		req.Header.Set("User-Agent", c.opts.UserAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, resilience.NewFetchError(rawURL, 0, err)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode == http.StatusTooManyRequests {
			lim.OnRateLimit()
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
			return nil, resilience.NewFetchError(rawURL, resp.StatusCode, eris.New(resp.Status))
		}
		lim.OnSuccess()

		out := &Response{
			URL:         rawURL,
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
		}
		if method == http.MethodGet {
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			if err != nil {
				return nil, resilience.NewFetchError(rawURL, resp.StatusCode, err)
			}
			out.Body = body
		}
		return out, nil
	})
}
