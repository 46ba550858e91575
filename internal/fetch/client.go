// Package fetch implements the paginated, cached, rate-limited HTTP client
// that feeds every source pipeline.
package fetch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/dssdlab/harvester/internal/breaker"
	"github.com/dssdlab/harvester/internal/metrics"
	"github.com/dssdlab/harvester/internal/ratelimit"
)

// ErrOpen is returned when the circuit breaker refuses dispatch.
var ErrOpen = errors.New("circuit breaker open")

// errDecode marks a malformed payload; fatal for that call, never retried.
var errDecode = errors.New("decode payload")

const defaultRetryAfter = 60 * time.Second

// AuthSpec configures request authentication.
type AuthSpec struct {
	Type     string
	Token    string
	Username string
	Password string
}

// PaginationSpec configures page-based fetching. A nil Start means the
// default first page; an explicit zero is honored as-is.
type PaginationSpec struct {
	Param    string
	Start    *int
	MaxPages int
}

// Config describes one source's fetch behavior.
type Config struct {
	URL        string
	Method     string
	Headers    map[string]string
	Auth       *AuthSpec
	Pagination *PaginationSpec
	CacheTTL   time.Duration
	Timeout    time.Duration
	MaxTries   int
	UserAgents []string
	Proxies    []string
}

// Client fetches data for one source through its rate limiter and circuit
// breaker, with caching, retry, pagination and URL templating.
type Client struct {
	source  string
	cfg     Config
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	cache   *Cache
	http    *http.Client
	logger  *zap.Logger

	mu       sync.Mutex
	proxyIdx int
	proxies  []*url.URL
}

// New builds a Client. The transport is shared across sources unless the
// source configures proxies, in which case it gets its own rotating one.
func New(
	source string,
	cfg Config,
	limiter *ratelimit.Limiter,
	brk *breaker.Breaker,
	cache *Cache,
	transport http.RoundTripper,
	logger *zap.Logger,
) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("fetch: url not set for source %s", source)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		source:  source,
		cfg:     cfg,
		limiter: limiter,
		breaker: brk,
		cache:   cache,
		logger:  logger.Named("fetch").With(zap.String("source", source)),
	}

	for _, raw := range cfg.Proxies {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("fetch: bad proxy %q: %w", raw, err)
		}
		c.proxies = append(c.proxies, u)
	}

	if transport == nil {
		transport = NewTransport()
	}
	if len(c.proxies) > 0 {
		t := NewTransport()
		t.Proxy = func(*http.Request) (*url.URL, error) {
			return c.nextProxy(), nil
		}
		transport = t
	}
	c.http = &http.Client{Transport: transport}
	return c, nil
}

// NewTransport returns the tuned transport shared by sources without proxies.
// The idle pool is the process-wide bounded connection pool.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Fetch expands parameters, renders the URL template and runs the configured
// fetch sequence for each parameter set. It returns nil for an empty result,
// the single payload when exactly one page answered, or a list of payloads.
func (c *Client) Fetch(ctx context.Context, params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}

	var results []any
	for _, set := range expandParams(params) {
		rendered, query := renderURL(c.cfg.URL, set)

		if p := c.cfg.Pagination; p != nil {
			pages, err := c.fetchPages(ctx, rendered, query, p)
			if err != nil {
				return nil, err
			}
			results = append(results, pages...)
			continue
		}

		data, err := c.fetchWithRetry(ctx, rendered, query)
		if err != nil {
			return nil, err
		}
		if data != nil {
			results = append(results, data)
		}
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// fetchPages issues sequential single fetches with an incrementing page
// parameter, stopping on an empty page, an explicit has-next false, or the
// page cap.
func (c *Client) fetchPages(ctx context.Context, rawURL string, query map[string]any, p *PaginationSpec) ([]any, error) {
	start := 1
	if p.Start != nil {
		start = *p.Start
	}
	maxPages := p.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}

	var pages []any
	for page := start; page < start+maxPages; page++ {
		qp := make(map[string]any, len(query)+1)
		for k, v := range query {
			qp[k] = v
		}
		qp[p.Param] = page

		data, err := c.fetchWithRetry(ctx, rawURL, qp)
		if err != nil {
			return nil, err
		}
		if data == nil {
			break
		}
		if list, ok := data.([]any); ok && len(list) == 0 {
			break
		}
		pages = append(pages, data)

		if m, ok := data.(map[string]any); ok && !nextPageWanted(m) {
			break
		}
	}
	return pages, nil
}

// fetchWithRetry retries transient faults with bounded exponential backoff.
// Breaker-open refusals, decode faults and context cancellation are not
// retried.
func (c *Client) fetchWithRetry(ctx context.Context, rawURL string, query map[string]any) (any, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond
	expo.MaxInterval = 5 * time.Second

	operation := func() (any, error) {
		data, err := c.fetchOne(ctx, rawURL, query)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, ErrOpen) || errors.Is(err, errDecode) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.cfg.MaxTries)),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return data, nil
}

// fetchOne performs a single request. A cache hit bypasses the network,
// the limiter and the breaker entirely.
func (c *Client) fetchOne(ctx context.Context, rawURL string, query map[string]any) (any, error) {
	key := Fingerprint(rawURL, query)
	if c.cache != nil && c.cfg.CacheTTL > 0 {
		if raw, ok := c.cache.Get(key, c.cfg.CacheTTL); ok {
			var data any
			if err := json.Unmarshal(raw, &data); err == nil {
				c.logger.Debug("cache hit", zap.String("url", rawURL))
				metrics.IncCacheHit(c.source)
				return data, nil
			}
		}
	}

	if c.breaker.IsOpen() {
		metrics.IncFetchSkipped(c.source)
		metrics.SetBreakerState(c.source, string(c.breaker.State()))
		return nil, fmt.Errorf("%w: %s", ErrOpen, c.source)
	}

	waitStart := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	metrics.ObserveRateLimitDelay(c.source, time.Since(waitStart))

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, rawURL, query)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.reportOutcome(false)
		return nil, fmt.Errorf("request %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	metrics.IncFetchRequest(c.source, strconv.Itoa(resp.StatusCode))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			c.reportOutcome(false)
			return nil, fmt.Errorf("read body: %w", err)
		}
		data, err := decodeBody(resp.Header.Get("Content-Type"), body)
		if err != nil {
			c.reportOutcome(false)
			return nil, fmt.Errorf("%w: %v", errDecode, err)
		}
		c.reportOutcome(true)
		c.writeCache(key, data)
		return data, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.logger.Warn("rate limited by server",
			zap.String("url", rawURL),
			zap.Duration("retry_after", retryAfter),
		)
		if err := sleepCtx(ctx, retryAfter); err != nil {
			return nil, err
		}
		c.reportOutcome(false)
		return nil, fmt.Errorf("server rate limit on %s", rawURL)

	case resp.StatusCode == http.StatusNotFound:
		// An empty result, not a fault.
		c.reportOutcome(true)
		return nil, nil

	default:
		c.reportOutcome(false)
		c.logger.Error("unexpected status",
			zap.String("url", rawURL),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("http %d from %s", resp.StatusCode, rawURL)
	}
}

func (c *Client) buildRequest(ctx context.Context, rawURL string, query map[string]any) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, fmt.Sprint(v))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", c.randomUserAgent())

	if a := c.cfg.Auth; a != nil {
		switch a.Type {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+a.Token)
		case "basic":
			cred := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
			req.Header.Set("Authorization", "Basic "+cred)
		}
	}
	return req, nil
}

func (c *Client) reportOutcome(success bool) {
	c.limiter.Update(success)
	if success {
		c.breaker.RecordSuccess()
	} else {
		c.breaker.RecordFailure()
	}
	metrics.SetBreakerState(c.source, string(c.breaker.State()))
}

func (c *Client) writeCache(key string, data any) {
	if c.cache == nil || c.cfg.CacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	if err := c.cache.Put(key, raw); err != nil {
		c.logger.Warn("cache write failed", zap.Error(err))
	}
}

func (c *Client) randomUserAgent() string {
	if len(c.cfg.UserAgents) == 0 {
		return "Mozilla/5.0"
	}
	return c.cfg.UserAgents[rand.Intn(len(c.cfg.UserAgents))]
}

func (c *Client) nextProxy() *url.URL {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.proxies) == 0 {
		return nil
	}
	p := c.proxies[c.proxyIdx%len(c.proxies)]
	c.proxyIdx++
	return p
}

func decodeBody(contentType string, body []byte) (any, error) {
	if strings.Contains(contentType, "json") {
		var data any
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, err
		}
		return data, nil
	}
	return string(body), nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
