// Package fetch is the caching, rate-limited vendor HTTP client. Every
// request goes through a priority queue with bounded concurrency; GETs are
// deduplicated while in flight and served write-through from a two-tier
// cache. The persistent cache is the primary mechanism for staying inside
// the vendor's call quota.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ErlanBelekov/market-scanner/internal/metrics"
	"github.com/ErlanBelekov/market-scanner/internal/repository"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// HTTPError carries the status code of a non-2xx response. 4xx is fatal
// immediately; 5xx is retryable.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Status)
}

// Retryable reports whether the error class may be retried.
func (e *HTTPError) Retryable() bool { return e.StatusCode >= 500 }

// IsNotFound reports whether err is a vendor 404.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// Well-known priorities. Smaller is more urgent; 0 falls back to the
// client's DefaultPriority.
const (
	PriorityHigh = 10
	PriorityLow  = 90
)

type Config struct {
	BaseURL             string
	AuthToken           string // sent as a bearer header when set
	Timeout             time.Duration // default 30s
	MaxConcurrency      int           // default 6
	MemoryTTL           time.Duration // default 5m
	PersistentTTL       time.Duration // default 1h
	PersistentMaxBytes  int64         // default 5 MiB
	PersistentMaxCount  int           // default 500
	EnableDeduplication bool
	EnableRetry         bool
	MaxRetries          int           // default 3
	RetryBase           time.Duration // default 1s
	DefaultPriority     int           // default 50, smaller is more urgent
}

func (c *Config) withDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 6
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.DefaultPriority == 0 {
		c.DefaultPriority = 50
	}
}

// RequestOptions tune one call. The zero value uses the client defaults.
type RequestOptions struct {
	Params   map[string]string
	Headers  map[string]string
	Priority int  // 0 = client default
	NoCache  bool // bypass both tiers for this GET
}

type Client struct {
	cfg    Config
	http   *http.Client
	queue  *queue
	mem    *memoryTier
	store  *persistentTier // nil when no persistent repository is wired
	sf     singleflight.Group
	stats  Stats
	logger *slog.Logger
}

// New builds the client. cacheRepo may be nil, leaving only the memory tier.
func New(ctx context.Context, cfg Config, cacheRepo repository.CacheRepository, logger *slog.Logger) *Client {
	cfg.withDefaults()
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		queue:  newQueue(cfg.MaxConcurrency),
		mem:    newMemoryTier(cfg.MemoryTTL),
		logger: logger.With("component", "fetch"),
	}
	if cacheRepo != nil {
		c.store = newPersistentTier(cacheRepo, cfg.PersistentTTL, cfg.PersistentMaxBytes, cfg.PersistentMaxCount, logger)
		c.store.open(ctx)
	}
	return c
}

// Stats exposes the live counter set.
func (c *Client) Stats() *Stats { return &c.stats }

// QueueDepth reports queued-not-running requests, for metrics.
func (c *Client) QueueDepth() int { return c.queue.depth() }

// Close drains the queue. In-flight requests finish; queued ones are dropped.
func (c *Client) Close() { c.queue.close() }

// ClearMemory drops the volatile tier only. Used by tests and by the
// orchestrator's cancel hook.
func (c *Client) ClearMemory() { c.mem.clear() }

// Get fetches url, serving from cache when possible, and decodes the JSON
// response into out.
func (c *Client) Get(ctx context.Context, path string, opts RequestOptions, out any) error {
	c.stats.Total.Add(1)
	key := CacheKey(http.MethodGet, path, c.cfg.BaseURL, opts.Params, nil)

	if !opts.NoCache {
		if data, ok := c.mem.get(key); ok {
			c.stats.MemoryHits.Add(1)
			metrics.CacheHitsTotal.WithLabelValues("memory").Inc()
			return decode(data, out)
		}
		if c.store != nil {
			if data, ok := c.store.get(ctx, key); ok {
				c.stats.PersistentHits.Add(1)
				metrics.CacheHitsTotal.WithLabelValues("persistent").Inc()
				c.mem.put(key, data) // promote
				return decode(data, out)
			}
		}
	}

	data, err := c.fetchThrough(ctx, key, path, opts)
	if err != nil {
		c.stats.Failed.Add(1)
		metrics.FetchRequestsTotal.WithLabelValues("error").Inc()
		return err
	}
	c.stats.Successful.Add(1)
	metrics.FetchRequestsTotal.WithLabelValues("success").Inc()
	return decode(data, out)
}

// fetchThrough performs the network GET, deduplicating concurrent requests
// for the same key and writing the response through both tiers.
func (c *Client) fetchThrough(ctx context.Context, key, path string, opts RequestOptions) ([]byte, error) {
	fetch := func() (any, error) {
		data, err := c.enqueue(ctx, http.MethodGet, path, opts, nil)
		if err != nil {
			return nil, err
		}
		if !opts.NoCache {
			c.mem.put(key, data)
			if c.store != nil {
				c.store.put(ctx, key, path, toAnyMap(opts.Params), data)
			}
		}
		return data, nil
	}

	if !c.cfg.EnableDeduplication {
		v, err := fetch()
		if err != nil {
			return nil, err
		}
		return v.([]byte), nil
	}

	v, err, shared := c.sf.Do(key, fetch)
	if shared {
		c.stats.Deduplicated.Add(1)
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Post sends body as JSON. Non-GET methods bypass caching entirely.
func (c *Client) Post(ctx context.Context, path string, body any, opts RequestOptions, out any) error {
	return c.write(ctx, http.MethodPost, path, body, opts, out)
}

func (c *Client) Put(ctx context.Context, path string, body any, opts RequestOptions, out any) error {
	return c.write(ctx, http.MethodPut, path, body, opts, out)
}

func (c *Client) Patch(ctx context.Context, path string, body any, opts RequestOptions, out any) error {
	return c.write(ctx, http.MethodPatch, path, body, opts, out)
}

func (c *Client) Delete(ctx context.Context, path string, opts RequestOptions, out any) error {
	return c.write(ctx, http.MethodDelete, path, nil, opts, out)
}

func (c *Client) write(ctx context.Context, method, path string, body any, opts RequestOptions, out any) error {
	c.stats.Total.Add(1)
	data, err := c.enqueue(ctx, method, path, opts, body)
	if err != nil {
		c.stats.Failed.Add(1)
		metrics.FetchRequestsTotal.WithLabelValues("error").Inc()
		return err
	}
	c.stats.Successful.Add(1)
	metrics.FetchRequestsTotal.WithLabelValues("success").Inc()
	if out == nil {
		return nil
	}
	return decode(data, out)
}

type result struct {
	data []byte
	err  error
}

// enqueue submits the request to the priority pool and blocks until it
// settles or ctx is cancelled.
func (c *Client) enqueue(ctx context.Context, method, path string, opts RequestOptions, body any) ([]byte, error) {
	priority := opts.Priority
	if priority == 0 {
		priority = c.cfg.DefaultPriority
	}

	done := make(chan result, 1)
	c.queue.submit(ctx, priority, func() {
		defer metrics.FetchQueueDepth.Set(float64(c.queue.depth()))
		if ctx.Err() != nil {
			done <- result{err: ctx.Err()}
			return
		}
		data, err := c.doWithRetry(ctx, method, path, opts, body)
		done <- result{data: data, err: err}
	})
	metrics.FetchQueueDepth.Set(float64(c.queue.depth()))

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) doWithRetry(ctx context.Context, method, path string, opts RequestOptions, body any) ([]byte, error) {
	if !c.cfg.EnableRetry {
		return c.do(ctx, method, path, opts, body)
	}

	var data []byte
	attempt := 0
	op := func() error {
		attempt++
		var err error
		data, err = c.do(ctx, method, path, opts, body)
		if err == nil {
			return nil
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			return backoff.Permanent(err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		if attempt <= c.cfg.MaxRetries {
			c.stats.Retried.Add(1)
			c.logger.Warn("retrying request", "method", method, "path", path, "attempt", attempt, "error", err)
		}
		return err
	}

	// base * 2^(attempt-1), no jitter, so retry spacing is deterministic.
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryBase
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, opts RequestOptions, body any) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	fullURL := path
	if c.cfg.BaseURL != "" && !hasScheme(path) {
		fullURL = c.cfg.BaseURL + "/" + trimSlash(path)
	}
	if len(opts.Params) > 0 {
		values := url.Values{}
		for k, v := range opts.Params {
			values.Set(k, v)
		}
		sep := "?"
		if strings.Contains(fullURL, "?") {
			sep = "&"
		}
		fullURL += sep + values.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       snippet(data),
		}
	}
	return data, nil
}

func decode(data []byte, out any) error {
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = data
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func toAnyMap(m map[string]string) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func hasScheme(s string) bool {
	return len(s) > 8 && (s[:7] == "http://" || s[:8] == "https://")
}

func trimSlash(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	return s
}

func snippet(data []byte) string {
	const max = 512
	if len(data) > max {
		data = data[:max]
	}
	return string(data)
}
