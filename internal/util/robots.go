package util

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/numberforty/cc-codex-crawler/internal/cache"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// RobotsChecker reports robots.txt rules for the hosts range fetches go to.
// Parsed files are kept per host; raw responses go through the shared cache
// so later runs skip the request.
type RobotsChecker struct {
	parsed     map[string]*robotstxt.RobotsData
	mu         sync.RWMutex
	httpClient *http.Client
	userAgent  string
	store      cache.Cache
	ttl        time.Duration
	logger     *zap.Logger
}

// NewRobotsChecker creates a new robots.txt checker
func NewRobotsChecker(client *http.Client, userAgent string, store cache.Cache, ttl time.Duration, logger *zap.Logger) *RobotsChecker {
	if store == nil {
		store = cache.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsChecker{
		parsed:     make(map[string]*robotstxt.RobotsData),
		httpClient: client,
		userAgent:  userAgent,
		store:      store,
		ttl:        ttl,
		logger:     logger,
	}
}

// CanFetch checks if the URL can be fetched according to robots.txt
// Returns (allowed, crawlDelay, error)
func (r *RobotsChecker) CanFetch(ctx context.Context, rawURL string) (bool, time.Duration, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, 0, fmt.Errorf("parse URL: %w", err)
	}

	data, err := r.robotsFor(ctx, parsed)
	if err != nil {
		// Unreachable robots.txt never blocks the run
		r.logger.Debug("robots.txt unavailable", zap.String("host", parsed.Host), zap.Error(err))
		return true, 0, nil
	}

	agent := NormalizeUserAgent(r.userAgent)
	allowed := data.TestAgent(parsed.Path, agent)

	crawlDelay := time.Duration(0)
	if group := data.FindGroup(agent); group != nil {
		crawlDelay = group.CrawlDelay
	}

	return allowed, crawlDelay, nil
}

// CrawlDelay returns the crawl delay for a URL, zero when none is set
func (r *RobotsChecker) CrawlDelay(ctx context.Context, rawURL string) time.Duration {
	_, delay, _ := r.CanFetch(ctx, rawURL)
	return delay
}

func (r *RobotsChecker) robotsFor(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := target.Host

	r.mu.RLock()
	data, exists := r.parsed[host]
	r.mu.RUnlock()
	if exists {
		return data, nil
	}

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", target.Scheme, host)
	raw, _, err := cache.GetOrLoad(r.store, cache.Key("robots", robotsURL), r.ttl, func() ([]byte, error) {
		return r.download(ctx, robotsURL)
	})
	if err != nil {
		return nil, err
	}

	status, body, _ := strings.Cut(string(raw), "\n")
	code, err := strconv.Atoi(status)
	if err != nil {
		return nil, fmt.Errorf("corrupt cached robots.txt for %s", host)
	}
	data, err = robotstxt.FromStatusAndBytes(code, []byte(body))
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	r.mu.Lock()
	r.parsed[host] = data
	r.mu.Unlock()
	return data, nil
}

// download fetches robots.txt and encodes it as "<status>\n<body>"
func (r *RobotsChecker) download(ctx context.Context, robotsURL string) ([]byte, error) {
	req, err := NewGetRequest(ctx, robotsURL, r.userAgent)
	if err != nil {
		return nil, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if IsRetryableStatus(resp.StatusCode) {
		return nil, fmt.Errorf("fetch robots.txt: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	return append([]byte(strconv.Itoa(resp.StatusCode)+"\n"), body...), nil
}

// NormalizeUserAgent normalizes the user agent string for robots.txt matching
func NormalizeUserAgent(ua string) string {
	// Extract the product name (first token)
	parts := strings.Fields(ua)
	if len(parts) > 0 {
		// Remove version if present
		product := strings.Split(parts[0], "/")[0]
		return product
	}
	return ua
}
