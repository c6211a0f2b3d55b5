// Package collyfetcher implements scrape.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// Config controls collector behavior.
type Config struct {
	DefaultUserAgent string
	RespectRobots    bool
	Timeout          time.Duration
	MaxBodySize      int
}

var _ scrape.Fetcher = (*Fetcher)(nil)

// Fetcher issues one GET per call on a fresh collector so per-request proxy,
// cookie jar and headers never leak between sessions. Transports are shared
// per proxy endpoint to keep connection pooling.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	transports map[string]http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:        cfg,
		logger:     logger,
		transports: make(map[string]http.RoundTripper),
	}
}

// Fetch executes a single HTTP GET. Non-2xx responses are returned as
// payloads; only transport failures are errors.
func (f *Fetcher) Fetch(ctx context.Context, request scrape.FetchRequest) (*scrape.Payload, error) {
	var (
		result   *scrape.Payload
		fetchErr error
	)
	collector, err := f.buildCollector(ctx, request, &result, &fetchErr)
	if err != nil {
		return nil, err
	}
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("colly visit %s produced no response", request.URL)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request scrape.FetchRequest,
	result **scrape.Payload,
	fetchErr *error,
) (*colly.Collector, error) {
	collector := colly.NewCollector(colly.StdlibContext(ctx))
	collector.UserAgent = f.cfg.DefaultUserAgent
	if request.UserAgent != "" {
		collector.UserAgent = request.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.ParseHTTPErrorResponse = true
	collector.AllowURLRevisit = true
	if f.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = f.cfg.MaxBodySize
	}

	transport, err := f.transportFor(request.Proxy)
	if err != nil {
		return nil, err
	}
	collector.WithTransport(transport)
	collector.SetRequestTimeout(f.cfg.Timeout)
	if request.Jar != nil {
		collector.SetCookieJar(request.Jar)
	}

	f.configureCollectorHooks(collector, request, result, fetchErr)
	return collector, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request scrape.FetchRequest,
	result **scrape.Payload,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = &scrape.Payload{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Headers:     headers,
			Body:        append([]byte(nil), r.Body...),
			ContentType: headers.Get("Content-Type"),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = *fetchErr
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, colly.ErrRobotsTxtBlocked):
			return fmt.Errorf("colly visit %s: %w: %w", target, scrape.ErrNotRetryable, err)
		default:
			return fmt.Errorf("colly visit failed: %w", err)
		}
	}
}

// transportFor returns the shared transport for proxy, creating it once.
func (f *Fetcher) transportFor(proxy string) (http.RoundTripper, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rt, ok := f.transports[proxy]; ok {
		return rt, nil
	}
	transport := newHTTPTransport()
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	var rt http.RoundTripper = transport
	if f.cfg.RespectRobots {
		rt = &robotsAwareTransport{base: transport, logger: f.logger}
	}
	f.transports[proxy] = rt
	return rt, nil
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
