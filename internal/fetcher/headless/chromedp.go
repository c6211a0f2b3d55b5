// Package headless drives Chrome through chromedp for the automation tiers.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// Config controls the browser backend.
type Config struct {
	MaxParallel       int
	SlotWait          time.Duration
	NavigationTimeout time.Duration
	Settle            time.Duration
	ExecPath          string
	Headful           bool
}

var _ scrape.Automation = (*Browser)(nil)

// Browser implements scrape.Automation. It keeps one exec allocator per proxy
// endpoint because Chrome takes its proxy on the command line.
type Browser struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger

	mu         sync.Mutex
	allocators map[string]allocator
	closed     bool
}

type allocator struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Browser. Chrome is started lazily on first navigation.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Browser{
		cfg:        cfg,
		limiter:    limiter,
		logger:     logger,
		allocators: make(map[string]allocator),
	}, nil
}

// Close shuts down every browser process.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, alloc := range b.allocators {
		alloc.cancel()
		delete(b.allocators, key)
	}
	b.closed = true
}

// Navigate loads req.URL in a fresh tab, optionally submits a form, and
// returns the rendered DOM plus the cookies the tab ended with.
func (b *Browser) Navigate(ctx context.Context, req scrape.AutomationRequest) (*scrape.AutomationResult, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.release()

	allocCtx, err := b.allocatorFor(req.Proxy)
	if err != nil {
		return nil, err
	}
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, b.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	var (
		html     string
		finalURL string
		cookies  []*network.Cookie
	)
	actions := []chromedp.Action{
		networkSetupAction(req.UserAgent, req.Headers),
		setCookiesAction(req.URL, req.Cookies),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	actions = append(actions, formActions(req.Form)...)
	if req.WaitFor != "" {
		actions = append(actions, chromedp.WaitVisible(req.WaitFor, chromedp.ByQuery))
	}
	if b.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(b.cfg.Settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("read cookies: %w", err)
			}
			return nil
		}),
	)
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(req.URL, finalURL)
	return &scrape.AutomationResult{
		Payload: &scrape.Payload{
			URL:         responseURL,
			StatusCode:  status,
			Headers:     headers,
			Body:        []byte(html),
			ContentType: "text/html",
		},
		Cookies: fromNetworkCookies(cookies),
	}, nil
}

func (b *Browser) allocatorFor(proxy string) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("browser closed")
	}
	if alloc, ok := b.allocators[proxy]; ok {
		return alloc.ctx, nil
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if b.cfg.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	b.allocators[proxy] = allocator{ctx: ctx, cancel: cancel}
	b.logger.Debug("browser allocator created", zap.String("proxy", proxy))
	return ctx, nil
}

// acquire takes a browser slot. Waiting longer than SlotWait is reported as
// a local rate limit rather than blocking the chain indefinitely.
func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	waitCtx := ctx
	if b.cfg.SlotWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, b.cfg.SlotWait)
		defer cancel()
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
		}
		return fmt.Errorf("browser slot wait exceeded %s: %w", b.cfg.SlotWait, scrape.ErrLocalRateLimited)
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

func networkSetupAction(userAgent string, headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func setCookiesAction(pageURL string, cookies []*http.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		params := toCookieParams(pageURL, cookies)
		if len(params) == 0 {
			return nil
		}
		if err := network.SetCookies(params).Do(ctx); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
		return nil
	})
}

func formActions(form *scrape.FormStep) []chromedp.Action {
	if form == nil {
		return nil
	}
	actions := make([]chromedp.Action, 0, len(form.Fields)+2)
	for selector, value := range form.Fields {
		actions = append(actions, chromedp.SetValue(selector, value, chromedp.ByQuery))
	}
	if form.Submit != "" {
		actions = append(actions,
			chromedp.Submit(form.Submit, chromedp.ByQuery),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
	}
	return actions
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

// capture keeps the last document response, which is the one after any
// redirects or form submission.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}

func toCookieParams(pageURL string, cookies []*http.Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if c.Domain != "" {
			param.Domain = c.Domain
		} else {
			param.URL = pageURL
		}
		params = append(params, param)
	}
	return params
}

func fromNetworkCookies(cookies []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		out = append(out, hc)
	}
	return out
}
