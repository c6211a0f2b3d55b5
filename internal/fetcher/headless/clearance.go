package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// ErrNotCleared means the challenge was still showing when the wait ran out.
var ErrNotCleared = errors.New("challenge not cleared")

var _ scrape.ChallengeSolver = (*ClearanceWaiter)(nil)

// ClearanceWaiter handles challenges that clear themselves in a real browser
// (script checks, interstitial redirects) or that an operator clears by hand
// in a headful window. It keeps the challenge tab open, polls the DOM, and
// returns the tab's cookies once the page no longer looks challenged. It
// never attempts to answer a CAPTCHA.
type ClearanceWaiter struct {
	browser    *Browser
	challenged func(*scrape.Payload) bool
	timeout    time.Duration
	poll       time.Duration
}

// NewClearanceWaiter builds a waiter. challenged reports whether a captured
// page is still a challenge.
func NewClearanceWaiter(b *Browser, challenged func(*scrape.Payload) bool, timeout, poll time.Duration) *ClearanceWaiter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &ClearanceWaiter{browser: b, challenged: challenged, timeout: timeout, poll: poll}
}

// Solve waits for the challenge at req.URL to clear.
func (w *ClearanceWaiter) Solve(ctx context.Context, req scrape.AutomationRequest, _ *scrape.Payload) ([]*http.Cookie, error) {
	if err := w.browser.acquire(ctx); err != nil {
		return nil, err
	}
	defer w.browser.release()

	allocCtx, err := w.browser.allocatorFor(req.Proxy)
	if err != nil {
		return nil, err
	}
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, w.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var cookies []*network.Cookie
	err = chromedp.Run(taskCtx,
		networkSetupAction(req.UserAgent, req.Headers),
		setCookiesAction(req.URL, req.Cookies),
		chromedp.Navigate(req.URL),
		w.waitCleared(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("await clearance on %s: %w", req.URL, err)
	}
	return fromNetworkCookies(cookies), nil
}

func (w *ClearanceWaiter) waitCleared() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(w.poll)
		defer ticker.Stop()
		for {
			var html string
			if err := chromedp.OuterHTML("html", &html, chromedp.ByQuery).Do(ctx); err == nil {
				page := &scrape.Payload{Body: []byte(html), ContentType: "text/html"}
				if !w.challenged(page) {
					return nil
				}
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrNotCleared, ctx.Err())
			case <-ticker.C:
			}
		}
	})
}
