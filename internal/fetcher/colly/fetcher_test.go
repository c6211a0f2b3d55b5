package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

func TestFetchSendsProfileAndReturnsErrorStatusAsPayload(t *testing.T) {
	t.Parallel()

	var gotUA, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		gotLang = r.Header.Get("Accept-Language")
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<h1>Access denied</h1>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{DefaultUserAgent: "default-agent", Timeout: time.Second}, nil)
	payload, err := f.Fetch(context.Background(), scrape.FetchRequest{
		URL:       srv.URL + "/search?q=go",
		UserAgent: "profile-agent",
		Headers:   http.Header{"Accept-Language": {"de-DE"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, payload.StatusCode)
	require.Equal(t, "text/html", payload.ContentType)
	require.Contains(t, string(payload.Body), "Access denied")
	require.Equal(t, "profile-agent", gotUA)
	require.Equal(t, "de-DE", gotLang)
}

func TestFetchUsesDefaultUserAgent(t *testing.T) {
	t.Parallel()

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{DefaultUserAgent: "default-agent"}, nil)
	_, err := f.Fetch(context.Background(), scrape.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "default-agent", gotUA)
}

func TestFetchPersistsCookiesInSessionJar(t *testing.T) {
	t.Parallel()

	var secondCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "warm", Path: "/"})
			_, _ = w.Write([]byte("landing"))
			return
		}
		if c, err := r.Cookie("sid"); err == nil {
			secondCookie = c.Value
		}
		_, _ = w.Write([]byte("results"))
	}))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	f := New(Config{}, nil)

	_, err = f.Fetch(context.Background(), scrape.FetchRequest{URL: srv.URL + "/", Jar: jar})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), scrape.FetchRequest{URL: srv.URL + "/search", Jar: jar})
	require.NoError(t, err)
	require.Equal(t, "warm", secondCookie)
}

func TestFetchTransportFailureIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, nil)
	_, err := f.Fetch(context.Background(), scrape.FetchRequest{URL: addr})
	require.Error(t, err)
}

func TestFetchRobotsDisallowIsNotRetryable(t *testing.T) {
	t.Parallel()

	var searched bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /search\n"))
			return
		}
		searched = true
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{RespectRobots: true, Timeout: time.Second}, nil)
	_, err := f.Fetch(context.Background(), scrape.FetchRequest{URL: srv.URL + "/search?q=go"})
	require.ErrorIs(t, err, scrape.ErrNotRetryable)
	require.ErrorIs(t, err, colly.ErrRobotsTxtBlocked)
	require.False(t, searched)
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := New(Config{Timeout: 5 * time.Second}, nil)
	_, err := f.Fetch(ctx, scrape.FetchRequest{URL: srv.URL})
	require.Error(t, err)
}

func TestTransportForCachesPerProxy(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	direct, err := f.transportFor("")
	require.NoError(t, err)
	again, err := f.transportFor("")
	require.NoError(t, err)
	require.Same(t, direct, again)

	proxied, err := f.transportFor("http://127.0.0.1:3128")
	require.NoError(t, err)
	require.NotSame(t, direct, proxied)

	_, err = f.transportFor("://bad")
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	req := scrape.FetchRequest{URL: "https://example.com", Headers: http.Header{"X-Trace": {"yes"}}}
	var result *scrape.Payload
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{"X-Trace": {"stale"}}}
	hooks.onRequest(collyReq)
	require.Equal(t, []string{"yes"}, collyReq.Headers.Values("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"application/json"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.NotNil(t, result)
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "application/json", result.ContentType)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
