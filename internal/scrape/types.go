package scrape

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Target is one site the engine harvests. It is immutable after NewTarget.
type Target struct {
	Domain          string
	BaseURL         string
	QueryPath       string
	TermsParam      string
	QueryParameters url.Values
}

// NewTarget builds a Target, cloning the parameter set so later edits by the
// caller cannot leak in.
func NewTarget(domain, baseURL, queryPath, termsParam string, params url.Values) Target {
	if termsParam == "" {
		termsParam = "q"
	}
	return Target{
		Domain:          strings.ToLower(strings.TrimSpace(domain)),
		BaseURL:         strings.TrimRight(baseURL, "/"),
		QueryPath:       queryPath,
		TermsParam:      termsParam,
		QueryParameters: cloneValues(params),
	}
}

// Key identifies the target in per-target maps.
func (t Target) Key() string {
	return strings.ToLower(t.Domain)
}

// LandingURL is the lightweight resource fetched during session warm-up.
func (t Target) LandingURL() string {
	u, err := url.Parse(t.BaseURL)
	if err != nil || u.Host == "" {
		return t.BaseURL + "/"
	}
	return u.Scheme + "://" + u.Host + "/"
}

// QueryURL renders the search URL for q, merging target-level parameters with
// the query's own parameters. Query parameters win on conflict.
func (t Target) QueryURL(q Query) string {
	values := cloneValues(t.QueryParameters)
	for k, v := range q.Params {
		values[k] = append([]string(nil), v...)
	}
	if q.Terms != "" {
		values.Set(t.TermsParam, q.Terms)
	}
	path := t.QueryPath
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	rendered := t.BaseURL + path
	if enc := values.Encode(); enc != "" {
		rendered += "?" + enc
	}
	return rendered
}

// Query is one distinct search against a Target.
type Query struct {
	Terms  string
	Params url.Values
}

// Key is a stable identity for the query, used in logs and dedup scopes.
func (q Query) Key() string {
	enc := q.Params.Encode()
	if enc == "" {
		return q.Terms
	}
	return q.Terms + "?" + enc
}

// WorkItem is the unit the coordinator schedules.
type WorkItem struct {
	Target Target
	Query  Query
}

// HeaderProfile is a coherent set of request headers presented as one client.
type HeaderProfile struct {
	Name      string
	UserAgent string
	Headers   http.Header
}

// Payload is the raw response body handed to extraction.
type Payload struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
}

// Attempt is the immutable record of one strategy execution.
type Attempt struct {
	ID           string
	Target       Target
	Query        Query
	Strategy     Strategy
	SessionID    string
	IdentityID   string
	Warmup       bool
	StartedAt    time.Time
	Latency      time.Duration
	ResponseSize int
	StatusCode   int
	Outcome      Outcome
}

// Record is one structured listing extracted from a payload.
type Record struct {
	Fingerprint  string    `json:"fingerprint"`
	Title        string    `json:"title"`
	Organization string    `json:"organization"`
	Location     string    `json:"location"`
	URL          string    `json:"url"`
	Domain       string    `json:"domain"`
	Query        string    `json:"query"`
	ExtractedAt  time.Time `json:"extracted_at"`
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
