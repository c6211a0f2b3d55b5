// Package extract turns successful payloads into structured records. HTML is
// read with goquery selectors and JSON with gjson paths. Records are produced
// lazily and de-duplicated by content fingerprint.
package extract

import (
	"bytes"
	"fmt"
	"iter"
	"strings"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// Format selects the parser.
type Format string

const (
	FormatHTML Format = "html"
	FormatJSON Format = "json"
	FormatAuto Format = "auto"
)

// HTMLRules locate listings in a results page.
type HTMLRules struct {
	// Container must be present for the page to count as a results page.
	Container    string
	Item         string
	Title        string
	Organization string
	Location     string
	Link         string
	LinkAttr     string
	// Empty matches the site's "no results" notice.
	Empty string
}

// JSONRules locate listings in an API response. Items must resolve to an
// array for the response to be recognized; the field paths are relative to
// each item.
type JSONRules struct {
	Items        string
	Title        string
	Organization string
	Location     string
	URL          string
}

// Config holds the parser rules.
type Config struct {
	Format Format
	HTML   HTMLRules
	JSON   JSONRules
}

// Fingerprinter hashes normalized record fields.
type Fingerprinter interface {
	Fingerprint(fields ...string) (string, error)
}

// Pipeline parses payloads for one campaign.
type Pipeline struct {
	cfg    Config
	hasher Fingerprinter
	clock  scrape.Clock
}

// New validates cfg and builds a Pipeline.
func New(cfg Config, hasher Fingerprinter, clock scrape.Clock) (*Pipeline, error) {
	if cfg.Format == "" {
		cfg.Format = FormatAuto
	}
	switch cfg.Format {
	case FormatHTML, FormatJSON, FormatAuto:
	default:
		return nil, fmt.Errorf("unknown extract format %q", cfg.Format)
	}
	htmlReady := cfg.HTML.Item != "" && cfg.HTML.Title != ""
	jsonReady := cfg.JSON.Items != "" && cfg.JSON.Title != ""
	switch {
	case cfg.Format == FormatHTML && !htmlReady:
		return nil, fmt.Errorf("extract.html.item and extract.html.title are required for format html")
	case cfg.Format == FormatJSON && !jsonReady:
		return nil, fmt.Errorf("extract.json.items and extract.json.title are required for format json")
	case cfg.Format == FormatAuto && !htmlReady && !jsonReady:
		return nil, fmt.Errorf("format auto needs html or json extraction rules")
	}
	if cfg.HTML.LinkAttr == "" {
		cfg.HTML.LinkAttr = "href"
	}
	return &Pipeline{cfg: cfg, hasher: hasher, clock: clock}, nil
}

// source is a parsed payload ready to yield records.
type source interface {
	// recognized reports whether the payload has the expected results shape.
	recognized() bool
	items() iter.Seq[rawRecord]
}

type rawRecord struct {
	title        string
	organization string
	location     string
	link         string
}

// Validate reports whether payload has a recognized results shape, either
// with listings or as a recognized empty result. The error wraps
// scrape.ErrParse.
func (p *Pipeline) Validate(payload *scrape.Payload) error {
	_, err := p.open(payload)
	return err
}

// Parse returns the records in payload as a lazy, finite sequence. An empty
// sequence with a nil error means a recognized empty result.
func (p *Pipeline) Parse(payload *scrape.Payload, target scrape.Target, query scrape.Query) (iter.Seq[scrape.Record], error) {
	src, err := p.open(payload)
	if err != nil {
		return nil, err
	}
	extractedAt := p.clock.Now()
	return func(yield func(scrape.Record) bool) {
		for raw := range src.items() {
			rec, ok := p.build(raw, payload.URL, target, query)
			if !ok {
				continue
			}
			rec.ExtractedAt = extractedAt
			if !yield(rec) {
				return
			}
		}
	}, nil
}

func (p *Pipeline) open(payload *scrape.Payload) (source, error) {
	if payload == nil || len(bytes.TrimSpace(payload.Body)) == 0 {
		return nil, fmt.Errorf("empty body: %w", scrape.ErrParse)
	}
	var (
		src source
		err error
	)
	switch p.formatFor(payload) {
	case FormatJSON:
		src, err = newJSONSource(payload.Body, p.cfg.JSON)
	default:
		src, err = newHTMLSource(payload.Body, p.cfg.HTML)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", scrape.ErrParse, err)
	}
	if !src.recognized() {
		return nil, fmt.Errorf("results structure not found: %w", scrape.ErrParse)
	}
	return src, nil
}

func (p *Pipeline) formatFor(payload *scrape.Payload) Format {
	if p.cfg.Format != FormatAuto {
		return p.cfg.Format
	}
	if p.cfg.JSON.Items == "" {
		return FormatHTML
	}
	if p.cfg.HTML.Item == "" || strings.Contains(strings.ToLower(payload.ContentType), "json") {
		return FormatJSON
	}
	trimmed := bytes.TrimSpace(payload.Body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return FormatHTML
}

func (p *Pipeline) build(raw rawRecord, pageURL string, target scrape.Target, query scrape.Query) (scrape.Record, bool) {
	title := collapse(raw.title)
	if title == "" {
		return scrape.Record{}, false
	}
	link := ""
	if raw.link != "" {
		if canonical, err := CanonicalURL(pageURL, raw.link); err == nil {
			link = canonical
		}
	}
	org := collapse(raw.organization)
	fp, err := p.hasher.Fingerprint(title, org, link)
	if err != nil {
		return scrape.Record{}, false
	}
	return scrape.Record{
		Fingerprint:  fp,
		Title:        title,
		Organization: org,
		Location:     collapse(raw.location),
		URL:          link,
		Domain:       target.Key(),
		Query:        query.Key(),
	}, true
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
