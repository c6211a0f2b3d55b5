// Package detector recognizes block pages, interactive challenges and
// script-only shells in otherwise successful responses.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// Verdict is the detector's classification of a page.
type Verdict int

const (
	VerdictClean Verdict = iota
	VerdictBlocked
	VerdictChallenge
)

// Result carries the verdict and the signal that produced it.
type Result struct {
	Verdict Verdict
	Reason  string
}

// Config lists the page signatures to look for. Keywords are matched
// case-insensitively against the raw body; selectors against the parsed DOM.
type Config struct {
	BlockKeywords      []string
	BlockSelectors     []string
	ChallengeKeywords  []string
	ChallengeSelectors []string
	// ShellThreshold is the body size under which a script-heavy page is
	// treated as a client-rendered shell. Zero disables the check.
	ShellThreshold int
}

// DefaultConfig holds signatures common to the major bot walls.
func DefaultConfig() Config {
	return Config{
		BlockKeywords: []string{
			"access denied",
			"request blocked",
			"unusual traffic",
			"you have been blocked",
			"automated queries",
		},
		BlockSelectors: []string{"#cf-error-details", ".cf-error-code"},
		ChallengeKeywords: []string{
			"g-recaptcha",
			"h-captcha",
			"cf-challenge",
			"challenge-platform",
			"verify you are human",
			"px-captcha",
		},
		ChallengeSelectors: []string{
			"#challenge-form",
			`iframe[src*="captcha"]`,
			".g-recaptcha",
			".h-captcha",
		},
		ShellThreshold: 2048,
	}
}

// Detector classifies pages.
type Detector struct {
	blockKeywords      [][]byte
	blockSelectors     []string
	challengeKeywords  [][]byte
	challengeSelectors []string
	shellThreshold     int
}

// New builds a Detector from cfg.
func New(cfg Config) *Detector {
	return &Detector{
		blockKeywords:      lowerAll(cfg.BlockKeywords),
		blockSelectors:     nonEmpty(cfg.BlockSelectors),
		challengeKeywords:  lowerAll(cfg.ChallengeKeywords),
		challengeSelectors: nonEmpty(cfg.ChallengeSelectors),
		shellThreshold:     cfg.ShellThreshold,
	}
}

// Inspect classifies payload. rendered says the body came from a browser,
// in which case script-only shells are expected and not reported.
func (d *Detector) Inspect(payload *scrape.Payload, rendered bool) Result {
	if d == nil || payload == nil || len(payload.Body) == 0 || !looksLikeHTML(payload) {
		return Result{}
	}
	lower := bytes.ToLower(payload.Body)

	if kw, ok := containsAny(lower, d.challengeKeywords); ok {
		return Result{Verdict: VerdictChallenge, Reason: "challenge marker " + string(kw)}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload.Body))
	if err == nil {
		if sel, ok := matchesAny(doc, d.challengeSelectors); ok {
			return Result{Verdict: VerdictChallenge, Reason: "challenge element " + sel}
		}
	}
	if kw, ok := containsAny(lower, d.blockKeywords); ok {
		return Result{Verdict: VerdictBlocked, Reason: "block page " + string(kw)}
	}
	if err == nil {
		if sel, ok := matchesAny(doc, d.blockSelectors); ok {
			return Result{Verdict: VerdictBlocked, Reason: "block element " + sel}
		}
	}
	if !rendered && d.shellThreshold > 0 && len(payload.Body) < d.shellThreshold && scriptDensityHigh(lower) {
		return Result{Verdict: VerdictBlocked, Reason: "script-only shell"}
	}
	return Result{}
}

func looksLikeHTML(p *scrape.Payload) bool {
	ct := strings.ToLower(p.ContentType)
	if strings.Contains(ct, "json") {
		return false
	}
	if strings.Contains(ct, "html") {
		return true
	}
	trimmed := bytes.TrimSpace(p.Body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

func containsAny(lowerBody []byte, keywords [][]byte) ([]byte, bool) {
	for _, kw := range keywords {
		if bytes.Contains(lowerBody, kw) {
			return kw, true
		}
	}
	return nil, false
}

func matchesAny(doc *goquery.Document, selectors []string) (string, bool) {
	for _, sel := range selectors {
		if doc.Find(sel).Length() > 0 {
			return sel, true
		}
	}
	return "", false
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the lowered body.
func scriptDensityHigh(lower []byte) bool {
	body := string(lower)
	total := len(body)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(body[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(body[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		end := strings.Index(body[contentStart:], closeTag)
		next := total
		if end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage > 0 && coverage*100/total >= 25
}

func lowerAll(in []string) [][]byte {
	out := make([][]byte, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, bytes.ToLower([]byte(s)))
	}
	return out
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
