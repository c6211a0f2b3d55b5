package extract

import (
	"bytes"
	"fmt"
	"iter"

	"github.com/PuerkitoBio/goquery"
)

type htmlSource struct {
	doc   *goquery.Document
	rules HTMLRules
}

func newHTMLSource(body []byte, rules HTMLRules) (*htmlSource, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &htmlSource{doc: doc, rules: rules}, nil
}

func (s *htmlSource) recognized() bool {
	if s.doc.Find(s.rules.Item).Length() > 0 {
		return true
	}
	if s.rules.Empty != "" && s.doc.Find(s.rules.Empty).Length() > 0 {
		return true
	}
	return s.rules.Container != "" && s.doc.Find(s.rules.Container).Length() > 0
}

func (s *htmlSource) items() iter.Seq[rawRecord] {
	return func(yield func(rawRecord) bool) {
		items := s.doc.Find(s.rules.Item)
		for i := range items.Length() {
			item := items.Eq(i)
			raw := rawRecord{
				title:        text(item, s.rules.Title),
				organization: text(item, s.rules.Organization),
				location:     text(item, s.rules.Location),
			}
			if s.rules.Link != "" {
				raw.link, _ = item.Find(s.rules.Link).First().Attr(s.rules.LinkAttr)
			} else if href, ok := item.Attr(s.rules.LinkAttr); ok {
				raw.link = href
			}
			if !yield(raw) {
				return
			}
		}
	}
}

func text(sel *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return sel.Find(selector).First().Text()
}
