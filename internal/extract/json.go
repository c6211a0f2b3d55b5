package extract

import (
	"errors"
	"iter"

	"github.com/tidwall/gjson"
)

type jsonSource struct {
	list  gjson.Result
	rules JSONRules
}

func newJSONSource(body []byte, rules JSONRules) (*jsonSource, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid json")
	}
	return &jsonSource{list: gjson.GetBytes(body, rules.Items), rules: rules}, nil
}

func (s *jsonSource) recognized() bool {
	return s.list.IsArray()
}

func (s *jsonSource) items() iter.Seq[rawRecord] {
	return func(yield func(rawRecord) bool) {
		s.list.ForEach(func(_, item gjson.Result) bool {
			return yield(rawRecord{
				title:        item.Get(s.rules.Title).String(),
				organization: field(item, s.rules.Organization),
				location:     field(item, s.rules.Location),
				link:         field(item, s.rules.URL),
			})
		})
	}
}

func field(item gjson.Result, path string) string {
	if path == "" {
		return ""
	}
	return item.Get(path).String()
}
