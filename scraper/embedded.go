package scraper

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var ErrNoPayload = errors.New("no embedded json payload")

// extractor tries one embedding convention and reports whether it matched.
type extractor func(doc *goquery.Document) (any, bool)

// Newest page format first.
var extractors = []extractor{
	nextData,
	assignment("window.PAGE_MODEL"),
	assignment("window.jsonModel"),
	assignment("window.__PRELOADED_STATE__"),
}

// ExtractJSON returns the first embedded JSON document found in page.
func ExtractJSON(page string) (any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, err
	}

	for _, extract := range extractors {
		if v, ok := extract(doc); ok {
			return v, nil
		}
	}
	return nil, ErrNoPayload
}

func nextData(doc *goquery.Document) (any, bool) {
	text := strings.TrimSpace(doc.Find("script#__NEXT_DATA__").First().Text())
	if text == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, false
	}
	return v, true
}

// assignment matches scripts of the form `<marker> = {...}`.
func assignment(marker string) extractor {
	return func(doc *goquery.Document) (any, bool) {
		var (
			found any
			ok    bool
		)
		doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := s.Text()
			idx := strings.Index(text, marker)
			if idx < 0 {
				return true
			}
			rest := text[idx+len(marker):]
			eq := strings.Index(rest, "=")
			if eq < 0 {
				return true
			}
			rest = rest[eq+1:]
			start := strings.IndexAny(rest, "{[")
			if start < 0 {
				return true
			}

			// The decoder stops at the end of the first value, ignoring any
			// trailing statements in the script.
			dec := json.NewDecoder(strings.NewReader(rest[start:]))
			if err := dec.Decode(&found); err != nil {
				return true
			}
			ok = true
			return false
		})
		return found, ok
	}
}
