package scraper

import (
	"strconv"
	"strings"

	"github.com/jmespath/go-jmespath"
)

// paths is an ordered list of alternative key paths for one field. The
// source renames keys between page versions; the first non-empty match wins.
type paths []*jmespath.JMESPath

func keys(exprs ...string) paths {
	p := make(paths, 0, len(exprs))
	for _, e := range exprs {
		p = append(p, jmespath.MustCompile(e))
	}
	return p
}

func (p paths) find(doc any) any {
	if doc == nil {
		return nil
	}
	for _, expr := range p {
		v, err := expr.Search(doc)
		if err != nil || isEmpty(v) {
			continue
		}
		return v
	}
	return nil
}

func (p paths) str(doc any) string {
	return toString(p.find(doc))
}

func (p paths) integer(doc any) int {
	return toInt(p.find(doc))
}

func (p paths) strs(doc any) []string {
	v := p.find(doc)
	list, ok := v.([]any)
	if !ok {
		if s := toString(v); s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s := toString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p paths) list(doc any) []any {
	list, _ := p.find(doc).([]any)
	return list
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		for _, k := range []string{"displayText", "text", "value", "name"} {
			if s, ok := t[k].(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		return parseAmount(t)
	}
	return 0
}

// parseAmount reads the first number in s, ignoring thousands separators:
// "£1,250,000" gives 1250000, "POA" gives 0.
func parseAmount(s string) int {
	start := strings.IndexAny(s, "0123456789")
	if start < 0 {
		return 0
	}
	var b strings.Builder
	for _, r := range s[start:] {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == ',' {
			continue
		}
		break
	}
	n, err := strconv.Atoi(b.String())
	if err != nil {
		return 0
	}
	return n
}
