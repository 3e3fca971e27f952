package richtext

import "strings"

type StyleMap map[string]string

// ParseStyle parses an inline CSS string such as "color: #F97316; font-size: 12px".
func ParseStyle(style string) StyleMap {
	styles := make(StyleMap)
	for _, part := range strings.Split(style, ";") {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" && v != "" {
			styles[k] = v
		}
	}
	return styles
}

// preserved is the subset of styles markdown export keeps as an HTML span.
var preserved = []string{"color", "background-color"}

// SpanOpen returns the opening span for the preserved styles, or "".
func (s StyleMap) SpanOpen() string {
	var kept []string
	for _, k := range preserved {
		if v, ok := s[k]; ok {
			kept = append(kept, k+": "+v)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	return `<span style="` + strings.Join(kept, "; ") + `">`
}
