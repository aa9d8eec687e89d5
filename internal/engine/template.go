package engine

import (
	"fmt"
	"regexp"
	"time"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Render substitutes {field} tokens against the session data bag, then the
// implicit tokens {date}, {time} and {companyName}. Unresolved tokens stay
// verbatim; missing data never fails a send.
func Render(template string, data map[string]any, tenantName string) string {
	now := time.Now()
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		if data != nil {
			if value, ok := data[key]; ok && value != nil {
				if s := stringify(value); s != "" {
					return s
				}
			}
		}
		switch key {
		case "date":
			return now.Format("02/01/2006")
		case "time":
			return now.Format("3:04 PM")
		case "companyName":
			if tenantName != "" {
				return tenantName
			}
		}
		return match
	})
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
