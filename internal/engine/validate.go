package engine

import (
	"fmt"
	"regexp"
	"strings"

	"sevak/internal/flow"
)

// checkInput applies an input step's validation rules. The returned message
// is empty when the submission passes; otherwise it is the corrective text
// to re-prompt with.
func checkInput(v *flow.Validation, input string) string {
	if v == nil {
		return ""
	}
	trimmed := strings.TrimSpace(input)
	if v.Required && trimmed == "" {
		if v.ErrorMessage != "" {
			return v.ErrorMessage
		}
		return "This field is required."
	}
	if v.MinLength > 0 && len([]rune(input)) < v.MinLength {
		return fmt.Sprintf("Input must be at least %d characters.", v.MinLength)
	}
	if v.MaxLength > 0 && len([]rune(input)) > v.MaxLength {
		return fmt.Sprintf("Input must not exceed %d characters.", v.MaxLength)
	}
	if v.Pattern != "" {
		re, err := regexp.Compile(v.Pattern)
		if err != nil {
			// An unparseable authored pattern must not block citizens.
			return ""
		}
		if !re.MatchString(input) {
			if v.ErrorMessage != "" {
				return v.ErrorMessage
			}
			return "Invalid input format."
		}
	}
	return ""
}

// skipKeywords are the phrases that advance an optional media capture
// without an upload.
var skipKeywords = []string{
	"back", "skip", "cancel", "no", "no thanks", "continue without", "without photo", "na", "n/a",
}

// isSkipKeyword reports whether text is a media-skip phrase.
func isSkipKeyword(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return false
	}
	for _, keyword := range skipKeywords {
		if normalized == keyword || strings.Contains(normalized, keyword) {
			return true
		}
	}
	return false
}
