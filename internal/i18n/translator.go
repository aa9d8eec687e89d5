// Package i18n provides the static translation lookup used for system
// messages outside authored flow text.
package i18n

import "strings"

// DefaultLanguage is the fallback for missing translations.
const DefaultLanguage = "en"

// Translator resolves a message key against a language tag, falling back to
// English and finally to the key itself. It is a pure lookup with no mutable
// state, so one instance is safely shared across all sessions.
type Translator struct {
	tables map[string]map[string]string
}

// New returns a translator seeded with the built-in system messages.
func New() *Translator {
	return &Translator{tables: builtinTables()}
}

// Merge layers flow-authored translations over the built-ins. Later merges
// win on key collisions.
func (t *Translator) Merge(tables map[string]map[string]string) *Translator {
	merged := make(map[string]map[string]string, len(t.tables))
	for lang, entries := range t.tables {
		copied := make(map[string]string, len(entries))
		for k, v := range entries {
			copied[k] = v
		}
		merged[lang] = copied
	}
	for lang, entries := range tables {
		lang = normalize(lang)
		if merged[lang] == nil {
			merged[lang] = make(map[string]string, len(entries))
		}
		for k, v := range entries {
			merged[lang][k] = v
		}
	}
	return &Translator{tables: merged}
}

// Translate resolves key in lang.
func (t *Translator) Translate(key, lang string) string {
	lang = normalize(lang)
	if entries, ok := t.tables[lang]; ok {
		if value, ok := entries[key]; ok {
			return value
		}
	}
	if lang != DefaultLanguage {
		if value, ok := t.tables[DefaultLanguage][key]; ok {
			return value
		}
	}
	return key
}

func normalize(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return DefaultLanguage
	}
	return lang
}

func builtinTables() map[string]map[string]string {
	return map[string]map[string]string{
		"en": {
			"goodbye":          "Thank you for contacting us. Have a great day!",
			"error_generic":    "We encountered an error. Please try again.",
			"error_try_later":  "Something went wrong on our side. Please try again later.",
			"invalid_option":   "Sorry, I didn't understand that option. Please choose from the menu.",
			"awaiting_media":   "Please upload the requested file, or reply 'skip' to continue without it.",
			"session_expired":  "Your previous session has expired. Say 'hi' to start again.",
			"status_not_found": "We could not find a case with that reference. Please check it and try again.",
			"msg_no_departments":   "No departments are available right now. Please try again later.",
			"btn_load_more":        "Load more...",
			"btn_select_dept":      "Select Department",
			"selection_department": "Please select the department your grievance relates to:",
			"select_date":          "Please select a date for your appointment:",
			"select_time":          "Please select a time slot:",
		},
		"hi": {
			"goodbye":        "हमसे संपर्क करने के लिए धन्यवाद। आपका दिन शुभ हो!",
			"error_generic":  "एक त्रुटि हुई। कृपया पुनः प्रयास करें।",
			"invalid_option": "क्षमा करें, वह विकल्प समझ नहीं आया। कृपया मेनू से चुनें।",
			"btn_load_more":        "और देखें...",
			"btn_select_dept":      "विभाग चुनें",
			"selection_department": "कृपया वह विभाग चुनें जिससे आपकी शिकायत संबंधित है:",
			"select_date":          "कृपया अपॉइंटमेंट के लिए एक तारीख चुनें:",
			"select_time":          "कृपया एक समय चुनें:",
		},
		"mr": {
			"goodbye":        "आमच्याशी संपर्क साधल्याबद्दल धन्यवाद. तुमचा दिवस चांगला जावो!",
			"error_generic":  "एक त्रुटी आली. कृपया पुन्हा प्रयत्न करा.",
			"invalid_option": "क्षमस्व, तो पर्याय समजला नाही. कृपया मेनूमधून निवडा.",
		},
		"or": {
			"goodbye":       "ଆମ ସହିତ ଯୋଗାଯୋଗ କରିଥିବାରୁ ଧନ୍ୟବାଦ। ଆପଣଙ୍କ ଦିନ ଶୁଭ ହେଉ!",
			"error_generic": "ଏକ ତ୍ରୁଟି ଘଟିଛି। ଦୟାକରି ପୁଣି ଚେଷ୍ଟା କରନ୍ତୁ।",
		},
	}
}
