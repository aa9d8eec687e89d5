package whatsapp

// Provider payload limits. Business constraints of the WhatsApp Cloud API,
// enforced by truncation before send, never by rejecting a step.
const (
	MaxTextLength        = 4000
	MaxBodyLength        = 1024
	MaxButtons           = 3
	MaxButtonTitleLength = 20
	MaxSections          = 1
	MaxRows              = 10
	MaxRowTitleLength    = 24
	MaxRowDescLength     = 72
	MaxListButtonLength  = 20
)

// truncate trims s to at most max runes.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
