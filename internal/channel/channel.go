// Package channel abstracts outbound sends over the messaging provider so
// the engine never depends on a concrete provider API.
package channel

import "context"

// Choice is one labeled button in an interactive prompt.
type Choice struct {
	ID    string
	Title string
}

// Row is one selectable entry in a list prompt.
type Row struct {
	ID          string
	Title       string
	Description string
}

// Section groups list rows under a title.
type Section struct {
	Title string
	Rows  []Row
}

// Sender is the outbound contract the engine consumes. Implementations
// enforce provider payload limits by truncation and degrade interactive
// prompts to numbered plain text when the provider rejects them.
type Sender interface {
	SendText(ctx context.Context, tenantID, userID, text string) error
	SendButtons(ctx context.Context, tenantID, userID, body string, choices []Choice) error
	SendList(ctx context.Context, tenantID, userID, body, buttonLabel string, sections []Section) error
}
