// Package whatsapp implements the channel sender over the WhatsApp Cloud
// messages API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sevak/internal/channel"
	"sevak/internal/logging"
	"sevak/internal/metrics"
	"sevak/internal/tenant"
)

const defaultBaseURL = "https://graph.facebook.com/v18.0"

// Adapter sends messages through the Cloud API using per-tenant credentials
// from the registry.
type Adapter struct {
	baseURL  string
	client   *http.Client
	registry *tenant.Registry
	logger   logging.Logger
	metrics  *metrics.Metrics
}

// Option configures the adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) { a.client = client }
}

// New constructs the adapter.
func New(registry *tenant.Registry, logger logging.Logger, m *metrics.Metrics, opts ...Option) (*Adapter, error) {
	if registry == nil {
		return nil, fmt.Errorf("whatsapp adapter requires a tenant registry")
	}
	if m == nil {
		m = metrics.Nop()
	}
	a := &Adapter{
		baseURL:  defaultBaseURL,
		client:   &http.Client{Timeout: 15 * time.Second},
		registry: registry,
		logger:   logging.OrNop(logger),
		metrics:  m,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// SendText implements channel.Sender.
func (a *Adapter) SendText(ctx context.Context, tenantID, userID, text string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                userID,
		"type":              "text",
		"text": map[string]any{
			"body": truncate(text, MaxTextLength),
		},
	}
	return a.post(ctx, tenantID, payload)
}

// SendButtons implements channel.Sender. Oversized titles are truncated and
// at most MaxButtons choices are sent; on provider rejection the prompt is
// degraded to numbered plain text so the citizen can still answer.
func (a *Adapter) SendButtons(ctx context.Context, tenantID, userID, body string, choices []channel.Choice) error {
	if len(choices) == 0 {
		return a.SendText(ctx, tenantID, userID, body)
	}
	if len(choices) > MaxButtons {
		choices = choices[:MaxButtons]
	}

	buttons := make([]map[string]any, 0, len(choices))
	for _, c := range choices {
		buttons = append(buttons, map[string]any{
			"type": "reply",
			"reply": map[string]any{
				"id":    c.ID,
				"title": truncate(c.Title, MaxButtonTitleLength),
			},
		})
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                userID,
		"type":              "interactive",
		"interactive": map[string]any{
			"type":   "button",
			"body":   map[string]any{"text": truncate(body, MaxBodyLength)},
			"action": map[string]any{"buttons": buttons},
		},
	}
	if err := a.post(ctx, tenantID, payload); err != nil {
		a.logger.Warn("Button send to %s failed, degrading to text: %v", userID, err)
		return a.SendText(ctx, tenantID, userID, renderChoicesAsText(body, choices))
	}
	return nil
}

// SendList implements channel.Sender, with the same degradation discipline
// as SendButtons.
func (a *Adapter) SendList(ctx context.Context, tenantID, userID, body, buttonLabel string, sections []channel.Section) error {
	if len(sections) == 0 {
		return a.SendText(ctx, tenantID, userID, body)
	}
	if len(sections) > MaxSections {
		sections = sections[:MaxSections]
	}

	apiSections := make([]map[string]any, 0, len(sections))
	for _, section := range sections {
		rows := section.Rows
		if len(rows) > MaxRows {
			rows = rows[:MaxRows]
		}
		apiRows := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			apiRow := map[string]any{
				"id":    row.ID,
				"title": truncate(row.Title, MaxRowTitleLength),
			}
			if row.Description != "" {
				apiRow["description"] = truncate(row.Description, MaxRowDescLength)
			}
			apiRows = append(apiRows, apiRow)
		}
		apiSections = append(apiSections, map[string]any{
			"title": truncate(section.Title, MaxRowTitleLength),
			"rows":  apiRows,
		})
	}
	if buttonLabel == "" {
		buttonLabel = "Select"
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                userID,
		"type":              "interactive",
		"interactive": map[string]any{
			"type": "list",
			"body": map[string]any{"text": truncate(body, MaxBodyLength)},
			"action": map[string]any{
				"button":   truncate(buttonLabel, MaxListButtonLength),
				"sections": apiSections,
			},
		},
	}
	if err := a.post(ctx, tenantID, payload); err != nil {
		a.logger.Warn("List send to %s failed, degrading to text: %v", userID, err)
		return a.SendText(ctx, tenantID, userID, renderSectionsAsText(body, sections))
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, tenantID string, payload map[string]any) error {
	t, ok := a.registry.ByID(tenantID)
	if !ok {
		return fmt.Errorf("unknown tenant %s", tenantID)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", a.baseURL, t.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		a.metrics.SendFailures.WithLabelValues(tenantID).Inc()
		return fmt.Errorf("send message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		a.metrics.SendFailures.WithLabelValues(tenantID).Inc()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// renderChoicesAsText is the plain-text fallback for a button prompt.
func renderChoicesAsText(body string, choices []channel.Choice) string {
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n")
	for i, c := range choices {
		fmt.Fprintf(&b, "\n%d. %s", i+1, c.Title)
	}
	b.WriteString("\n\nReply with the option number or name.")
	return truncate(b.String(), MaxTextLength)
}

// renderSectionsAsText is the plain-text fallback for a list prompt.
func renderSectionsAsText(body string, sections []channel.Section) string {
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n")
	n := 0
	for _, section := range sections {
		if section.Title != "" {
			fmt.Fprintf(&b, "\n%s:", section.Title)
		}
		for _, row := range section.Rows {
			n++
			fmt.Fprintf(&b, "\n%d. %s", n, row.Title)
		}
	}
	b.WriteString("\n\nReply with the option number or name.")
	return truncate(b.String(), MaxTextLength)
}
