package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"sevak/internal/channel"
	"sevak/internal/flow"
	"sevak/internal/session"
)

const (
	maxAPIResponseBytes = 1 << 20

	// maxDynamicChoices caps generated option prompts at the provider's
	// button limit.
	maxDynamicChoices = 3
)

// runAPICall performs a synchronous external call mid-flow. Availability
// responses are special-cased into dynamic date/time button prompts; any
// other response is stored in the data bag and the flow advances.
func (e *Engine) runAPICall(ctx context.Context, f *flow.Flow, sess *session.Session, step *flow.Step) (string, error) {
	cfg := step.APICall
	if cfg == nil {
		return "", fmt.Errorf("api_call step %s has no call config", step.ID)
	}

	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodGet
	}
	endpoint := e.render(sess, cfg.Endpoint)

	var body io.Reader
	if method == http.MethodGet {
		if len(cfg.Body) > 0 {
			u, err := url.Parse(endpoint)
			if err != nil {
				return "", fmt.Errorf("api_call step %s endpoint: %w", step.ID, err)
			}
			q := u.Query()
			for key, value := range cfg.Body {
				q.Set(key, e.render(sess, stringify(value)))
			}
			u.RawQuery = q.Encode()
			endpoint = u.String()
		}
	} else if len(cfg.Body) > 0 {
		payload := make(map[string]any, len(cfg.Body))
		for key, value := range cfg.Body {
			if s, ok := value.(string); ok {
				payload[key] = e.render(sess, s)
			} else {
				payload[key] = value
			}
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("api_call step %s body: %w", step.ID, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return "", fmt.Errorf("api_call step %s: %w", step.ID, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range cfg.Headers {
		req.Header.Set(key, e.render(sess, value))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("api_call step %s: %w", step.ID, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return "", fmt.Errorf("api_call step %s read: %w", step.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("api_call step %s returned %d: %s", step.ID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			decoded = string(raw)
		}
	}
	if cfg.SaveTo != "" {
		sess.Data[cfg.SaveTo] = decoded
	}

	if obj, ok := decoded.(map[string]any); ok {
		if paused, err := e.promptAvailability(ctx, f, sess, step, obj); err != nil {
			return "", err
		} else if paused {
			return "", nil
		}
	}

	e.saveQuiet(ctx, sess)
	return firstNonEmpty(cfg.NextStepID, step.NextStepID), nil
}

// promptAvailability turns a scheduling response into a dynamic button prompt
// and pauses the flow. Reports whether it did.
func (e *Engine) promptAvailability(ctx context.Context, f *flow.Flow, sess *session.Session, step *flow.Step, obj map[string]any) (bool, error) {
	if dates := stringSlice(obj["availableDates"]); len(dates) > 0 {
		return true, e.sendDynamicChoices(ctx, f, sess, step, dates, "date_", "dateMapping",
			e.translate(sess, "select_date"))
	}
	if slots := stringSlice(obj["formattedTimeSlots"]); len(slots) > 0 {
		return true, e.sendDynamicChoices(ctx, f, sess, step, slots, "time_", "timeMapping",
			e.translate(sess, "select_time"))
	}
	return false, nil
}

// sendDynamicChoices sends up to the provider's button limit of generated
// options and records the value mapping for the reply.
func (e *Engine) sendDynamicChoices(ctx context.Context, f *flow.Flow, sess *session.Session, step *flow.Step, values []string, idPrefix, mappingKey, text string) error {
	if len(values) > maxDynamicChoices {
		values = values[:maxDynamicChoices]
	}
	choices := make([]channel.Choice, 0, len(values))
	mapping := make(map[string]any, len(values))
	for i, value := range values {
		id := fmt.Sprintf("%s%d", idPrefix, i)
		choices = append(choices, channel.Choice{ID: id, Title: value})
		mapping[id] = value
	}
	if err := e.sender.SendButtons(ctx, sess.TenantID, sess.UserID, text, choices); err != nil {
		return err
	}
	sess.Data[mappingKey] = mapping
	e.setCursor(sess, f, step.ID)
	sess.SetPrompt(nil, nil)
	return e.sessions.Save(ctx, sess)
}

func stringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		if direct, ok := value.([]string); ok {
			return direct
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s := stringify(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
