package whatsapp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sevak/internal/channel"
	"sevak/internal/tenant"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *tenant.Registry {
	t.Helper()
	registry, err := tenant.NewRegistry([]tenant.Tenant{{
		ID:            "acme",
		Name:          "Acme Municipality",
		PhoneNumberID: "10001",
		AccessToken:   "token-acme",
	}})
	require.NoError(t, err)
	return registry
}

func captureServer(t *testing.T, status int, captured *[]map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(body, &payload))
		*captured = append(*captured, payload)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.OUT"}]}`))
	}))
}

func TestSendTextTruncates(t *testing.T) {
	var captured []map[string]any
	server := captureServer(t, http.StatusOK, &captured)
	defer server.Close()

	adapter, err := New(newTestRegistry(t), nil, nil, WithBaseURL(server.URL))
	require.NoError(t, err)

	long := strings.Repeat("x", MaxTextLength+500)
	require.NoError(t, adapter.SendText(context.Background(), "acme", "919000000001", long))

	require.Len(t, captured, 1)
	text := captured[0]["text"].(map[string]any)["body"].(string)
	assert.Len(t, []rune(text), MaxTextLength)
	assert.Equal(t, "919000000001", captured[0]["to"])
}

func TestSendButtonsEnforcesLimits(t *testing.T) {
	var captured []map[string]any
	server := captureServer(t, http.StatusOK, &captured)
	defer server.Close()

	adapter, err := New(newTestRegistry(t), nil, nil, WithBaseURL(server.URL))
	require.NoError(t, err)

	choices := []channel.Choice{
		{ID: "a", Title: strings.Repeat("long title ", 5)},
		{ID: "b", Title: "B"},
		{ID: "c", Title: "C"},
		{ID: "d", Title: "dropped"},
	}
	require.NoError(t, adapter.SendButtons(context.Background(), "acme", "919000000001", "Pick one", choices))

	require.Len(t, captured, 1)
	interactive := captured[0]["interactive"].(map[string]any)
	buttons := interactive["action"].(map[string]any)["buttons"].([]any)
	require.Len(t, buttons, MaxButtons)
	title := buttons[0].(map[string]any)["reply"].(map[string]any)["title"].(string)
	assert.LessOrEqual(t, len([]rune(title)), MaxButtonTitleLength)
}

func TestSendButtonsFallsBackToText(t *testing.T) {
	var captured []map[string]any
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(body, &payload))
		captured = append(captured, payload)
		if payload["type"] == "interactive" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"invalid payload"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter, err := New(newTestRegistry(t), nil, nil, WithBaseURL(server.URL))
	require.NoError(t, err)

	choices := []channel.Choice{{ID: "yes", Title: "Yes"}, {ID: "no", Title: "No"}}
	require.NoError(t, adapter.SendButtons(context.Background(), "acme", "919000000001", "Confirm?", choices))

	require.Equal(t, 2, calls)
	fallback := captured[1]
	assert.Equal(t, "text", fallback["type"])
	text := fallback["text"].(map[string]any)["body"].(string)
	assert.Contains(t, text, "1. Yes")
	assert.Contains(t, text, "2. No")
}

func TestSendListEnforcesLimits(t *testing.T) {
	var captured []map[string]any
	server := captureServer(t, http.StatusOK, &captured)
	defer server.Close()

	adapter, err := New(newTestRegistry(t), nil, nil, WithBaseURL(server.URL))
	require.NoError(t, err)

	rows := make([]channel.Row, 0, MaxRows+3)
	for i := 0; i < MaxRows+3; i++ {
		rows = append(rows, channel.Row{
			ID:          "row" + strings.Repeat("x", i),
			Title:       strings.Repeat("t", MaxRowTitleLength+10),
			Description: strings.Repeat("d", MaxRowDescLength+10),
		})
	}
	sections := []channel.Section{
		{Title: "Departments", Rows: rows},
		{Title: "Dropped", Rows: rows},
	}
	require.NoError(t, adapter.SendList(context.Background(), "acme", "919000000001", "Choose a department", "Select", sections))

	require.Len(t, captured, 1)
	action := captured[0]["interactive"].(map[string]any)["action"].(map[string]any)
	apiSections := action["sections"].([]any)
	require.Len(t, apiSections, MaxSections)
	apiRows := apiSections[0].(map[string]any)["rows"].([]any)
	require.Len(t, apiRows, MaxRows)
	first := apiRows[0].(map[string]any)
	assert.Len(t, []rune(first["title"].(string)), MaxRowTitleLength)
	assert.Len(t, []rune(first["description"].(string)), MaxRowDescLength)
}

func TestUnknownTenant(t *testing.T) {
	adapter, err := New(newTestRegistry(t), nil, nil)
	require.NoError(t, err)
	assert.Error(t, adapter.SendText(context.Background(), "ghost", "919000000001", "hello"))
}

func TestAuthorizationHeader(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter, err := New(newTestRegistry(t), nil, nil, WithBaseURL(server.URL))
	require.NoError(t, err)
	require.NoError(t, adapter.SendText(context.Background(), "acme", "919000000001", "hi"))
	assert.Equal(t, "Bearer token-acme", auth)
}
