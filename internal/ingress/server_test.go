package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sevak/internal/dialog"
	"sevak/internal/flow"
	"sevak/internal/tenant"
)

type fakeDialog struct {
	handled []dialog.Inbound
	err     error
}

func (d *fakeDialog) Handle(_ context.Context, msg dialog.Inbound) error {
	d.handled = append(d.handled, msg)
	return d.err
}

type fakeGuard struct {
	seen map[string]bool
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{seen: map[string]bool{}}
}

func (g *fakeGuard) Seen(_ context.Context, id string) bool { return g.seen[id] }
func (g *fakeGuard) Mark(_ context.Context, id string)      { g.seen[id] = true }

type fakeFlowStore struct {
	flows []*flow.Flow
}

func (s *fakeFlowStore) ByTrigger(context.Context, string, string) (*flow.Flow, error) {
	return nil, flow.ErrNotFound
}

func (s *fakeFlowStore) ByID(context.Context, string, string) (*flow.Flow, error) {
	return nil, flow.ErrNotFound
}

func (s *fakeFlowStore) List(context.Context, string) ([]*flow.Flow, error) {
	return s.flows, nil
}

type fakeInvalidator struct {
	invalidated []string
}

func (i *fakeInvalidator) Invalidate(tenantID string) {
	i.invalidated = append(i.invalidated, tenantID)
}

type testEnv struct {
	server      *Server
	dialog      *fakeDialog
	guard       *fakeGuard
	invalidator *fakeInvalidator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	registry, err := tenant.NewRegistry([]tenant.Tenant{
		{ID: "pune", Name: "Pune Municipal Corp", PhoneNumberID: "111", VerifyToken: "tok-pune"},
	})
	require.NoError(t, err)

	d := &fakeDialog{}
	g := newFakeGuard()
	inv := &fakeInvalidator{}
	server, err := New(Config{
		Tenants: registry,
		Dialog:  d,
		Guard:   g,
		Flows: &fakeFlowStore{flows: []*flow.Flow{{
			ID: "citizen_services", Name: "Citizen Services", Kind: "grievance", Version: 3,
			Steps: []flow.Step{{ID: "a", Type: flow.StepMessage}},
		}}},
		FlowCache: inv,
	})
	require.NoError(t, err)
	return &testEnv{server: server, dialog: d, guard: g, invalidator: inv}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func textDelivery(messageID, body string) string {
	return fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"id": "e1", "changes": [{"field": "messages", "value": {
			"metadata": {"phone_number_id": "111"},
			"messages": [{"from": "919999900000", "id": %q, "type": "text", "text": {"body": %q}}]
		}}]}]
	}`, messageID, body)
}

func TestVerifyHandshake(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=tok-pune&hub.challenge=12345", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "12345", w.Body.String())

	w = env.do(t, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/webhook?hub.mode=unsubscribe&hub.verify_token=tok-pune", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookDispatchesText(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/webhook", textDelivery("wamid.1", "hello"))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, env.dialog.handled, 1)
	got := env.dialog.handled[0]
	assert.Equal(t, "pune", got.TenantID)
	assert.Equal(t, "919999900000", got.UserID)
	assert.Equal(t, dialog.KindText, got.Kind)
	assert.Equal(t, "hello", got.Text)
}

func TestWebhookSuppressesDuplicates(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/webhook", textDelivery("wamid.dup", "hello"))
	env.do(t, http.MethodPost, "/webhook", textDelivery("wamid.dup", "hello"))

	assert.Len(t, env.dialog.handled, 1)
}

func TestWebhookUnknownPhoneNumberDropped(t *testing.T) {
	env := newTestEnv(t)
	body := strings.Replace(textDelivery("wamid.2", "hello"), `"111"`, `"999"`, 1)

	w := env.do(t, http.MethodPost, "/webhook", body)

	assert.Equal(t, http.StatusOK, w.Code, "unknown senders must not trigger provider retries")
	assert.Empty(t, env.dialog.handled)
}

func TestWebhookMalformedBodyStillAccepted(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/webhook", "{not json")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, env.dialog.handled)
}

func TestWebhookParsesInteractiveReplies(t *testing.T) {
	env := newTestEnv(t)
	body := `{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"value": {
			"metadata": {"phone_number_id": "111"},
			"messages": [
				{"from": "919999900000", "id": "wamid.b", "type": "interactive",
				 "interactive": {"type": "button_reply", "button_reply": {"id": "opt_grievance", "title": "File Grievance"}}},
				{"from": "919999900000", "id": "wamid.l", "type": "interactive",
				 "interactive": {"type": "list_reply", "list_reply": {"id": "dept_3", "title": "Water Supply"}}},
				{"from": "919999900000", "id": "wamid.m", "type": "image", "image": {"id": "media-77"}}
			]
		}}]}]
	}`

	env.do(t, http.MethodPost, "/webhook", body)

	require.Len(t, env.dialog.handled, 3)
	assert.Equal(t, dialog.KindButton, env.dialog.handled[0].Kind)
	assert.Equal(t, "opt_grievance", env.dialog.handled[0].ChoiceID)
	assert.Equal(t, dialog.KindList, env.dialog.handled[1].Kind)
	assert.Equal(t, "dept_3", env.dialog.handled[1].ChoiceID)
	assert.Equal(t, dialog.KindMedia, env.dialog.handled[2].Kind)
	assert.Equal(t, "media-77", env.dialog.handled[2].MediaID)
}

func TestWebhookIgnoresStatusOnlyDeliveries(t *testing.T) {
	env := newTestEnv(t)
	body := `{"object": "whatsapp_business_account", "entry": [{"changes": [{"value": {
		"metadata": {"phone_number_id": "111"}, "statuses": [{"id": "wamid.s", "status": "delivered"}]
	}}]}]}`

	w := env.do(t, http.MethodPost, "/webhook", body)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, env.dialog.handled)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestAdminListFlows(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/admin/flows/pune", "")

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Tenant string `json:"tenant"`
		Flows  []struct {
			ID    string `json:"id"`
			Steps int    `json:"steps"`
		} `json:"flows"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pune", resp.Tenant)
	require.Len(t, resp.Flows, 1)
	assert.Equal(t, "citizen_services", resp.Flows[0].ID)
	assert.Equal(t, 1, resp.Flows[0].Steps)

	w = env.do(t, http.MethodGet, "/admin/flows/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminReloadInvalidatesCache(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/admin/flows/pune/reload", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"pune"}, env.invalidator.invalidated)
}
