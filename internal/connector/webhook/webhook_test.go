package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ca-study-space/cssbot/internal/connector"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []connector.Event
	reply  connector.Reply
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev connector.Event) connector.Reply {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return d.reply
}

func (d *recordingDispatcher) last() connector.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events[len(d.events)-1]
}

func newTestHandler(endpoints map[string]EndpointConfig) (*Handler, *recordingDispatcher) {
	d := &recordingDispatcher{reply: connector.Reply{Text: "ok", Private: true}}
	return New(Config{Endpoints: endpoints}, d, nil), d
}

func post(h http.Handler, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWebhook_Command(t *testing.T) {
	h, d := newTestHandler(map[string]EndpointConfig{"forms": {BearerToken: "tok"}})

	w := post(h, "/api/hooks/forms", `{"name":"/report","text":" category Spam ","actor":"U1","channel":"C1"}`,
		"Authorization", "Bearer tok")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	ev := d.last()
	if ev.Source != "webhook:forms" || ev.Kind != connector.KindCommand || ev.Name != "report" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Text != "category Spam" || len(ev.Args) != 2 || ev.Args[1] != "Spam" {
		t.Errorf("unexpected args %+v / %q", ev.Args, ev.Text)
	}
	if ev.Actor != "U1" || ev.Channel != "C1" {
		t.Errorf("unexpected actor/channel %+v", ev)
	}

	var resp Response
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Text != "ok" || !resp.Private {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestWebhook_BearerAuth(t *testing.T) {
	h, _ := newTestHandler(map[string]EndpointConfig{"ci": {BearerToken: "secret123"}})
	payload := `{"name":"export_tickets","actor":"U1"}`

	if w := post(h, "/api/hooks/ci", payload); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without auth, got %d", w.Code)
	}
	if w := post(h, "/api/hooks/ci", payload, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong auth, got %d", w.Code)
	}
	if w := post(h, "/api/hooks/ci", payload, "Authorization", "Bearer secret123"); w.Code != http.StatusOK {
		t.Errorf("expected 200 with correct auth, got %d", w.Code)
	}
}

func TestWebhook_HMACAuth(t *testing.T) {
	secret := "webhook_secret_key"
	h, _ := newTestHandler(map[string]EndpointConfig{"forms": {Secret: secret}})

	payload := `{"kind":"button","name":"issue.claim","key":"ISS-001","actor":"U9"}`
	sig := ComputeSignature([]byte(payload), secret)

	if w := post(h, "/api/hooks/forms", payload, "X-Hub-Signature-256", sig); w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid HMAC, got %d", w.Code)
	}
	if w := post(h, "/api/hooks/forms", payload, "X-Hub-Signature-256", "sha256=invalid"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with invalid HMAC, got %d", w.Code)
	}
	if w := post(h, "/api/hooks/forms", payload); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without signature, got %d", w.Code)
	}
}

func TestWebhook_UnauthenticatedNeedsPinnedActor(t *testing.T) {
	h, d := newTestHandler(map[string]EndpointConfig{
		"open":  {},
		"kiosk": {Actor: "UKIOSK"},
	})

	if w := post(h, "/api/hooks/open", `{"name":"report","actor":"U1"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for endpoint without auth or actor, got %d", w.Code)
	}
	if w := post(h, "/api/hooks/kiosk", `{"name":"report","actor":"USPOOF"}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if d.last().Actor != "UKIOSK" {
		t.Errorf("pinned actor should win, got %q", d.last().Actor)
	}
}

func TestWebhook_BadRequests(t *testing.T) {
	h, _ := newTestHandler(map[string]EndpointConfig{"test": {Actor: "U1"}})

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `not json`},
		{"missing name", `{"kind":"command"}`},
		{"unknown kind", `{"kind":"poke","name":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := post(h, "/api/hooks/test", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestWebhook_MissingActor(t *testing.T) {
	h, _ := newTestHandler(map[string]EndpointConfig{"ci": {BearerToken: "t"}})
	if w := post(h, "/api/hooks/ci", `{"name":"report"}`, "Authorization", "Bearer t"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without actor, got %d", w.Code)
	}
}

func TestWebhook_UnknownEndpointAndMethod(t *testing.T) {
	h, _ := newTestHandler(map[string]EndpointConfig{"test": {Actor: "U1"}})

	if w := post(h, "/api/hooks/unknown", `{"name":"x"}`); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown endpoint, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/hooks/test", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestWebhook_FileReply(t *testing.T) {
	h, d := newTestHandler(map[string]EndpointConfig{"test": {Actor: "ADM"}})
	d.reply = connector.Reply{Text: "Export ready.", File: &connector.File{
		Name: "tickets.json",
		Data: []byte(`{"last_ticket_id": 3}`),
	}}

	w := post(h, "/api/hooks/test", `{"name":"export_tickets"}`)
	var resp struct {
		FileName string         `json:"file_name"`
		File     map[string]int `json:"file"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.FileName != "tickets.json" || resp.File["last_ticket_id"] != 3 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestExtractName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/hooks/forms", "forms"},
		{"/api/hooks/ci/", "ci"},
		{"/hooks", "hooks"},
		{"/", ""},
	}
	for _, tt := range tests {
		if got := extractName(tt.path); got != tt.want {
			t.Errorf("extractName(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestComputeSignature(t *testing.T) {
	sig := ComputeSignature([]byte("test body"), "secret")
	if !strings.HasPrefix(sig, "sha256=") {
		t.Errorf("signature should start with sha256=: %q", sig)
	}
	if !verifyHMAC([]byte("test body"), "secret", sig) {
		t.Error("signature should verify")
	}
}
