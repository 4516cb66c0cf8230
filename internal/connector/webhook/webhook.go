// Package webhook accepts bot interactions over HTTP so external tools
// (forms, moderation dashboards) can drive the same routes as chat users.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ca-study-space/cssbot/internal/connector"
	"github.com/ca-study-space/cssbot/internal/platform"
)

// Config holds webhook endpoint configuration.
type Config struct {
	// Endpoints maps endpoint names to their auth settings.
	Endpoints map[string]EndpointConfig `json:"endpoints"`
}

// EndpointConfig holds per-endpoint auth settings.
type EndpointConfig struct {
	// Secret for HMAC-SHA256 signature verification (X-Hub-Signature-256 header).
	// If empty, Bearer auth is used instead.
	Secret string `json:"secret,omitempty"`
	// BearerToken for Authorization header auth. Used if Secret is empty.
	BearerToken string `json:"bearer_token,omitempty"`
	// Actor, when set, is the user every event from this endpoint acts as.
	Actor string `json:"actor,omitempty"`
}

// Payload is the JSON body of a webhook request.
type Payload struct {
	Kind    connector.EventKind `json:"kind"`
	Name    string              `json:"name"`
	Key     string              `json:"key,omitempty"`
	Text    string              `json:"text,omitempty"`
	Actor   string              `json:"actor,omitempty"`
	Channel string              `json:"channel,omitempty"`
}

// Response is the JSON body returned for a dispatched event.
type Response struct {
	Text     string            `json:"text,omitempty"`
	Message  *platform.Message `json:"message,omitempty"`
	FileName string            `json:"file_name,omitempty"`
	File     json.RawMessage   `json:"file,omitempty"`
	Private  bool              `json:"private,omitempty"`
}

// Handler serves POST /api/hooks/{name}.
type Handler struct {
	config   Config
	dispatch connector.Dispatcher
	logger   *slog.Logger
}

// New creates a webhook handler.
func New(cfg Config, d connector.Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{config: cfg, dispatch: d, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := extractName(r.URL.Path)
	endpoint, ok := h.config.Endpoints[name]
	if name == "" || !ok {
		http.Error(w, fmt.Sprintf("unknown webhook endpoint: %s", name), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if !authenticate(r, endpoint, body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	ev, err := toEvent(name, endpoint, p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Info("webhook event", "endpoint", name, "kind", ev.Kind, "name", ev.Name, "actor", ev.Actor)
	reply := h.dispatch.Dispatch(r.Context(), ev)

	resp := Response{Text: reply.Text, Message: reply.Message, Private: reply.Private}
	if reply.File != nil {
		resp.FileName = reply.File.Name
		if json.Valid(reply.File.Data) {
			resp.File = reply.File.Data
		} else {
			resp.File, _ = json.Marshal(string(reply.File.Data))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func toEvent(endpoint string, cfg EndpointConfig, p Payload) (connector.Event, error) {
	switch p.Kind {
	case connector.KindCommand, connector.KindButton, connector.KindReaction:
	case "":
		p.Kind = connector.KindCommand
	default:
		return connector.Event{}, fmt.Errorf("unknown event kind %q", p.Kind)
	}
	if p.Name == "" {
		return connector.Event{}, fmt.Errorf("name is required")
	}
	actor := p.Actor
	if cfg.Actor != "" {
		actor = cfg.Actor
	}
	if actor == "" {
		return connector.Event{}, fmt.Errorf("actor is required")
	}
	return connector.Event{
		Source:  "webhook:" + endpoint,
		Kind:    p.Kind,
		Name:    strings.TrimPrefix(p.Name, "/"),
		Key:     p.Key,
		Args:    strings.Fields(p.Text),
		Text:    strings.TrimSpace(p.Text),
		Actor:   actor,
		Channel: p.Channel,
	}, nil
}

func authenticate(r *http.Request, endpoint EndpointConfig, body []byte) bool {
	if endpoint.Secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			sig = r.Header.Get("X-Signature-256")
		}
		return verifyHMAC(body, endpoint.Secret, sig)
	}
	if endpoint.BearerToken != "" {
		return r.Header.Get("Authorization") == "Bearer "+endpoint.BearerToken
	}
	// Unauthenticated endpoints must pin their actor.
	return endpoint.Actor != ""
}

// verifyHMAC checks a "sha256=<hex>" signature over body.
func verifyHMAC(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// extractName gets the last path segment from /api/hooks/{name}.
func extractName(path string) string {
	path = strings.TrimSuffix(path, "/")
	return path[strings.LastIndex(path, "/")+1:]
}

// ComputeSignature generates the signature header value for body.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
