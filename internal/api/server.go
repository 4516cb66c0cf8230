package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ca-study-space/cssbot/internal/fault"
	"github.com/ca-study-space/cssbot/internal/ticket"
	"github.com/ca-study-space/cssbot/pkg/protocol"
)

// Stores is what the API reads from. *ticket.SQLStore satisfies it.
type Stores interface {
	Get(ctx context.Context, id string) (*protocol.Ticket, error)
	List(ctx context.Context, filter ticket.Filter) ([]*protocol.Ticket, error)
	GetIssue(ctx context.Context, id string) (*protocol.Issue, error)
	AllIssues(ctx context.Context) (map[string]*protocol.Issue, error)
	IssuesByStatus(ctx context.Context, status protocol.IssueStatus) ([]*protocol.Issue, error)
	IssuesByCreator(ctx context.Context, userID string) ([]*protocol.Issue, error)
	Events(ctx context.Context, ticketID string) ([]protocol.Event, error)
	Export(ctx context.Context, kind protocol.Kind) ([]byte, error)
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the read-only REST API over the ticket store.
type Server struct {
	stores Stores
	cfg    Config
	logger *slog.Logger
	srv    *http.Server
}

// NewServer creates a new API server. hooks, when non-nil, is mounted at
// /api/hooks/{name} and does its own authentication.
func NewServer(stores Stores, cfg Config, hooks http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		stores: stores,
		cfg:    cfg,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		if hooks != nil {
			r.Handle("/hooks/{name}", hooks)
		}
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/tickets", s.handleListTickets)
			r.Get("/tickets/{id}", s.handleGetTicket)
			r.Get("/tickets/{id}/events", s.handleEvents)
			r.Get("/issues", s.handleListIssues)
			r.Get("/issues/{id}", s.handleGetIssue)
			r.Get("/issues/{id}/events", s.handleEvents)
			r.Get("/export/{kind}", s.handleExport)
		})
	})

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Hub-Signature-256")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	filter := ticket.Filter{}
	if status := r.URL.Query().Get("status"); status != "" {
		ts := protocol.TicketStatus(strings.ToUpper(status))
		filter.Status = &ts
	}
	filter.CreatedBy = r.URL.Query().Get("creator")
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}

	tickets, err := s.stores.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tickets == nil {
		tickets = []*protocol.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.stores.Get(r.Context(), strings.TrimPrefix(chi.URLParam(r, "id"), "#"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		issues []*protocol.Issue
		err    error
	)
	switch {
	case q.Get("creator") != "":
		issues, err = s.stores.IssuesByCreator(r.Context(), q.Get("creator"))
	case q.Get("status") != "":
		issues, err = s.stores.IssuesByStatus(r.Context(), protocol.IssueStatus(strings.ToUpper(q.Get("status"))))
	default:
		var all map[string]*protocol.Issue
		all, err = s.stores.AllIssues(r.Context())
		for _, i := range all {
			issues = append(issues, i)
		}
		sortIssues(issues)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if status := q.Get("status"); status != "" && q.Get("creator") != "" {
		issues = filterIssues(issues, protocol.IssueStatus(strings.ToUpper(status)))
	}
	if issues == nil {
		issues = []*protocol.Issue{}
	}
	writeJSON(w, http.StatusOK, issues)
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	i, err := s.stores.GetIssue(r.Context(), strings.ToUpper(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, i)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(chi.URLParam(r, "id"), "#")
	if strings.HasPrefix(r.URL.Path, "/api/issues/") {
		id = strings.ToUpper(id)
	}
	events, err := s.stores.Events(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []protocol.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.stores.Export(r.Context(), protocol.Kind(chi.URLParam(r, "kind")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// --- Helpers ---

// writeError maps a fault kind onto an HTTP status. Internal causes are
// logged, never returned.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.Validation:
		status = http.StatusBadRequest
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.Conflict:
		status = http.StatusConflict
	case fault.PermissionDenied:
		status = http.StatusForbidden
	case fault.Unavailable:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.logger.Error("api request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": fault.UserMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sortIssues orders newest first, matching the ticket list.
func sortIssues(issues []*protocol.Issue) {
	slices.SortFunc(issues, func(a, b *protocol.Issue) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}

func filterIssues(issues []*protocol.Issue, status protocol.IssueStatus) []*protocol.Issue {
	var out []*protocol.Issue
	for _, i := range issues {
		if i.Status == status {
			out = append(out, i)
		}
	}
	return out
}
