// Package router maps inbound events to handlers through an explicit table
// keyed by event kind and name. Each handler receives the event's
// correlation key and looks its record up itself.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ca-study-space/cssbot/internal/connector"
	"github.com/ca-study-space/cssbot/internal/fault"
)

// Handler serves one route.
type Handler func(ctx context.Context, ev connector.Event) (connector.Reply, error)

type routeKey struct {
	kind connector.EventKind
	name string
}

// Router is the routing table.
type Router struct {
	routes map[routeKey]Handler
	logger *slog.Logger
}

// New creates an empty Router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{routes: make(map[routeKey]Handler), logger: logger}
}

// Handle registers h for events of kind named name. Registering the same
// route twice panics.
func (r *Router) Handle(kind connector.EventKind, name string, h Handler) {
	k := routeKey{kind, name}
	if _, dup := r.routes[k]; dup {
		panic(fmt.Sprintf("router: duplicate route %s %q", kind, name))
	}
	r.routes[k] = h
}

// Command registers a slash-command route.
func (r *Router) Command(name string, h Handler) { r.Handle(connector.KindCommand, name, h) }

// Button registers a button-action route.
func (r *Router) Button(action string, h Handler) { r.Handle(connector.KindButton, action, h) }

// Reaction registers a reaction route.
func (r *Router) Reaction(emoji string, h Handler) { r.Handle(connector.KindReaction, emoji, h) }

// Commands lists the registered command names, sorted.
func (r *Router) Commands() []string {
	var out []string
	for k := range r.routes {
		if k.kind == connector.KindCommand {
			out = append(out, k.name)
		}
	}
	slices.Sort(out)
	return out
}

// Dispatch runs the route for ev. Errors become private replies; an
// unrouted reaction or button is dropped silently.
func (r *Router) Dispatch(ctx context.Context, ev connector.Event) (reply connector.Reply) {
	h, ok := r.routes[routeKey{ev.Kind, ev.Name}]
	if !ok {
		if ev.Kind == connector.KindCommand {
			return connector.Reply{Text: "❌ Unknown command /" + ev.Name + ".", Private: true}
		}
		return connector.Reply{}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panic", "kind", ev.Kind, "name", ev.Name, "actor", ev.Actor, "panic", p)
			reply = ErrorReply(fmt.Errorf("router: panic: %v", p))
		}
	}()

	reply, err := h(ctx, ev)
	if err != nil {
		switch fault.KindOf(err) {
		case fault.Internal, fault.Unavailable:
			r.logger.Error("handler failed", "kind", ev.Kind, "name", ev.Name, "actor", ev.Actor, "error", err)
		default:
			r.logger.Info("request refused", "kind", ev.Kind, "name", ev.Name, "actor", ev.Actor,
				"reason", fault.KindOf(err).String(), "error", err)
		}
		return ErrorReply(err)
	}
	return reply
}

// ErrorReply renders err as a private reply for the actor.
func ErrorReply(err error) connector.Reply {
	prefix := "❌ "
	switch fault.KindOf(err) {
	case fault.Conflict, fault.NotFound:
		prefix = "⚠️ "
	}
	return connector.Reply{Text: prefix + fault.UserMessage(err), Private: true}
}

var _ connector.Dispatcher = (*Router)(nil)
