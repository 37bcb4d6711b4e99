package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/mattjoyce/wecom-gw/internal/events"
	"github.com/mattjoyce/wecom-gw/internal/metrics"
	"github.com/mattjoyce/wecom-gw/internal/protocol"
)

// Outcomes recorded per dispatch.
const (
	OutcomeHandled = "handled"
	OutcomeDropped = "dropped"
	OutcomeFailed  = "failed"
)

// Handler processes one inbound message. A returned error is logged by the
// router; it never reaches the platform.
type Handler interface {
	Handle(ctx context.Context, msg protocol.InboundMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg protocol.InboundMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg protocol.InboundMessage) error {
	return f(ctx, msg)
}

// Router maps sender ids to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	events  events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRouter creates an empty router. pub and m may be nil.
func NewRouter(pub events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Router {
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[string]Handler),
		events:   pub,
		metrics:  m,
		logger:   logger,
	}
}

// Register binds a handler to a sender id. Registering the same sender twice
// is a configuration error.
func (r *Router) Register(sender string, h Handler) error {
	if sender == "" {
		return fmt.Errorf("register: empty sender id")
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", sender)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[sender]; exists {
		return fmt.Errorf("register %q: sender already has a handler", sender)
	}
	r.handlers[sender] = h
	return nil
}

// Senders returns the registered sender ids, sorted.
func (r *Router) Senders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Dispatch hands msg to the handler registered for its sender and reports the
// outcome. It never returns the handler's error.
func (r *Router) Dispatch(ctx context.Context, msg protocol.InboundMessage) string {
	logger := r.logger.With("sender", msg.Sender, "type", string(msg.Type), "msg_id", msg.MsgID)

	r.mu.RLock()
	h, ok := r.handlers[msg.Sender]
	r.mu.RUnlock()

	if !ok {
		logger.Info("no handler for sender, dropping message", "raw_type", msg.RawType)
		r.finish(OutcomeDropped, events.MessageDropped, msg, nil)
		return OutcomeDropped
	}

	if err := r.safeHandle(ctx, h, msg); err != nil {
		logger.Error("handler failed", "error", err)
		r.finish(OutcomeFailed, events.MessageFailed, msg, err)
		return OutcomeFailed
	}

	logger.Debug("message handled")
	r.finish(OutcomeHandled, events.MessageDispatched, msg, nil)
	return OutcomeHandled
}

func (r *Router) safeHandle(ctx context.Context, h Handler, msg protocol.InboundMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
			r.logger.Error("handler panic", "sender", msg.Sender, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
		}
	}()
	return h.Handle(ctx, msg)
}

func (r *Router) finish(outcome, eventType string, msg protocol.InboundMessage, err error) {
	if r.metrics != nil {
		r.metrics.Dispatches.WithLabelValues(outcome).Inc()
	}
	data := map[string]any{
		"sender": msg.Sender,
		"type":   string(msg.Type),
		"msg_id": msg.MsgID,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	r.events.Publish(eventType, data)
}
