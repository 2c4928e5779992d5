package inapp

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/salon-notify/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// Handler serves the inbox of the authenticated user.
type Handler struct {
	inbox *Inbox
}

// NewHandler creates an inbox HTTP handler.
func NewHandler(inbox *Inbox) *Handler {
	return &Handler{inbox: inbox}
}

// RegisterRoutes registers routes for the authenticated user.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/me/inbox", h.List)
	r.Delete("/me/inbox", h.Clear)
	r.Get("/me/inbox/stream", h.Stream)
}

const (
	keepAliveInterval = 25 * time.Second
	reconnectDelay    = 3 * time.Second
)

// List handles GET /me/inbox.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.CurrentUser(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	items, err := h.inbox.List(r.Context(), userID, limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, nil)
		return
	}
	httputil.Success(w, http.StatusOK, items)
}

// Clear handles DELETE /me/inbox.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.CurrentUser(w, r)
	if !ok {
		return
	}
	if err := h.inbox.Clear(r.Context(), userID); err != nil {
		httputil.HandleError(r.Context(), w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stream handles GET /me/inbox/stream: every new inbox item is pushed as a
// server-sent "notification" event carrying the item JSON. The stream ends
// with the request context; clients reconnect after the advertised delay.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.CurrentUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	sub := h.inbox.Subscribe(ctx, userID)
	defer func() { _ = sub.Close() }()
	// Wait for the subscription so no item published after the response starts is missed.
	if _, err := sub.Receive(ctx); err != nil {
		httputil.HandleError(ctx, w, fmt.Errorf("subscribe to inbox: %w", err), nil)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "retry: %d\n\n", reconnectDelay.Milliseconds())
	if err := rc.Flush(); err != nil {
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	messages := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "event: notification\ndata: %s\n\n", msg.Payload)
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
