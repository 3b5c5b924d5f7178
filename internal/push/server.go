package push

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
)

// CallAnnouncer receives push-announced call invites. Implemented by
// the engine.
type CallAnnouncer interface {
	HandleIncomingInvite(callID, from string)
}

// Registrar re-evaluates the push-registration binding when a
// credential update arrives. Implemented by the registration renewer.
type Registrar interface {
	EnsureRegistered(ctx context.Context, deviceToken []byte) error
}

// Handler dispatches decoded push wake-ups.
type Handler struct {
	calls  CallAnnouncer
	reg    Registrar
	logger *slog.Logger

	handled atomic.Int64
}

// NewHandler creates a push dispatch handler.
func NewHandler(calls CallAnnouncer, reg Registrar, logger *slog.Logger) *Handler {
	return &Handler{
		calls:  calls,
		reg:    reg,
		logger: logger.With("component", "push"),
	}
}

// Handle decodes one opaque push body and dispatches it. Registration
// renewal is fire-and-forget per policy; its failure is logged by the
// renewer and resolved on the next wake-up.
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	p, err := Decode(body)
	if err != nil {
		return err
	}

	h.handled.Add(1)

	switch p.Kind {
	case KindCallInvite:
		h.logger.Info("push wake-up: call invite",
			"call_id", p.CallID,
			"from", p.From,
		)
		h.calls.HandleIncomingInvite(p.CallID, p.From)

	case KindCredentialsUpdated:
		h.logger.Info("push wake-up: credentials updated")
		if err := h.reg.EnsureRegistered(ctx, p.DeviceToken); err != nil {
			// Logged only; the next wake-up re-evaluates the policy.
			h.logger.Error("registration renewal failed", "error", err)
		}
	}
	return nil
}

// Handled reports how many wake-ups were dispatched. Used by the
// metrics collector.
func (h *Handler) Handled() int64 {
	return h.handled.Load()
}

// maxPushBodySize bounds push wake-up bodies (64 KB is far above any
// real payload).
const maxPushBodySize = 64 << 10

// Routes mounts the push receiver under the given router:
// POST /v1/push accepts the opaque payload forwarded by the platform
// push relay. If rl is non-nil, per-source rate limiting is applied.
func (h *Handler) Routes(r chi.Router, rl *RateLimiter) {
	handler := http.HandlerFunc(h.handlePush)
	if rl != nil {
		r.Method(http.MethodPost, "/v1/push", rl.Middleware(handler))
		return
	}
	r.Method(http.MethodPost, "/v1/push", handler)
}

// handlePush handles POST /v1/push.
func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	if err := h.Handle(r.Context(), body); err != nil {
		h.logger.Warn("rejected push payload", "error", err)
		writeError(w, http.StatusBadRequest, "unrecognized push payload")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// envelope is the standard response wrapper shared with the control
// API.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status and payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}
