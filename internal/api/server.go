// Package api is the local control surface for the front-end: HTTP
// actions in, WebSocket host reports out. Every action gets an explicit
// success or failure response; failures are never retried here — the
// front-end decides whether to re-issue.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dialcore/dialcore/internal/api/middleware"
	"github.com/dialcore/dialcore/internal/call"
	"github.com/dialcore/dialcore/internal/engine"
	"github.com/dialcore/dialcore/internal/push"
)

// CallController is the engine surface the control API drives.
type CallController interface {
	Start(ctx context.Context, counterpart string) (string, error)
	Answer(ctx context.Context, id string) error
	End(ctx context.Context, id string) error
	SetHold(ctx context.Context, hold bool) error
	SetMuted(ctx context.Context, muted bool) error
	Reset(ctx context.Context) error
	State(ctx context.Context) (engine.Snapshot, error)
}

// Server holds the control API handler dependencies.
type Server struct {
	router *chi.Mux
	calls  CallController
	hub    *Hub
	logger *slog.Logger
}

// NewServer creates the control API with all routes mounted. The push
// handler and rate limiter mount the push receiver; metricsHandler
// serves /metrics and may be nil to disable scraping.
func NewServer(calls CallController, hub *Hub, pushHandler *push.Handler,
	pushRL *push.RateLimiter, metricsHandler http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		calls:  calls,
		hub:    hub,
		logger: logger.With("component", "api"),
	}

	r := s.router
	r.Use(chimw.RequestID)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/calls", s.handleStart)
		r.Get("/calls", s.handleState)
		r.Post("/calls/{id}/answer", s.handleAnswer)
		r.Post("/calls/{id}/end", s.handleEnd)
		r.Put("/call/hold", s.handleHold)
		r.Put("/call/mute", s.handleMute)
		r.Post("/reset", s.handleReset)
		r.Get("/events", hub.ServeWS)
	})

	if pushHandler != nil {
		pushHandler.Routes(r, pushRL)
	}
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// actionStatus maps an engine action failure onto an HTTP status.
func actionStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrNoSuchCall):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNoForegroundCall),
		errors.Is(err, engine.ErrInvalidCallState):
		return http.StatusConflict
	case errors.Is(err, engine.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// startRequest is the payload for POST /v1/calls.
type startRequest struct {
	Counterpart string `json:"counterpart"`
}

// startResponse acknowledges an outgoing call.
type startResponse struct {
	CallID string `json:"call_id"`
}

// handleStart handles POST /v1/calls — originate an outgoing call.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Counterpart == "" {
		writeError(w, http.StatusBadRequest, "counterpart is required")
		return
	}

	id, err := s.calls.Start(r.Context(), req.Counterpart)
	if err != nil {
		s.logger.Error("start call failed", "error", err)
		writeError(w, actionStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{CallID: id})
}

// handleAnswer handles POST /v1/calls/{id}/answer.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.calls.Answer(r.Context(), id); err != nil {
		s.logger.Warn("answer failed", "call_id", id, "error", err)
		writeError(w, actionStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": id, "status": string(call.StatusActive)})
}

// handleEnd handles POST /v1/calls/{id}/end.
func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.calls.End(r.Context(), id); err != nil {
		s.logger.Warn("end failed", "call_id", id, "error", err)
		writeError(w, actionStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": id, "status": string(call.StatusEnded)})
}

// toggleRequest is the payload for the hold and mute toggles.
type toggleRequest struct {
	On bool `json:"on"`
}

// handleHold handles PUT /v1/call/hold — applies to the foreground
// call, which is the only call hold can address.
func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.calls.SetHold(r.Context(), req.On); err != nil {
		s.logger.Warn("hold failed", "on", req.On, "error", err)
		writeError(w, actionStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"held": req.On})
}

// handleMute handles PUT /v1/call/mute — applies to the foreground
// call.
func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.calls.SetMuted(r.Context(), req.On); err != nil {
		s.logger.Warn("mute failed", "on", req.On, "error", err)
		writeError(w, actionStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"muted": req.On})
}

// handleReset handles POST /v1/reset — the front-end lost all call
// state (relaunch mid-call) and the registry must be cleared.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.calls.Reset(r.Context()); err != nil {
		s.logger.Error("reset failed", "error", err)
		writeError(w, actionStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

// sessionView is the wire shape of a call session in snapshots.
type sessionView struct {
	CallID        string     `json:"call_id"`
	Direction     string     `json:"direction"`
	Status        string     `json:"status"`
	Muted         bool       `json:"muted"`
	Counterpart   string     `json:"counterpart"`
	RelatedLeadID int64      `json:"related_lead_id,omitempty"`
	Foreground    bool       `json:"foreground"`
	CreatedAt     time.Time  `json:"created_at"`
	AnsweredAt    *time.Time `json:"answered_at,omitempty"`
}

// inviteView is the wire shape of a pending invite.
type inviteView struct {
	CallID     string    `json:"call_id"`
	From       string    `json:"from"`
	ReceivedAt time.Time `json:"received_at"`
}

// stateResponse is the payload for GET /v1/calls.
type stateResponse struct {
	Sessions []sessionView `json:"sessions"`
	Invites  []inviteView  `json:"invites"`
}

// handleState handles GET /v1/calls — a consistent registry snapshot.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.calls.State(r.Context())
	if err != nil {
		writeError(w, actionStatus(err), err.Error())
		return
	}

	resp := stateResponse{
		Sessions: make([]sessionView, 0, len(snap.Sessions)),
		Invites:  make([]inviteView, 0, len(snap.Invites)),
	}
	for _, sess := range snap.Sessions {
		resp.Sessions = append(resp.Sessions, sessionView{
			CallID:        sess.ID,
			Direction:     string(sess.Direction),
			Status:        string(sess.Status),
			Muted:         sess.Muted,
			Counterpart:   sess.CounterpartNumber,
			RelatedLeadID: sess.RelatedLeadID,
			Foreground:    sess.ID == snap.ForegroundID,
			CreatedAt:     sess.CreatedAt,
			AnsweredAt:    sess.AnsweredAt,
		})
	}
	for _, inv := range snap.Invites {
		resp.Invites = append(resp.Invites, inviteView{
			CallID:     inv.ID,
			From:       inv.FromNumber,
			ReceivedAt: inv.ReceivedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
